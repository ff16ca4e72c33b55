package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	clockpkg "github.com/loopbill/loopbill/internal/clock"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
	"github.com/loopbill/loopbill/internal/plan/repository"
)

func newTestService(t *testing.T) (*Service, *clockpkg.FakeClock) {
	clk := clockpkg.NewFakeClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{NowFunc: clk.Now})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&plandomain.Plan{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return &Service{
		db:    db,
		log:   zap.NewNop(),
		genID: node,
		clock: clk,
		repo:  repository.NewRepository(),
	}, clk
}

func TestCreatePlanNormalizesAndValidates(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	yearly := 290.0
	plan, err := svc.Create(ctx, plandomain.CreatePlanRequest{
		Code:         "  Pro ",
		Name:         " Pro Plan ",
		Tier:         "PRO",
		MonthlyPrice: 29,
		YearlyPrice:  &yearly,
		Currency:     "usd",
		Features:     map[string]any{"seats": float64(10)},
	})
	require.NoError(t, err)
	assert.Equal(t, "pro", plan.Code)
	assert.Equal(t, "Pro Plan", plan.Name)
	assert.Equal(t, "pro", plan.Tier)
	assert.Equal(t, "USD", plan.Currency)
	assert.True(t, plan.Active)
	assert.Equal(t, clk.Now(), plan.CreatedAt)

	cases := []struct {
		name string
		req  plandomain.CreatePlanRequest
		want error
	}{
		{"empty code", plandomain.CreatePlanRequest{Name: "x", MonthlyPrice: 1, Currency: "USD"}, plandomain.ErrInvalidCode},
		{"empty name", plandomain.CreatePlanRequest{Code: "x", MonthlyPrice: 1, Currency: "USD"}, plandomain.ErrInvalidPlan},
		{"negative price", plandomain.CreatePlanRequest{Code: "x", Name: "x", MonthlyPrice: -1, Currency: "USD"}, plandomain.ErrInvalidPrice},
		{"bad currency", plandomain.CreatePlanRequest{Code: "x", Name: "x", MonthlyPrice: 1, Currency: "US"}, plandomain.ErrInvalidCurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreatePlanRejectsDuplicateCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, plandomain.CreatePlanRequest{Code: "basic", Name: "Basic", MonthlyPrice: 10, Currency: "USD"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, plandomain.CreatePlanRequest{Code: "BASIC", Name: "Basic Again", MonthlyPrice: 12, Currency: "USD"})
	assert.ErrorIs(t, err, plandomain.ErrCodeTaken)
}

func TestUpdatePlan(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	plan, err := svc.Create(ctx, plandomain.CreatePlanRequest{Code: "basic", Name: "Basic", MonthlyPrice: 10, Currency: "USD"})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	name := "Basic v2"
	price := 12.0
	inactive := false
	updated, err := svc.Update(ctx, plan.ID.String(), plandomain.UpdatePlanRequest{
		Name:         &name,
		MonthlyPrice: &price,
		Active:       &inactive,
	})
	require.NoError(t, err)
	assert.Equal(t, "Basic v2", updated.Name)
	assert.Equal(t, 12.0, updated.MonthlyPrice)
	assert.False(t, updated.Active)
	assert.Equal(t, clk.Now(), updated.UpdatedAt)

	_, err = svc.Update(ctx, "999999999999999999", plandomain.UpdatePlanRequest{Name: &name})
	assert.ErrorIs(t, err, plandomain.ErrNotFound)

	_, err = svc.Update(ctx, "not-a-number", plandomain.UpdatePlanRequest{Name: &name})
	assert.ErrorIs(t, err, plandomain.ErrInvalidPlan)
}

func TestListPlansActiveOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	basic, err := svc.Create(ctx, plandomain.CreatePlanRequest{Code: "basic", Name: "Basic", MonthlyPrice: 10, Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, plandomain.CreatePlanRequest{Code: "pro", Name: "Pro", MonthlyPrice: 29, Currency: "USD"})
	require.NoError(t, err)

	inactive := false
	_, err = svc.Update(ctx, basic.ID.String(), plandomain.UpdatePlanRequest{Active: &inactive})
	require.NoError(t, err)

	all, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "pro", active[0].Code)
}
