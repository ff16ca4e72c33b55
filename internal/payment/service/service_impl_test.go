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
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
)

func newTestService(t *testing.T) (*Service, *clockpkg.FakeClock, *snowflake.Node) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&paymentdomain.Payment{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clockpkg.NewFakeClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))

	return &Service{
		db:    db,
		log:   zap.NewNop(),
		genID: node,
		clock: clk,
	}, clk, node
}

func (s *Service) createAttempt(t *testing.T, req paymentdomain.CreateAttemptRequest) paymentdomain.Payment {
	t.Helper()
	var payment paymentdomain.Payment
	require.NoError(t, s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		payment, err = s.CreateAttempt(context.Background(), tx, req)
		return err
	}))
	return payment
}

func TestCreateAttemptDefaults(t *testing.T) {
	svc, clk, node := newTestService(t)
	userID := node.Generate()

	payment := svc.createAttempt(t, paymentdomain.CreateAttemptRequest{
		UserID:   userID,
		Amount:   29,
		Currency: "usd",
	})
	assert.Equal(t, paymentdomain.PaymentStatusPending, payment.Status)
	assert.Equal(t, "USD", payment.Currency)
	assert.Equal(t, 1, payment.AttemptCount)
	assert.Equal(t, clk.Now(), payment.CreatedAt)

	err := svc.db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.CreateAttempt(context.Background(), tx, paymentdomain.CreateAttemptRequest{Amount: 5, Currency: "USD"})
		return err
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayment)

	err = svc.db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.CreateAttempt(context.Background(), tx, paymentdomain.CreateAttemptRequest{UserID: userID, Amount: 5})
		return err
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidCurrency)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	svc, clk, node := newTestService(t)
	ctx := context.Background()
	userID := node.Generate()

	payment := svc.createAttempt(t, paymentdomain.CreateAttemptRequest{
		UserID:   userID,
		Amount:   29,
		Currency: "USD",
	})

	require.NoError(t, svc.db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkSucceeded(ctx, tx, payment.ID, clk.Now())
	}))

	got, err := svc.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusSucceeded, got.Status)
	require.NotNil(t, got.ProcessedAt)

	// Replaying the same terminal transition is a no-op.
	require.NoError(t, svc.db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkSucceeded(ctx, tx, payment.ID, clk.Now())
	}))

	err = svc.db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkFailed(ctx, tx, payment.ID, "card_declined", "declined", clk.Now())
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidTransition)
}

func TestMarkFailedRecordsFailure(t *testing.T) {
	svc, clk, node := newTestService(t)
	ctx := context.Background()
	userID := node.Generate()

	payment := svc.createAttempt(t, paymentdomain.CreateAttemptRequest{
		UserID:   userID,
		Amount:   29,
		Currency: "USD",
	})

	require.NoError(t, svc.db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkFailed(ctx, tx, payment.ID, "card_declined", "insufficient funds", clk.Now())
	}))

	got, err := svc.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusFailed, got.Status)
	require.NotNil(t, got.FailureCode)
	assert.Equal(t, "card_declined", *got.FailureCode)
	require.NotNil(t, got.FailedAt)

	err = svc.db.Transaction(func(tx *gorm.DB) error {
		return svc.MarkFailed(ctx, tx, node.Generate(), "x", "y", clk.Now())
	})
	assert.ErrorIs(t, err, paymentdomain.ErrNotFound)
}

func TestLookupsBySubscriptionAndIntent(t *testing.T) {
	svc, clk, node := newTestService(t)
	ctx := context.Background()
	userID := node.Generate()
	subID := node.Generate()
	intent := "pi_test_123"

	first := svc.createAttempt(t, paymentdomain.CreateAttemptRequest{
		UserID:         userID,
		SubscriptionID: &subID,
		Amount:         29,
		Currency:       "USD",
	})
	clk.Advance(time.Minute)
	second := svc.createAttempt(t, paymentdomain.CreateAttemptRequest{
		UserID:           userID,
		SubscriptionID:   &subID,
		Amount:           29,
		Currency:         "USD",
		ProviderIntentID: &intent,
		AttemptCount:     2,
	})

	latest, err := svc.LatestAttemptForSubscription(ctx, subID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)

	byIntent, err := svc.FindByProviderIntentID(ctx, intent)
	require.NoError(t, err)
	require.NotNil(t, byIntent)
	assert.Equal(t, second.ID, byIntent.ID)

	missing, err := svc.FindByProviderIntentID(ctx, "pi_unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := svc.ListBySubscription(ctx, subID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)
}
