package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	clockpkg "github.com/loopbill/loopbill/internal/clock"
	discountdomain "github.com/loopbill/loopbill/internal/discount/domain"
	discountservice "github.com/loopbill/loopbill/internal/discount/service"
	dunningdomain "github.com/loopbill/loopbill/internal/dunning/domain"
	dunningservice "github.com/loopbill/loopbill/internal/dunning/service"
	"github.com/loopbill/loopbill/internal/events"
	invoicedomain "github.com/loopbill/loopbill/internal/invoice/domain"
	invoiceservice "github.com/loopbill/loopbill/internal/invoice/service"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	paymentservice "github.com/loopbill/loopbill/internal/payment/service"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
	planrepository "github.com/loopbill/loopbill/internal/plan/repository"
	planservice "github.com/loopbill/loopbill/internal/plan/service"
	"github.com/loopbill/loopbill/internal/provider/fake"
	"github.com/loopbill/loopbill/internal/subscription/domain"
	"github.com/loopbill/loopbill/internal/subscription/repository"
)

type testEnv struct {
	db      *gorm.DB
	clk     *clockpkg.FakeClock
	gateway *fake.Gateway
	rec     *events.Recorder
	node    *snowflake.Node

	plans    plandomain.Service
	payments paymentdomain.Service
	invoices invoicedomain.Service
	dunning  dunningdomain.Service
	svc      domain.Service
}

func newTestEnv(t *testing.T, start time.Time) *testEnv {
	// A file-backed database: the pure-Go sqlite driver gives every pool
	// connection its own ":memory:" database, and these flows mix
	// transactions with base-pool queries.
	dsn := t.TempDir() + "/test.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	clk := clockpkg.NewFakeClock(start)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: clk.Now})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&plandomain.Plan{},
		&domain.Subscription{},
		&domain.SubscriptionDiscount{},
		&discountdomain.Discount{},
		&discountdomain.DiscountRedemption{},
		&paymentdomain.Payment{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.InvoiceSequence{},
		&dunningdomain.DunningState{},
	))
	// Mirrors the partial unique index the SQL migrations create.
	require.NoError(t, gdb.Exec(`
		CREATE UNIQUE INDEX idx_one_open_subscription_per_user
		ON subscriptions(user_id)
		WHERE status IN ('trialing', 'active', 'paused', 'past_due', 'unknown')
	`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	gateway := fake.NewGateway()
	rec := events.NewRecorder()

	plans := planservice.NewService(planservice.ServiceParam{
		DB:    gdb,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  planrepository.NewRepository(),
	})
	discounts := discountservice.NewService(discountservice.ServiceParam{
		DB:    gdb,
		Log:   log,
		GenID: node,
		Clock: clk,
	})
	payments := paymentservice.NewService(paymentservice.ServiceParam{
		DB:    gdb,
		Log:   log,
		GenID: node,
		Clock: clk,
	})
	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:    gdb,
		Log:   log,
		GenID: node,
		Clock: clk,
		Tax:   invoicedomain.ZeroTax{},
	})
	dunning := dunningservice.NewService(dunningservice.ServiceParam{
		DB:     gdb,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Events: rec,
	})
	svc := NewService(ServiceParam{
		DB:       gdb,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repository.NewRepository(),
		Plans:    plans,
		Discount: discounts,
		Payments: payments,
		Invoices: invoices,
		Dunning:  dunning,
		Gateway:  gateway,
		Events:   rec,
	})

	return &testEnv{
		db:       gdb,
		clk:      clk,
		gateway:  gateway,
		rec:      rec,
		node:     node,
		plans:    plans,
		payments: payments,
		invoices: invoices,
		dunning:  dunning,
		svc:      svc,
	}
}

func (e *testEnv) createPlan(t *testing.T, code string, monthly float64) plandomain.Plan {
	plan, err := e.plans.Create(context.Background(), plandomain.CreatePlanRequest{
		Code:         code,
		Name:         code,
		Tier:         "standard",
		MonthlyPrice: monthly,
		Currency:     "USD",
	})
	require.NoError(t, err)
	return plan
}

func (e *testEnv) createSubscription(t *testing.T, plan plandomain.Plan) *domain.Subscription {
	sub, err := e.svc.Create(context.Background(), domain.CreateRequest{
		UserID:          e.node.Generate(),
		PlanID:          plan.ID,
		BillingCycle:    domain.BillingCycleMonthly,
		PaymentMethodID: "pm_test",
	})
	require.NoError(t, err)
	return sub
}
