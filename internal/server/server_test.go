package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	clockpkg "github.com/loopbill/loopbill/internal/clock"
	"github.com/loopbill/loopbill/internal/config"
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
	subscriptiondomain "github.com/loopbill/loopbill/internal/subscription/domain"
	subscriptionrepository "github.com/loopbill/loopbill/internal/subscription/repository"
	subscriptionservice "github.com/loopbill/loopbill/internal/subscription/service"
	webhookdomain "github.com/loopbill/loopbill/internal/webhook/domain"
	webhookservice "github.com/loopbill/loopbill/internal/webhook/service"
)

type testEnv struct {
	server    *Server
	node      *snowflake.Node
	plans     plandomain.Service
	discounts discountdomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)

	// A file-backed database: the pure-Go sqlite driver gives every pool
	// connection its own ":memory:" database, and these flows mix
	// transactions with base-pool queries.
	dsn := t.TempDir() + "/test.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	clk := clockpkg.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: clk.Now})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionDiscount{},
		&discountdomain.Discount{},
		&discountdomain.DiscountRedemption{},
		&paymentdomain.Payment{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&invoicedomain.InvoiceSequence{},
		&dunningdomain.DunningState{},
		&webhookdomain.WebhookEvent{},
	))
	// Mirrors the partial unique index the SQL migrations create.
	require.NoError(t, gdb.Exec(`
		CREATE UNIQUE INDEX idx_one_open_subscription_per_user
		ON subscriptions(user_id)
		WHERE status IN ('trialing', 'active', 'paused', 'past_due', 'unknown')
	`).Error)

	node, err := snowflake.NewNode(4)
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
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:       gdb,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     subscriptionrepository.NewRepository(),
		Plans:    plans,
		Discount: discounts,
		Payments: payments,
		Invoices: invoices,
		Dunning:  dunning,
		Gateway:  gateway,
		Events:   rec,
	})
	webhooks := webhookservice.NewService(webhookservice.ServiceParam{
		DB:            gdb,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Gateway:       gateway,
		Payments:      payments,
		Subscriptions: subs,
		Events:        rec,
	})

	engine := NewEngine(log)
	srv := NewServer(ServerParams{
		Gin:             engine,
		Cfg:             config.Config{},
		Log:             log,
		DB:              gdb,
		GenID:           node,
		PlanSvc:         plans,
		DiscountSvc:     discounts,
		SubscriptionSvc: subs,
		InvoiceSvc:      invoices,
		PaymentSvc:      payments,
		DunningSvc:      dunning,
		WebhookSvc:      webhooks,
	})

	return &testEnv{server: srv, node: node, plans: plans, discounts: discounts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(w, req)
	return w
}

func (e *testEnv) createPlan(t *testing.T, code string, monthly float64) plandomain.Plan {
	t.Helper()
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

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPlanEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/plans", map[string]any{
		"code":          "pro",
		"name":          "Pro",
		"monthly_price": 29,
		"currency":      "USD",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Data plandomain.Plan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "pro", created.Data.Code)

	w = env.do(t, http.MethodGet, "/v1/plans/"+created.Data.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Duplicate code conflicts.
	w = env.do(t, http.MethodPost, "/v1/plans", map[string]any{
		"code":          "pro",
		"name":          "Pro again",
		"monthly_price": 35,
		"currency":      "USD",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Bad currency is a validation error.
	w = env.do(t, http.MethodPost, "/v1/plans", map[string]any{
		"code":          "basic",
		"name":          "Basic",
		"monthly_price": 10,
		"currency":      "USDX",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscriptionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "basic", 10)
	userID := env.node.Generate()

	w := env.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"user_id":           userID.String(),
		"plan_id":           plan.ID.String(),
		"billing_cycle":     "monthly",
		"payment_method_id": "pm_test",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Second open subscription for the same user conflicts.
	w = env.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"user_id":           userID.String(),
		"plan_id":           plan.ID.String(),
		"billing_cycle":     "monthly",
		"payment_method_id": "pm_test",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/v1/subscriptions/"+userID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/subscriptions/"+env.node.Generate().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Changing to the same plan is a validation error.
	w = env.do(t, http.MethodPost, fmt.Sprintf("/v1/subscriptions/%s/change-plan", userID), map[string]any{
		"new_plan_id": plan.ID.String(),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Resume without a pause is a validation error.
	w = env.do(t, http.MethodPost, fmt.Sprintf("/v1/subscriptions/%s/resume", userID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/v1/subscriptions/%s/cancel", userID), map[string]any{
		"cancel_at_period_end": true,
		"reason":               "too expensive",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, fmt.Sprintf("/v1/subscriptions/%s/invoices", userID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApplyDiscountTwiceIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	plan := env.createPlan(t, "basic", 10)
	userID := env.node.Generate()

	w := env.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"user_id":           userID.String(),
		"plan_id":           plan.ID.String(),
		"billing_cycle":     "monthly",
		"payment_method_id": "pm_test",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	code := "WELCOME10"
	percent := 10.0
	_, err := env.discounts.Create(context.Background(), discountdomain.CreateDiscountRequest{
		Code:       &code,
		Name:       "Welcome",
		PercentOff: &percent,
	})
	require.NoError(t, err)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/v1/subscriptions/%s/discounts", userID), map[string]any{
		"code": "WELCOME10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, fmt.Sprintf("/v1/subscriptions/%s/discounts", userID), map[string]any{
		"code": "WELCOME10",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookEndpointRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "invalid")
	w := httptest.NewRecorder()
	env.server.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRetryUnknownEventIs404(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/webhooks/retry/evt_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
