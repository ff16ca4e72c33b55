package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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
	providerdomain "github.com/loopbill/loopbill/internal/provider/domain"
	subscriptiondomain "github.com/loopbill/loopbill/internal/subscription/domain"
	subscriptionrepository "github.com/loopbill/loopbill/internal/subscription/repository"
	subscriptionservice "github.com/loopbill/loopbill/internal/subscription/service"
	"github.com/loopbill/loopbill/internal/webhook/domain"
)

var testStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	db       *gorm.DB
	clk      *clockpkg.FakeClock
	rec      *events.Recorder
	node     *snowflake.Node
	plans    plandomain.Service
	payments paymentdomain.Service
	subs     subscriptiondomain.Service
	svc      domain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
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
		&domain.WebhookEvent{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clockpkg.NewFakeClock(testStart)
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
	svc := NewService(ServiceParam{
		DB:            gdb,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Gateway:       gateway,
		Payments:      payments,
		Subscriptions: subs,
		Events:        rec,
	})

	return &testEnv{
		db:       gdb,
		clk:      clk,
		rec:      rec,
		node:     node,
		plans:    plans,
		payments: payments,
		subs:     subs,
		svc:      svc,
	}
}

func envelopePayload(t *testing.T, id, eventType string, object map[string]any) []byte {
	payload, err := json.Marshal(map[string]any{
		"id":       id,
		"type":     eventType,
		"livemode": false,
		"created":  testStart.Unix(),
		"data":     map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func (e *testEnv) seedPayment(t *testing.T, intentID string) paymentdomain.Payment {
	subID := e.node.Generate()
	payment, err := e.payments.CreateAttempt(context.Background(), e.db, paymentdomain.CreateAttemptRequest{
		UserID:           e.node.Generate(),
		SubscriptionID:   &subID,
		Amount:           10,
		Currency:         "USD",
		ProviderIntentID: &intentID,
		AttemptCount:     1,
	})
	require.NoError(t, err)
	return payment
}

func (e *testEnv) seedSubscription(t *testing.T) *subscriptiondomain.Subscription {
	plan, err := e.plans.Create(context.Background(), plandomain.CreatePlanRequest{
		Code:         "basic",
		Name:         "basic",
		Tier:         "standard",
		MonthlyPrice: 10,
		Currency:     "USD",
	})
	require.NoError(t, err)
	sub, err := e.subs.Create(context.Background(), subscriptiondomain.CreateRequest{
		UserID:          e.node.Generate(),
		PlanID:          plan.ID,
		BillingCycle:    subscriptiondomain.BillingCycleMonthly,
		PaymentMethodID: "pm_test",
	})
	require.NoError(t, err)
	return sub
}

func TestProcessPaymentIntentSucceeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payment := env.seedPayment(t, "pi_100")

	payload := envelopePayload(t, "evt_1", "payment_intent.succeeded", map[string]any{
		"id": "pi_100",
	})
	result, err := env.svc.Process(ctx, payload, "sig")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", result.EventID)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, "processed", result.Message)

	got, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusSucceeded, got.Status)

	var record domain.WebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_1").First(&record).Error)
	assert.True(t, record.Processed)
	assert.True(t, record.Success)
	assert.Empty(t, record.Error)
	require.NotNil(t, record.ProcessedAt)

	assert.Len(t, env.rec.ByTopic(events.TopicPaymentSucceeded), 1)
	assert.Len(t, env.rec.ByTopic(events.TopicWebhookProcessed), 1)
}

func TestProcessReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPayment(t, "pi_200")

	payload := envelopePayload(t, "evt_2", "payment_intent.succeeded", map[string]any{
		"id": "pi_200",
	})
	_, err := env.svc.Process(ctx, payload, "sig")
	require.NoError(t, err)

	replay, err := env.svc.Process(ctx, payload, "sig")
	require.NoError(t, err)
	assert.True(t, replay.AlreadyProcessed)
	assert.Equal(t, "already processed", replay.Message)

	// The original domain emission is not repeated, but each delivery
	// gets its own monitoring emission.
	assert.Len(t, env.rec.ByTopic(events.TopicPaymentSucceeded), 1)
	monitoring := env.rec.ByTopic(events.TopicWebhookProcessed)
	require.Len(t, monitoring, 2)
	assert.Equal(t, "success", monitoring[0].Payload["outcome"])
	assert.Equal(t, "already_processed", monitoring[1].Payload["outcome"])

	var count int64
	require.NoError(t, env.db.Model(&domain.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProcessRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := envelopePayload(t, "evt_3", "payment_intent.succeeded", map[string]any{"id": "pi_300"})

	_, err := env.svc.Process(context.Background(), payload, "invalid")
	assert.ErrorIs(t, err, providerdomain.ErrInvalidSignature)

	var count int64
	require.NoError(t, env.db.Model(&domain.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestProcessAcksUnknownEventType(t *testing.T) {
	env := newTestEnv(t)
	payload := envelopePayload(t, "evt_4", "charge.refunded", map[string]any{"id": "ch_1"})

	result, err := env.svc.Process(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.Equal(t, "processed", result.Message)

	var record domain.WebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_4").First(&record).Error)
	assert.True(t, record.Success)
}

func TestProcessSubscriptionUpdatedSyncsStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.seedSubscription(t)

	payload := envelopePayload(t, "evt_5", "customer.subscription.updated", map[string]any{
		"id":       "sub_provider_1",
		"status":   "unpaid",
		"metadata": map[string]string{"user_id": sub.UserID.String()},
	})
	_, err := env.svc.Process(ctx, payload, "sig")
	require.NoError(t, err)

	got, err := env.subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, got.Status)
}

func TestProcessSubscriptionDeletedCancels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.seedSubscription(t)

	payload := envelopePayload(t, "evt_6", "customer.subscription.deleted", map[string]any{
		"id":       "sub_provider_1",
		"status":   "active",
		"metadata": map[string]string{"user_id": sub.UserID.String()},
	})
	_, err := env.svc.Process(ctx, payload, "sig")
	require.NoError(t, err)

	got, err := env.subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, got.Status)
}

func TestProcessSubscriptionEventWithoutUserIsAcked(t *testing.T) {
	env := newTestEnv(t)
	payload := envelopePayload(t, "evt_7", "customer.subscription.updated", map[string]any{
		"id":     "sub_provider_9",
		"status": "active",
	})
	result, err := env.svc.Process(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.Equal(t, "processed", result.Message)
}

func TestProcessHandlerFailureMarksRecord(t *testing.T) {
	env := newTestEnv(t)
	// Missing intent id makes the handler reject the object.
	payload := envelopePayload(t, "evt_8", "payment_intent.succeeded", map[string]any{})

	_, err := env.svc.Process(context.Background(), payload, "sig")
	assert.ErrorIs(t, err, domain.ErrProcessingFailed)

	var record domain.WebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_8").First(&record).Error)
	assert.True(t, record.Processed)
	assert.False(t, record.Success)
	assert.NotEmpty(t, record.Error)

	assert.Len(t, env.rec.ByTopic(events.TopicWebhookError), 1)
	assert.Empty(t, env.rec.ByTopic(events.TopicWebhookProcessed))

	// A failed delivery is still terminal for the replay check; manual
	// retry is the only way to re-run it. The replay delivery still gets
	// its own monitoring emission.
	replay, err := env.svc.Process(context.Background(), payload, "sig")
	require.NoError(t, err)
	assert.True(t, replay.AlreadyProcessed)
	assert.Len(t, env.rec.ByTopic(events.TopicWebhookError), 1)
	monitoring := env.rec.ByTopic(events.TopicWebhookProcessed)
	require.Len(t, monitoring, 1)
	assert.Equal(t, "already_processed", monitoring[0].Payload["outcome"])
}

func TestRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Retry(ctx, "evt_missing")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	okPayload := envelopePayload(t, "evt_ok", "charge.refunded", map[string]any{"id": "ch_1"})
	_, err = env.svc.Process(ctx, okPayload, "sig")
	require.NoError(t, err)
	_, err = env.svc.Retry(ctx, "evt_ok")
	assert.ErrorIs(t, err, domain.ErrAlreadySucceeded)

	// A stored failure whose cause has since been fixed succeeds on retry.
	retryPayload := envelopePayload(t, "evt_retry", "payment_intent.succeeded", map[string]any{
		"id": "pi_retry",
	})
	now := env.clk.Now()
	require.NoError(t, env.db.Create(&domain.WebhookEvent{
		ID:              env.node.Generate(),
		ProviderEventID: "evt_retry",
		Type:            "payment_intent.succeeded",
		Payload:         datatypes.JSON(retryPayload),
		Processed:       true,
		Success:         false,
		Error:           "payment_not_found",
		ReceivedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}).Error)
	payment := env.seedPayment(t, "pi_retry")

	result, err := env.svc.Retry(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, "processed", result.Message)

	got, err := env.payments.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentStatusSucceeded, got.Status)

	var record domain.WebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_retry").First(&record).Error)
	assert.True(t, record.Success)
	assert.Empty(t, record.Error)
}

func TestStatsAndRecent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPayment(t, "pi_a")

	_, err := env.svc.Process(ctx, envelopePayload(t, "evt_a", "payment_intent.succeeded", map[string]any{"id": "pi_a"}), "sig")
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, envelopePayload(t, "evt_b", "charge.refunded", map[string]any{"id": "ch_1"}), "sig")
	require.NoError(t, err)
	_, err = env.svc.Process(ctx, envelopePayload(t, "evt_c", "payment_intent.succeeded", map[string]any{}), "sig")
	assert.ErrorIs(t, err, domain.ErrProcessingFailed)

	stats, err := env.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(3), stats.Recent24h)
	assert.InDelta(t, 66.67, stats.SuccessRate, 0.01)
	assert.Equal(t, int64(2), stats.ByType7d["payment_intent.succeeded"])
	assert.Equal(t, int64(1), stats.ByType7d["charge.refunded"])

	recent, err := env.svc.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
