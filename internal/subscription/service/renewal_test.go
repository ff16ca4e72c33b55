package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopbill/loopbill/internal/events"
	invoicedomain "github.com/loopbill/loopbill/internal/invoice/domain"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	"github.com/loopbill/loopbill/internal/subscription/domain"
)

func TestProcessRenewalSuccess(t *testing.T) {
	env := newTestEnv(t, testStart)
	ctx := context.Background()

	plan := env.createPlan(t, "basic", 10)
	sub := env.createSubscription(t, plan)
	periodEnd := sub.CurrentPeriodEnd

	env.clk.Set(periodEnd)
	outcome, err := env.svc.ProcessRenewal(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Charged)
	assert.False(t, outcome.SubscriptionCanceled)
	assert.Zero(t, outcome.DunningLevel)

	got, err := env.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.True(t, got.CurrentPeriodStart.Equal(periodEnd))
	assert.True(t, got.CurrentPeriodEnd.Equal(periodEnd.AddDate(0, 1, 0)))
	assert.Equal(t, 1, got.RenewalCount)

	var payment paymentdomain.Payment
	require.NoError(t, env.db.Where("id = ?", outcome.PaymentID).First(&payment).Error)
	assert.Equal(t, paymentdomain.PaymentStatusSucceeded, payment.Status)
	assert.Equal(t, 1, payment.AttemptCount)
	assert.InDelta(t, 10.0, payment.Amount, 1e-9)

	var inv invoicedomain.Invoice
	require.NoError(t, env.db.Where("id = ?", outcome.InvoiceID).First(&inv).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, inv.Status)
	assert.InDelta(t, 10.0, inv.AmountPaid, 1e-9)

	assert.Len(t, env.rec.ByTopic(events.TopicPaymentSucceeded), 1)
	assert.Len(t, env.rec.ByTopic(events.TopicInvoicePaid), 1)
}

func TestProcessRenewalDeclineGoesPastDue(t *testing.T) {
	env := newTestEnv(t, testStart)
	ctx := context.Background()

	plan := env.createPlan(t, "basic", 10)
	sub := env.createSubscription(t, plan)
	env.clk.Set(sub.CurrentPeriodEnd)

	env.gateway.FailNextCharge = true
	outcome, err := env.svc.ProcessRenewal(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Charged)
	assert.Equal(t, 1, outcome.DunningLevel)
	assert.False(t, outcome.SubscriptionCanceled)

	got, err := env.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, got.Status)
	// The period does not advance on a failed charge.
	assert.True(t, got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd))
	assert.Equal(t, 0, got.RenewalCount)

	var payment paymentdomain.Payment
	require.NoError(t, env.db.Where("id = ?", outcome.PaymentID).First(&payment).Error)
	assert.Equal(t, paymentdomain.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.FailureCode)
	assert.Equal(t, "card_declined", *payment.FailureCode)

	assert.Len(t, env.rec.ByTopic(events.TopicPaymentFailed), 1)
	assert.Len(t, env.rec.ByTopic(events.TopicInvoicePaymentFailed), 1)
	assert.Empty(t, env.rec.ByTopic(events.TopicSubscriptionCancelled))

	// Recovery on the next cycle clears the dunning state.
	env.clk.Advance(24 * time.Hour)
	outcome, err = env.svc.ProcessRenewal(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Charged)

	state, err := env.dunning.GetBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, state.Active)

	got, err = env.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
}

func TestProcessRenewalProviderOutage(t *testing.T) {
	env := newTestEnv(t, testStart)
	ctx := context.Background()

	plan := env.createPlan(t, "basic", 10)
	sub := env.createSubscription(t, plan)
	env.clk.Set(sub.CurrentPeriodEnd)

	env.gateway.Unavailable = true
	outcome, err := env.svc.ProcessRenewal(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Charged)

	var payment paymentdomain.Payment
	require.NoError(t, env.db.Where("id = ?", outcome.PaymentID).First(&payment).Error)
	require.NotNil(t, payment.FailureCode)
	assert.Equal(t, "provider_unavailable", *payment.FailureCode)
	assert.Nil(t, payment.ProviderIntentID)
}

func TestProcessRenewalDunningLadderCancels(t *testing.T) {
	env := newTestEnv(t, testStart)
	ctx := context.Background()

	plan := env.createPlan(t, "basic", 10)
	sub := env.createSubscription(t, plan)
	env.clk.Set(sub.CurrentPeriodEnd)

	var last domain.RenewalOutcome
	for attempt := 1; attempt <= 5; attempt++ {
		env.gateway.FailNextCharge = true
		outcome, err := env.svc.ProcessRenewal(ctx, sub.ID)
		require.NoError(t, err, "attempt %d", attempt)
		assert.False(t, outcome.Charged)
		last = outcome
		env.clk.Advance(24 * time.Hour)
	}

	assert.True(t, last.SubscriptionCanceled)
	assert.Equal(t, 3, last.DunningLevel)

	got, err := env.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, got.Status)
	assert.Equal(t, "payment_failure", got.CancellationReason)

	assert.Len(t, env.rec.ByTopic(events.TopicSubscriptionCancelled), 1)
	assert.Len(t, env.rec.ByTopic(events.TopicDunningEscalated), 1)
	assert.Len(t, env.rec.ByTopic(events.TopicDunningRetryScheduled), 3)

	// Attempt numbering carried across calls.
	var payments []paymentdomain.Payment
	require.NoError(t, env.db.
		Where("subscription_id = ?", sub.ID).
		Order("attempt_count ASC").
		Find(&payments).Error)
	require.Len(t, payments, 5)
	for i, p := range payments {
		assert.Equal(t, i+1, p.AttemptCount)
	}

	_, err = env.svc.ProcessRenewal(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotBillingEligible)
}

func TestProcessRenewalAppliesDueScheduledChange(t *testing.T) {
	env := newTestEnv(t, testStart)
	ctx := context.Background()

	basic := env.createPlan(t, "basic", 10)
	pro := env.createPlan(t, "pro", 30)
	sub := env.createSubscription(t, basic)

	effective := sub.CurrentPeriodEnd
	_, err := env.svc.ChangePlan(ctx, sub.UserID, domain.ChangePlanRequest{
		NewPlanID:         pro.ID,
		ProrationBehavior: domain.ProrationBehaviorNone,
		EffectiveDate:     &effective,
	})
	require.NoError(t, err)

	env.clk.Set(effective)
	outcome, err := env.svc.ProcessRenewal(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Charged)

	got, err := env.svc.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, pro.ID, got.PlanID)
	assert.InDelta(t, 30.0, got.Amount, 1e-9)
	assert.Nil(t, got.ScheduledPlanID)
	assert.Nil(t, got.ScheduledEffectiveDate)

	// The renewal charge is for the new plan's price.
	var payment paymentdomain.Payment
	require.NoError(t, env.db.Where("id = ?", outcome.PaymentID).First(&payment).Error)
	assert.InDelta(t, 30.0, payment.Amount, 1e-9)
}

func TestDueForRenewalSelection(t *testing.T) {
	env := newTestEnv(t, testStart)
	ctx := context.Background()

	plan := env.createPlan(t, "basic", 10)

	eligible := env.createSubscription(t, plan)
	pastDue := env.createSubscription(t, plan)
	paused := env.createSubscription(t, plan)
	canceled := env.createSubscription(t, plan)
	scheduled := env.createSubscription(t, plan)
	unknown := env.createSubscription(t, plan)

	set := func(id any, updates map[string]any) {
		require.NoError(t, env.db.Model(&domain.Subscription{}).
			Where("id = ?", id).Updates(updates).Error)
	}
	set(pastDue.ID, map[string]any{"status": domain.SubscriptionStatusPastDue})
	set(paused.ID, map[string]any{"status": domain.SubscriptionStatusPaused})
	set(canceled.ID, map[string]any{"status": domain.SubscriptionStatusCanceled})
	set(scheduled.ID, map[string]any{"cancel_at_period_end": true})
	set(unknown.ID, map[string]any{"status": domain.SubscriptionStatusUnknown})

	due, err := env.svc.DueForRenewal(ctx, eligible.CurrentPeriodEnd, 0)
	require.NoError(t, err)

	ids := make(map[string]bool, len(due))
	for _, s := range due {
		ids[s.ID.String()] = true
	}
	assert.True(t, ids[eligible.ID.String()])
	assert.True(t, ids[pastDue.ID.String()])
	assert.False(t, ids[paused.ID.String()])
	assert.False(t, ids[canceled.ID.String()])
	assert.False(t, ids[scheduled.ID.String()])
	assert.False(t, ids[unknown.ID.String()])

	// Nothing is due before the period boundary.
	none, err := env.svc.DueForRenewal(ctx, eligible.CurrentPeriodEnd.Add(-time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSyncProviderStatus(t *testing.T) {
	env := newTestEnv(t, testStart)
	ctx := context.Background()

	plan := env.createPlan(t, "basic", 10)
	sub := env.createSubscription(t, plan)

	got, err := env.svc.SyncProviderStatus(ctx, domain.SyncProviderStatusRequest{
		UserID:         sub.UserID,
		ProviderStatus: "unpaid",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, got.Status)

	// Unmapped provider vocabulary parks the subscription in unknown.
	got, err = env.svc.SyncProviderStatus(ctx, domain.SyncProviderStatusRequest{
		UserID:         sub.UserID,
		ProviderStatus: "incomplete_surprise",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusUnknown, got.Status)

	_, err = env.svc.ProcessRenewal(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotBillingEligible)

	// A later recognizable status recovers it.
	got, err = env.svc.SyncProviderStatus(ctx, domain.SyncProviderStatusRequest{
		UserID:         sub.UserID,
		ProviderStatus: "active",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
}
