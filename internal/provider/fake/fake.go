// Package fake provides an in-memory provider gateway for tests and local
// development without Stripe credentials.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopbill/loopbill/internal/provider/domain"
)

type Gateway struct {
	mu sync.Mutex

	seq           int
	customers     map[string]domain.Customer
	intents       map[string]domain.PaymentIntent
	subscriptions map[string]domain.Subscription

	// FailNextCharge makes the next payment intent come back declined.
	FailNextCharge bool
	// FailureCode reported on declined intents.
	FailureCode string
	// Unavailable makes every call fail with ErrProviderUnavailable.
	Unavailable bool
}

func NewGateway() *Gateway {
	return &Gateway{
		customers:     map[string]domain.Customer{},
		intents:       map[string]domain.PaymentIntent{},
		subscriptions: map[string]domain.Subscription{},
		FailureCode:   "card_declined",
	}
}

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_fake_%d", prefix, g.seq)
}

func (g *Gateway) CreateCustomer(ctx context.Context, req domain.CreateCustomerRequest) (domain.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Unavailable {
		return domain.Customer{}, domain.ErrProviderUnavailable
	}
	c := domain.Customer{ID: g.nextID("cus"), Email: req.Email}
	g.customers[c.ID] = c
	return c, nil
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, req domain.CreatePaymentIntentRequest) (domain.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Unavailable {
		return domain.PaymentIntent{}, domain.ErrProviderUnavailable
	}
	intent := domain.PaymentIntent{
		ID:       g.nextID("pi"),
		Status:   domain.IntentStatusSucceeded,
		Amount:   req.Amount,
		Currency: req.Currency,
	}
	if g.FailNextCharge {
		intent.Status = domain.IntentStatusFailed
		intent.FailureCode = g.FailureCode
		g.FailNextCharge = false
	}
	g.intents[intent.ID] = intent
	return intent, nil
}

func (g *Gateway) ConfirmPaymentIntent(ctx context.Context, intentID string) (domain.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Unavailable {
		return domain.PaymentIntent{}, domain.ErrProviderUnavailable
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return domain.PaymentIntent{}, domain.ErrObjectNotFound
	}
	return intent, nil
}

func (g *Gateway) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (domain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Unavailable {
		return domain.Subscription{}, domain.ErrProviderUnavailable
	}
	now := time.Now().UTC()
	sub := domain.Subscription{
		ID:                 g.nextID("sub"),
		Status:             "active",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	if req.TrialEnd != nil {
		sub.Status = "trialing"
		sub.CurrentPeriodEnd = *req.TrialEnd
	}
	g.subscriptions[sub.ID] = sub
	return sub, nil
}

func (g *Gateway) UpdateSubscription(ctx context.Context, req domain.UpdateSubscriptionRequest) (domain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Unavailable {
		return domain.Subscription{}, domain.ErrProviderUnavailable
	}
	sub, ok := g.subscriptions[req.SubscriptionID]
	if !ok {
		return domain.Subscription{}, domain.ErrObjectNotFound
	}
	if req.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *req.CancelAtPeriodEnd
	}
	g.subscriptions[sub.ID] = sub
	return sub, nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (domain.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Unavailable {
		return domain.Subscription{}, domain.ErrProviderUnavailable
	}
	sub, ok := g.subscriptions[subscriptionID]
	if !ok {
		return domain.Subscription{}, domain.ErrObjectNotFound
	}
	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = "canceled"
	}
	g.subscriptions[sub.ID] = sub
	return sub, nil
}

// ConstructWebhookEvent skips signature verification unless the payload is
// empty. Tests feed pre-built envelopes through the real processor.
func (g *Gateway) ConstructWebhookEvent(payload []byte, signature string) (domain.Event, error) {
	if len(payload) == 0 {
		return domain.Event{}, domain.ErrInvalidPayload
	}
	if signature == "invalid" {
		return domain.Event{}, domain.ErrInvalidSignature
	}
	return parseEnvelope(payload)
}
