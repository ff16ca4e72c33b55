// Package domain defines the payment provider boundary. Amounts cross it
// as integer minor units; everything inside the application stays decimal.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

type Customer struct {
	ID    string
	Email string
}

type PaymentIntentStatus string

const (
	IntentStatusRequiresConfirmation PaymentIntentStatus = "requires_confirmation"
	IntentStatusRequiresAction       PaymentIntentStatus = "requires_action"
	IntentStatusProcessing           PaymentIntentStatus = "processing"
	IntentStatusSucceeded            PaymentIntentStatus = "succeeded"
	IntentStatusFailed               PaymentIntentStatus = "requires_payment_method"
)

type PaymentIntent struct {
	ID           string
	Status       PaymentIntentStatus
	Amount       int64
	Currency     string
	ClientSecret string
	FailureCode  string
}

type Subscription struct {
	ID                 string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// Event is a verified webhook delivery.
type Event struct {
	ID         string
	Type       string
	Livemode   bool
	OccurredAt time.Time
	Object     json.RawMessage
	Raw        []byte
}

type CreateCustomerRequest struct {
	Email    string
	UserID   string
	Metadata map[string]string
}

type CreatePaymentIntentRequest struct {
	CustomerID string
	Amount     int64
	Currency   string
	Metadata   map[string]string
}

type CreateSubscriptionRequest struct {
	CustomerID string
	PriceCode  string
	TrialEnd   *time.Time
	Metadata   map[string]string
}

type UpdateSubscriptionRequest struct {
	SubscriptionID    string
	PriceCode         string
	CancelAtPeriodEnd *bool
}

type Gateway interface {
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Customer, error)
	CreatePaymentIntent(ctx context.Context, req CreatePaymentIntentRequest) (PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, intentID string) (PaymentIntent, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	UpdateSubscription(ctx context.Context, req UpdateSubscriptionRequest) (Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (Subscription, error)
	// ConstructWebhookEvent verifies the signature over the raw payload and
	// parses the envelope. Verification failures return ErrInvalidSignature.
	ConstructWebhookEvent(payload []byte, signature string) (Event, error)
}

var (
	ErrInvalidSignature    = errors.New("invalid_signature")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrRequestRejected     = errors.New("provider_request_rejected")
	ErrObjectNotFound      = errors.New("provider_object_not_found")
)

// ToMinorUnits converts a decimal amount to integer minor units, rounding
// to the nearest cent. 19.99 becomes 1999.
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromMinorUnits converts integer minor units back to a decimal amount.
func FromMinorUnits(minor int64) float64 {
	return float64(minor) / 100
}
