// Package domain contains payment attempt records.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "pending"
	PaymentStatusSucceeded      PaymentStatus = "succeeded"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusRequiresAction PaymentStatus = "requires_action"
)

// Payment is a single charge attempt. Status only moves forward; a retry is
// a new row with AttemptCount incremented.
type Payment struct {
	ID               snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID           snowflake.ID  `json:"user_id" gorm:"not null;index"`
	SubscriptionID   *snowflake.ID `json:"subscription_id,omitempty" gorm:"index"`
	InvoiceID        *snowflake.ID `json:"invoice_id,omitempty" gorm:"index"`
	Amount           float64       `json:"amount" gorm:"not null"`
	Currency         string        `json:"currency" gorm:"type:text;not null"`
	Status           PaymentStatus `json:"status" gorm:"type:text;not null"`
	PaymentMethodID  *string       `json:"payment_method_id,omitempty" gorm:"type:text"`
	ProviderIntentID *string       `json:"provider_intent_id,omitempty" gorm:"type:text;index"`
	AttemptCount     int           `json:"attempt_count" gorm:"not null;default:1"`
	FailureCode      *string       `json:"failure_code,omitempty" gorm:"type:text"`
	FailureMessage   *string       `json:"failure_message,omitempty" gorm:"type:text"`
	ProcessedAt      *time.Time    `json:"processed_at,omitempty"`
	FailedAt         *time.Time    `json:"failed_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time     `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }

type CreateAttemptRequest struct {
	UserID           snowflake.ID
	SubscriptionID   *snowflake.ID
	InvoiceID        *snowflake.ID
	Amount           float64
	Currency         string
	PaymentMethodID  *string
	ProviderIntentID *string
	AttemptCount     int
}

type Service interface {
	// CreateAttempt inserts a pending payment inside the caller's transaction.
	CreateAttempt(ctx context.Context, tx *gorm.DB, req CreateAttemptRequest) (Payment, error)
	MarkSucceeded(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, processedAt time.Time) error
	MarkFailed(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, code, message string, failedAt time.Time) error
	GetByID(ctx context.Context, id snowflake.ID) (Payment, error)
	FindByProviderIntentID(ctx context.Context, intentID string) (*Payment, error)
	// LatestAttemptForSubscription returns the most recent payment row for
	// the subscription, or nil.
	LatestAttemptForSubscription(ctx context.Context, subscriptionID snowflake.ID) (*Payment, error)
	ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]Payment, error)
}

var (
	ErrNotFound          = errors.New("payment_not_found")
	ErrInvalidPayment    = errors.New("invalid_payment")
	ErrInvalidTransition = errors.New("invalid_payment_transition")
	ErrInvalidCurrency   = errors.New("invalid_currency")
)

// CanTransition reports whether a payment status change is a legal forward
// move. Succeeded and failed are terminal.
func CanTransition(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusPending:
		return to == PaymentStatusSucceeded || to == PaymentStatusFailed || to == PaymentStatusRequiresAction
	case PaymentStatusRequiresAction:
		return to == PaymentStatusSucceeded || to == PaymentStatusFailed
	default:
		return false
	}
}
