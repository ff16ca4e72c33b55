// Package domain holds the failed-payment escalation model. One dunning
// state row tracks each subscription's current retry ladder position.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Action string

const (
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
	ActionCancel   Action = "cancel"
)

// ActionRequiredUpdatePayment is surfaced to the user once escalation
// decides retries alone will not recover the subscription.
const ActionRequiredUpdatePayment = "update_payment_method"

// DunningState is the per-subscription retry ladder. Active is false once
// the subscription recovers or is canceled.
type DunningState struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	SubscriptionID snowflake.ID `json:"subscription_id" gorm:"not null;uniqueIndex"`
	UserID         snowflake.ID `json:"user_id" gorm:"not null;index"`
	AttemptCount   int          `json:"attempt_count" gorm:"not null"`
	Level          int          `json:"level" gorm:"not null"`
	ActionRequired string       `json:"action_required,omitempty" gorm:"type:text"`
	NextRetryAt    *time.Time   `json:"next_retry_at,omitempty" gorm:"index"`
	LastFailedAt   time.Time    `json:"last_failed_at" gorm:"not null"`
	Active         bool         `json:"active" gorm:"not null;index"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (DunningState) TableName() string { return "dunning_states" }

// Decision is the outcome of one failed payment attempt.
type Decision struct {
	Action               Action
	AttemptCount         int
	Level                int
	ActionRequired       string
	NextRetryAt          *time.Time
	SubscriptionCanceled bool
}

type Service interface {
	// RecordFailure advances the ladder for one failed attempt inside the
	// caller's transaction. Replaying the same attempt count returns the
	// same decision without moving the ladder.
	RecordFailure(ctx context.Context, tx *gorm.DB, subscriptionID, userID snowflake.ID, attemptCount int) (Decision, error)
	// RecordRecovery deactivates the ladder after a successful charge.
	RecordRecovery(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) error
	GetBySubscription(ctx context.Context, subscriptionID snowflake.ID) (DunningState, error)
	// DueForRetry lists active ladders whose next retry time has passed.
	DueForRetry(ctx context.Context, asOf time.Time, limit int) ([]DunningState, error)
}

var (
	ErrNotFound       = errors.New("dunning_state_not_found")
	ErrInvalidAttempt = errors.New("invalid_attempt_count")
)
