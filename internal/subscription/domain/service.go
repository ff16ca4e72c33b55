package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateRequest struct {
	UserID          snowflake.ID
	PlanID          snowflake.ID
	BillingCycle    BillingCycle
	PaymentMethodID string
	TrialDays       int
}

// UpdateRequest is the internal patch used by webhook sync. Public callers
// go through the dedicated operations instead.
type UpdateRequest struct {
	PlanID                 *snowflake.ID
	Status                 *SubscriptionStatus
	CancelAtPeriodEnd      *bool
	CurrentPeriodEnd       *time.Time
	DefaultPaymentMethodID *string
	ProviderSubscriptionID *string
}

type ProrationBehavior string

const (
	ProrationBehaviorNone   ProrationBehavior = "none"
	ProrationBehaviorCreate ProrationBehavior = "create_prorations"
)

type ChangePlanRequest struct {
	NewPlanID         snowflake.ID
	BillingCycle      *BillingCycle
	ProrationBehavior ProrationBehavior
	EffectiveDate     *time.Time
}

type PauseRequest struct {
	PauseUntil *time.Time
	Reason     string
}

type CancelRequest struct {
	CancelAtPeriodEnd bool
	Reason            string
}

type ReactivateRequest struct {
	PaymentMethodID string
}

type SyncProviderStatusRequest struct {
	UserID            snowflake.ID
	ProviderStatus    string
	CancelAtPeriodEnd *bool
	CurrentPeriodEnd  *time.Time
}

// RenewalOutcome reports what ProcessRenewal did.
type RenewalOutcome struct {
	Charged              bool
	PaymentID            snowflake.ID
	InvoiceID            snowflake.ID
	DunningLevel         int
	ActionRequired       string
	SubscriptionCanceled bool
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)
	GetByUserID(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, userID snowflake.ID, req UpdateRequest) (*Subscription, error)
	ChangePlan(ctx context.Context, userID snowflake.ID, req ChangePlanRequest) (*Subscription, error)
	Pause(ctx context.Context, userID snowflake.ID, req PauseRequest) (*Subscription, error)
	Resume(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	ScheduleCancellation(ctx context.Context, userID snowflake.ID, req CancelRequest) (*Subscription, error)
	Reactivate(ctx context.Context, userID snowflake.ID, req ReactivateRequest) (*Subscription, error)
	ApplyDiscount(ctx context.Context, userID snowflake.ID, code string) (*Subscription, error)
	// ProcessRenewal charges the subscription amount and advances the
	// period in one transaction. Charge failure flips the subscription to
	// past_due and records a dunning decision instead of failing the call.
	ProcessRenewal(ctx context.Context, subscriptionID snowflake.ID) (RenewalOutcome, error)
	// ApplyScheduledChange applies a stored future plan change once its
	// effective date has passed. Calling it again is a no-op.
	ApplyScheduledChange(ctx context.Context, subscriptionID snowflake.ID) (*Subscription, error)
	// SyncProviderStatus maps a provider-reported status onto the local
	// state machine. Used by webhook handlers only.
	SyncProviderStatus(ctx context.Context, req SyncProviderStatusRequest) (*Subscription, error)
	// CancelAtPeriodEndDue finalizes subscriptions whose scheduled
	// cancellation date has passed. Returns how many were canceled.
	CancelAtPeriodEndDue(ctx context.Context, asOf time.Time, limit int) (int, error)
	DueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]Subscription, error)
	ScheduledChangesDue(ctx context.Context, asOf time.Time, limit int) ([]Subscription, error)
}

var (
	ErrNotFound             = errors.New("subscription_not_found")
	ErrAlreadySubscribed    = errors.New("user_already_subscribed")
	ErrInvalidTransition    = errors.New("invalid_status_transition")
	ErrInvalidBillingCycle  = errors.New("invalid_billing_cycle")
	ErrSamePlan             = errors.New("same_plan")
	ErrNotPaused            = errors.New("subscription_not_paused")
	ErrNotCanceled          = errors.New("subscription_not_canceled")
	ErrAlreadyCanceled      = errors.New("subscription_already_canceled")
	ErrDiscountAlreadyUsed  = errors.New("discount_already_applied")
	ErrPaymentMethodMissing = errors.New("payment_method_not_found")
	ErrNotBillingEligible   = errors.New("subscription_not_billing_eligible")
)
