// Package domain holds the subscription aggregate and its state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	// SubscriptionStatusUnknown marks a provider status we could not map.
	// Unknown subscriptions are never billing-eligible until a later sync
	// resolves them.
	SubscriptionStatusUnknown SubscriptionStatus = "unknown"
)

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// AdvancePeriod returns the period end one cycle after from.
func (c BillingCycle) AdvancePeriod(from time.Time) time.Time {
	if c == BillingCycleYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// Subscription rows are never deleted, only status-transitioned. Amount is
// a snapshot of the plan price at creation or plan-change time and is never
// recomputed when the plan's price changes.
type Subscription struct {
	ID           snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID       snowflake.ID       `json:"user_id" gorm:"not null;index"`
	PlanID       snowflake.ID       `json:"plan_id" gorm:"not null;index"`
	Status       SubscriptionStatus `json:"status" gorm:"type:text;not null;index"`
	BillingCycle BillingCycle       `json:"billing_cycle" gorm:"type:text;not null"`
	Amount       float64            `json:"amount" gorm:"not null"`
	Currency     string             `json:"currency" gorm:"type:text;not null"`

	CurrentPeriodStart time.Time  `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end" gorm:"not null;index"`
	TrialStart         *time.Time `json:"trial_start,omitempty"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`

	DefaultPaymentMethodID string `json:"default_payment_method_id,omitempty" gorm:"type:text"`

	PausedAt    *time.Time `json:"paused_at,omitempty"`
	PauseUntil  *time.Time `json:"pause_until,omitempty"`
	PauseReason string     `json:"pause_reason,omitempty" gorm:"type:text"`
	ResumedAt   *time.Time `json:"resumed_at,omitempty"`

	CancelAtPeriodEnd         bool       `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CanceledAt                *time.Time `json:"canceled_at,omitempty"`
	CancellationReason        string     `json:"cancellation_reason,omitempty" gorm:"type:text"`
	CancellationEffectiveDate *time.Time `json:"cancellation_effective_date,omitempty"`
	ReactivatedAt             *time.Time `json:"reactivated_at,omitempty"`

	PastDueAt    *time.Time `json:"past_due_at,omitempty"`
	RenewalCount int        `json:"renewal_count" gorm:"not null;default:0"`

	ScheduledPlanID        *snowflake.ID `json:"scheduled_plan_id,omitempty"`
	ScheduledBillingCycle  *BillingCycle `json:"scheduled_billing_cycle,omitempty" gorm:"type:text"`
	ScheduledEffectiveDate *time.Time    `json:"scheduled_effective_date,omitempty" gorm:"index"`

	ProviderCustomerID     string `json:"provider_customer_id,omitempty" gorm:"type:text;index"`
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty" gorm:"type:text;index"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`

	Discounts []SubscriptionDiscount `json:"discounts,omitempty" gorm:"-"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionDiscount links an applied discount to a subscription. The
// position preserves application order.
type SubscriptionDiscount struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	SubscriptionID snowflake.ID `json:"subscription_id" gorm:"not null;uniqueIndex:idx_subscription_discount,priority:1"`
	DiscountID     snowflake.ID `json:"discount_id" gorm:"not null;uniqueIndex:idx_subscription_discount,priority:2"`
	Position       int          `json:"position" gorm:"not null"`
	AppliedAt      time.Time    `json:"applied_at" gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionDiscount) TableName() string { return "subscription_discounts" }

// IsTransitionAllowed encodes the lifecycle state machine. Reaching
// canceled is allowed from everywhere; leaving it only through
// reactivation. Unknown can settle into any verified state.
func IsTransitionAllowed(current, target SubscriptionStatus) bool {
	if current == target {
		return true
	}
	if target == SubscriptionStatusCanceled {
		return true
	}
	switch current {
	case SubscriptionStatusTrialing:
		return target == SubscriptionStatusActive ||
			target == SubscriptionStatusPaused ||
			target == SubscriptionStatusPastDue
	case SubscriptionStatusActive:
		return target == SubscriptionStatusPaused ||
			target == SubscriptionStatusPastDue
	case SubscriptionStatusPaused:
		return target == SubscriptionStatusActive
	case SubscriptionStatusPastDue:
		return target == SubscriptionStatusActive ||
			target == SubscriptionStatusPaused
	case SubscriptionStatusCanceled:
		return target == SubscriptionStatusActive
	case SubscriptionStatusUnknown:
		return true
	default:
		return false
	}
}

// BillingEligible reports whether the status permits renewal charges.
func (s SubscriptionStatus) BillingEligible() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing || s == SubscriptionStatusPastDue
}

// MapProviderStatus maps the provider's status vocabulary onto ours. An
// unrecognized value maps to unknown rather than a billable state.
func MapProviderStatus(providerStatus string) SubscriptionStatus {
	switch providerStatus {
	case "trialing":
		return SubscriptionStatusTrialing
	case "active":
		return SubscriptionStatusActive
	case "paused":
		return SubscriptionStatusPaused
	case "past_due", "unpaid":
		return SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return SubscriptionStatusCanceled
	default:
		return SubscriptionStatusUnknown
	}
}
