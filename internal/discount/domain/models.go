// Package domain contains discount models and the validation contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Discount is a redeemable credit. Exactly one of PercentOff or AmountOff is
// set.
type Discount struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	Code           *string      `json:"code,omitempty" gorm:"type:text;uniqueIndex"`
	Name           string       `json:"name" gorm:"type:text;not null"`
	PercentOff     *float64     `json:"percent_off,omitempty"`
	AmountOff      *float64     `json:"amount_off,omitempty"`
	Active         bool         `json:"active" gorm:"not null;default:true"`
	ValidFrom      *time.Time   `json:"valid_from,omitempty"`
	ValidUntil     *time.Time   `json:"valid_until,omitempty"`
	MaxUses        *int         `json:"max_uses,omitempty"`
	MaxUsesPerUser *int         `json:"max_uses_per_user,omitempty"`
	MinAmount      *float64     `json:"min_amount,omitempty"`
	CurrentUses    int          `json:"current_uses" gorm:"not null;default:0"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Discount) TableName() string { return "discounts" }

// SavingsOn returns how much the discount shaves off amount, capped so the
// result never exceeds the amount itself.
func (d Discount) SavingsOn(amount float64) float64 {
	var saved float64
	switch {
	case d.PercentOff != nil:
		saved = amount * (*d.PercentOff / 100)
	case d.AmountOff != nil:
		saved = *d.AmountOff
	}
	if saved > amount {
		saved = amount
	}
	return saved
}

// AppliedTo returns the discounted amount, floored at zero.
func (d Discount) AppliedTo(amount float64) float64 {
	return amount - d.SavingsOn(amount)
}

type DiscountRedemption struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	DiscountID  snowflake.ID `json:"discount_id" gorm:"not null;index:idx_redemption_discount_user"`
	UserID      snowflake.ID `json:"user_id" gorm:"not null;index:idx_redemption_discount_user"`
	AmountSaved float64      `json:"amount_saved" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (DiscountRedemption) TableName() string { return "discount_redemptions" }

type CreateDiscountRequest struct {
	Code           *string    `json:"code,omitempty"`
	Name           string     `json:"name"`
	PercentOff     *float64   `json:"percent_off,omitempty"`
	AmountOff      *float64   `json:"amount_off,omitempty"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	MaxUses        *int       `json:"max_uses,omitempty"`
	MaxUsesPerUser *int       `json:"max_uses_per_user,omitempty"`
	MinAmount      *float64   `json:"min_amount,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateDiscountRequest) (Discount, error)
	GetByCode(ctx context.Context, code string) (Discount, error)
	// Validate runs the redemption checks in order against the given user and
	// purchase amount, returning the discount when every check passes.
	Validate(ctx context.Context, code string, userID snowflake.ID, amount float64) (*Discount, error)
	// Redeem inserts the redemption record and increments usage inside the
	// caller's transaction. Both writes commit or roll back together.
	Redeem(ctx context.Context, tx *gorm.DB, discountID, userID snowflake.ID, amountSaved float64) error
}

var (
	ErrInvalidDiscount   = errors.New("invalid_discount")
	ErrInvalidCode       = errors.New("invalid_discount_code")
	ErrExpired           = errors.New("discount_expired")
	ErrMaxUsesReached    = errors.New("discount_max_uses_reached")
	ErrUserLimitReached  = errors.New("discount_user_limit_reached")
	ErrMinAmountNotMet   = errors.New("discount_min_amount_not_met")
	ErrCodeTaken         = errors.New("discount_code_taken")
	ErrRedemptionFailed  = errors.New("discount_redemption_failed")
	ErrConflictingAmount = errors.New("discount_percent_xor_amount")
)
