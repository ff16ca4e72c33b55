// Package domain contains the plan catalog models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Plan is a priced tier of the service. Price edits are administrative and
// never rewrite the amount snapshotted on existing subscriptions.
type Plan struct {
	ID           snowflake.ID      `json:"id" gorm:"primaryKey"`
	Code         string            `json:"code" gorm:"type:text;not null;uniqueIndex"`
	Name         string            `json:"name" gorm:"type:text;not null"`
	Tier         string            `json:"tier" gorm:"type:text;not null"`
	MonthlyPrice float64           `json:"monthly_price" gorm:"not null"`
	YearlyPrice  *float64          `json:"yearly_price,omitempty"`
	Currency     string            `json:"currency" gorm:"type:text;not null"`
	Features     datatypes.JSONMap `json:"features,omitempty" gorm:"type:jsonb"`
	Active       bool              `json:"active" gorm:"not null;default:true"`
	CreatedAt    time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time         `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PriceFor returns the plan price for a billing cycle. A yearly cycle falls
// back to the monthly price when no yearly price is set.
func (p Plan) PriceFor(billingCycle string) float64 {
	if billingCycle == "yearly" && p.YearlyPrice != nil {
		return *p.YearlyPrice
	}
	return p.MonthlyPrice
}
