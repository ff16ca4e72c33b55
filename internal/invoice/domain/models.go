// Package domain contains invoice models and the settlement contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceStatusOpen InvoiceStatus = "open"
	InvoiceStatusPaid InvoiceStatus = "paid"
	InvoiceStatusVoid InvoiceStatus = "void"
)

// Invoice carries a human-readable number monotonically increasing per
// calendar year. AmountPaid is the sum of linked successful payments; the
// invoice is paid iff AmountPaid >= Total.
type Invoice struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	SubscriptionID snowflake.ID  `json:"subscription_id" gorm:"not null;index"`
	UserID         snowflake.ID  `json:"user_id" gorm:"not null;index"`
	Number         string        `json:"number" gorm:"type:text;not null;uniqueIndex"`
	Subtotal       float64       `json:"subtotal" gorm:"not null"`
	Tax            float64       `json:"tax" gorm:"not null"`
	Discount       float64       `json:"discount" gorm:"not null"`
	Total          float64       `json:"total" gorm:"not null"`
	AmountDue      float64       `json:"amount_due" gorm:"not null"`
	AmountPaid     float64       `json:"amount_paid" gorm:"not null"`
	Currency       string        `json:"currency" gorm:"type:text;not null"`
	Status         InvoiceStatus `json:"status" gorm:"type:text;not null"`
	DueAt          *time.Time    `json:"due_at,omitempty"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time     `json:"updated_at" gorm:"not null"`

	Lines []InvoiceLine `json:"lines,omitempty" gorm:"-"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

type InvoiceLine struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	InvoiceID   snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	Description string       `json:"description" gorm:"type:text;not null"`
	Amount      float64      `json:"amount" gorm:"not null"`
	Proration   bool         `json:"proration" gorm:"not null;default:false"`
	PeriodStart *time.Time   `json:"period_start,omitempty"`
	PeriodEnd   *time.Time   `json:"period_end,omitempty"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }

// InvoiceSequence backs per-year invoice numbering.
type InvoiceSequence struct {
	Year      int   `gorm:"primaryKey"`
	LastValue int64 `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceSequence) TableName() string { return "invoice_sequences" }

type LineInput struct {
	Description string
	Amount      float64
	Proration   bool
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

type CreateInvoiceRequest struct {
	SubscriptionID snowflake.ID
	UserID         snowflake.ID
	Currency       string
	Lines          []LineInput
	Discount       float64
	DueAt          *time.Time
}

type Service interface {
	// Create writes the invoice and its lines inside the caller's
	// transaction, assigning the next number for the current year.
	Create(ctx context.Context, tx *gorm.DB, req CreateInvoiceRequest) (Invoice, error)
	// RecordPayment adds a settled amount to the invoice and flips it to
	// paid once the total is covered.
	RecordPayment(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, amount float64) (Invoice, error)
	GetByID(ctx context.Context, id snowflake.ID) (Invoice, error)
	ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]Invoice, error)
	Void(ctx context.Context, id snowflake.ID) error
}

// TaxCalculator computes the tax owed on an invoice subtotal. Jurisdiction
// logic lives behind this boundary.
type TaxCalculator interface {
	Tax(ctx context.Context, userID snowflake.ID, subtotal float64) float64
}

// ZeroTax is the default calculator; it owes nothing.
type ZeroTax struct{}

func (ZeroTax) Tax(ctx context.Context, userID snowflake.ID, subtotal float64) float64 {
	return 0
}

var (
	ErrNotFound       = errors.New("invoice_not_found")
	ErrInvalidInvoice = errors.New("invalid_invoice")
	ErrInvoiceVoid    = errors.New("invoice_void")
	ErrMissingLines   = errors.New("invoice_missing_lines")
)
