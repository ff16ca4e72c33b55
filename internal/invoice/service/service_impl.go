package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bwmarrin/snowflake"
	"github.com/loopbill/loopbill/internal/clock"
	"github.com/loopbill/loopbill/internal/invoice/domain"
	"github.com/loopbill/loopbill/pkg/db"
)

type InvoiceService struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	tax   domain.TaxCalculator
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Tax   domain.TaxCalculator
}

func NewService(p ServiceParam) domain.Service {
	return &InvoiceService{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,
		tax:   p.Tax,
	}
}

func (s *InvoiceService) Create(ctx context.Context, tx *gorm.DB, req domain.CreateInvoiceRequest) (domain.Invoice, error) {
	if len(req.Lines) == 0 {
		return domain.Invoice{}, domain.ErrMissingLines
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return domain.Invoice{}, domain.ErrInvalidInvoice
	}

	now := s.clock.Now().UTC()
	number, err := s.nextNumber(ctx, tx, now.Year())
	if err != nil {
		return domain.Invoice{}, err
	}

	var subtotal float64
	for _, l := range req.Lines {
		subtotal += l.Amount
	}
	taxAmount := s.tax.Tax(ctx, req.UserID, subtotal)
	total := subtotal + taxAmount - req.Discount
	amountDue := math.Max(total, 0)

	inv := domain.Invoice{
		ID:             s.genID.Generate(),
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		Number:         number,
		Subtotal:       subtotal,
		Tax:            taxAmount,
		Discount:       req.Discount,
		Total:          total,
		AmountDue:      amountDue,
		Currency:       currency,
		Status:         domain.InvoiceStatusOpen,
		DueAt:          req.DueAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if amountDue == 0 {
		// Nothing owed, e.g. a pure credit on downgrade.
		inv.Status = domain.InvoiceStatusPaid
		inv.PaidAt = &now
	}
	if err := tx.WithContext(ctx).Create(&inv).Error; err != nil {
		return domain.Invoice{}, err
	}

	lines := make([]domain.InvoiceLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, domain.InvoiceLine{
			ID:          s.genID.Generate(),
			InvoiceID:   inv.ID,
			Description: l.Description,
			Amount:      l.Amount,
			Proration:   l.Proration,
			PeriodStart: l.PeriodStart,
			PeriodEnd:   l.PeriodEnd,
			CreatedAt:   now,
		})
	}
	if err := tx.WithContext(ctx).Create(&lines).Error; err != nil {
		return domain.Invoice{}, err
	}
	inv.Lines = lines

	s.log.Info("invoice created",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("number", inv.Number),
		zap.Float64("total", inv.Total),
	)
	return inv, nil
}

// nextNumber claims the next per-year sequence value inside tx, so the
// number is only consumed if the invoice insert commits.
func (s *InvoiceService) nextNumber(ctx context.Context, tx *gorm.DB, year int) (string, error) {
	res := tx.WithContext(ctx).Exec(`
		UPDATE invoice_sequences SET last_value = last_value + 1 WHERE year = ?
	`, year)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		if err := tx.WithContext(ctx).Exec(`
			INSERT INTO invoice_sequences (year, last_value) VALUES (?, 1)
		`, year).Error; err != nil {
			return "", err
		}
	}

	var value int64
	if err := tx.WithContext(ctx).Raw(`
		SELECT last_value FROM invoice_sequences WHERE year = ?
	`, year).Scan(&value).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%d-%06d", year, value), nil
}

func (s *InvoiceService) RecordPayment(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, amount float64) (domain.Invoice, error) {
	var inv domain.Invoice
	if err := db.LockForUpdate(tx.WithContext(ctx)).
		Where("id = ?", invoiceID).
		First(&inv).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Invoice{}, domain.ErrNotFound
		}
		return domain.Invoice{}, err
	}
	if inv.Status == domain.InvoiceStatusVoid {
		return domain.Invoice{}, domain.ErrInvoiceVoid
	}

	now := s.clock.Now().UTC()
	inv.AmountPaid += amount
	inv.AmountDue = math.Max(inv.Total-inv.AmountPaid, 0)
	inv.UpdatedAt = now
	if inv.AmountPaid >= inv.Total && inv.Status != domain.InvoiceStatusPaid {
		inv.Status = domain.InvoiceStatusPaid
		inv.PaidAt = &now
	}
	if err := tx.WithContext(ctx).Save(&inv).Error; err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (s *InvoiceService) GetByID(ctx context.Context, id snowflake.ID) (domain.Invoice, error) {
	var inv domain.Invoice
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inv).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Invoice{}, domain.ErrNotFound
		}
		return domain.Invoice{}, err
	}
	if err := s.db.WithContext(ctx).
		Where("invoice_id = ?", id).
		Order("created_at ASC").
		Find(&inv.Lines).Error; err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (s *InvoiceService) ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	if err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *InvoiceService) Void(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv domain.Invoice
		if err := tx.Where("id = ?", id).First(&inv).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return domain.ErrNotFound
			}
			return err
		}
		if inv.Status == domain.InvoiceStatusPaid {
			return domain.ErrInvalidInvoice
		}
		now := s.clock.Now().UTC()
		return tx.Model(&domain.Invoice{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":     domain.InvoiceStatusVoid,
				"amount_due": 0,
				"updated_at": now,
			}).Error
	})
}
