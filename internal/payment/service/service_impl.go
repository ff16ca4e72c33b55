package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/loopbill/loopbill/internal/clock"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) paymentdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("payment.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) CreateAttempt(ctx context.Context, tx *gorm.DB, req paymentdomain.CreateAttemptRequest) (paymentdomain.Payment, error) {
	if req.UserID == 0 || req.Amount < 0 {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidPayment
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidCurrency
	}
	attempt := req.AttemptCount
	if attempt < 1 {
		attempt = 1
	}

	now := s.clock.Now()
	payment := paymentdomain.Payment{
		ID:               s.genID.Generate(),
		UserID:           req.UserID,
		SubscriptionID:   req.SubscriptionID,
		InvoiceID:        req.InvoiceID,
		Amount:           req.Amount,
		Currency:         currency,
		Status:           paymentdomain.PaymentStatusPending,
		PaymentMethodID:  req.PaymentMethodID,
		ProviderIntentID: req.ProviderIntentID,
		AttemptCount:     attempt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := tx.WithContext(ctx).Create(&payment).Error; err != nil {
		return paymentdomain.Payment{}, err
	}
	return payment, nil
}

func (s *Service) MarkSucceeded(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, processedAt time.Time) error {
	return s.transition(ctx, tx, paymentID, paymentdomain.PaymentStatusSucceeded, func(p *paymentdomain.Payment) {
		p.ProcessedAt = &processedAt
		p.FailureCode = nil
		p.FailureMessage = nil
	})
}

func (s *Service) MarkFailed(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, code, message string, failedAt time.Time) error {
	return s.transition(ctx, tx, paymentID, paymentdomain.PaymentStatusFailed, func(p *paymentdomain.Payment) {
		p.FailedAt = &failedAt
		if code != "" {
			p.FailureCode = &code
		}
		if message != "" {
			p.FailureMessage = &message
		}
	})
}

func (s *Service) transition(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, target paymentdomain.PaymentStatus, apply func(*paymentdomain.Payment)) error {
	var payment paymentdomain.Payment
	err := tx.WithContext(ctx).Where("id = ?", paymentID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return paymentdomain.ErrNotFound
		}
		return err
	}

	if payment.Status == target {
		return nil
	}
	if !paymentdomain.CanTransition(payment.Status, target) {
		return paymentdomain.ErrInvalidTransition
	}

	payment.Status = target
	payment.UpdatedAt = s.clock.Now()
	apply(&payment)

	return tx.WithContext(ctx).Save(&payment).Error
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return paymentdomain.Payment{}, paymentdomain.ErrNotFound
		}
		return paymentdomain.Payment{}, err
	}
	return payment, nil
}

func (s *Service) FindByProviderIntentID(ctx context.Context, intentID string) (*paymentdomain.Payment, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, nil
	}

	var payment paymentdomain.Payment
	err := s.db.WithContext(ctx).Where("provider_intent_id = ?", intentID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (s *Service) LatestAttemptForSubscription(ctx context.Context, subscriptionID snowflake.ID) (*paymentdomain.Payment, error) {
	var payment paymentdomain.Payment
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("attempt_count desc, created_at desc").
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID snowflake.ID) ([]paymentdomain.Payment, error) {
	var payments []paymentdomain.Payment
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at desc").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}
