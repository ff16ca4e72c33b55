package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bwmarrin/snowflake"
	"github.com/loopbill/loopbill/internal/clock"
	discountdomain "github.com/loopbill/loopbill/internal/discount/domain"
	dunningdomain "github.com/loopbill/loopbill/internal/dunning/domain"
	"github.com/loopbill/loopbill/internal/events"
	invoicedomain "github.com/loopbill/loopbill/internal/invoice/domain"
	"github.com/loopbill/loopbill/internal/observability/metrics"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
	"github.com/loopbill/loopbill/internal/proration"
	providerdomain "github.com/loopbill/loopbill/internal/provider/domain"
	"github.com/loopbill/loopbill/internal/subscription/domain"
	"github.com/loopbill/loopbill/pkg/db"
)

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	plans    plandomain.Service
	discount discountdomain.Service
	payments paymentdomain.Service
	invoices invoicedomain.Service
	dunning  dunningdomain.Service
	gateway  providerdomain.Gateway
	events   events.Publisher
	metrics  *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Plans    plandomain.Service
	Discount discountdomain.Service
	Payments paymentdomain.Service
	Invoices invoicedomain.Service
	Dunning  dunningdomain.Service
	Gateway  providerdomain.Gateway
	Events   events.Publisher
	Metrics  *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		plans:    p.Plans,
		discount: p.Discount,
		payments: p.Payments,
		invoices: p.Invoices,
		dunning:  p.Dunning,
		gateway:  p.Gateway,
		events:   p.Events,
		metrics:  p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Subscription, error) {
	if !req.BillingCycle.Valid() {
		return nil, domain.ErrInvalidBillingCycle
	}
	plan, err := s.plans.GetByID(ctx, req.PlanID.String())
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, plandomain.ErrInvalidPlan
	}

	now := s.clock.Now().UTC()
	sub := &domain.Subscription{
		ID:                     s.genID.Generate(),
		UserID:                 req.UserID,
		PlanID:                 req.PlanID,
		Status:                 domain.SubscriptionStatusActive,
		BillingCycle:           req.BillingCycle,
		Amount:                 plan.PriceFor(string(req.BillingCycle)),
		Currency:               plan.Currency,
		CurrentPeriodStart:     now,
		CurrentPeriodEnd:       req.BillingCycle.AdvancePeriod(now),
		DefaultPaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if req.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, req.TrialDays)
		sub.Status = domain.SubscriptionStatusTrialing
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrAlreadySubscribed
			}
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.mirrorCreate(ctx, sub)

	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", sub.UserID.String()),
		zap.String("status", string(sub.Status)),
	)
	s.events.Publish(ctx, events.TopicSubscriptionCreated, map[string]any{
		"subscription_id": sub.ID.String(),
		"user_id":         sub.UserID.String(),
		"plan_id":         sub.PlanID.String(),
		"status":          string(sub.Status),
		"amount":          sub.Amount,
		"currency":        sub.Currency,
	})
	return sub, nil
}

// mirrorCreate registers the subscription with the payment provider. The
// local row stays authoritative, so mirror failures are logged and the
// provider ids backfilled on a later sync.
func (s *Service) mirrorCreate(ctx context.Context, sub *domain.Subscription) {
	customer, err := s.gateway.CreateCustomer(ctx, providerdomain.CreateCustomerRequest{
		UserID: sub.UserID.String(),
	})
	if err != nil {
		s.log.Warn("provider customer creation failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return
	}
	provSub, err := s.gateway.CreateSubscription(ctx, providerdomain.CreateSubscriptionRequest{
		CustomerID: customer.ID,
		PriceCode:  sub.PlanID.String(),
		TrialEnd:   sub.TrialEnd,
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"user_id":         sub.UserID.String(),
		},
	})
	if err != nil {
		s.log.Warn("provider subscription creation failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return
	}

	sub.ProviderCustomerID = customer.ID
	sub.ProviderSubscriptionID = provSub.ID
	if err := s.db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"provider_customer_id":     customer.ID,
			"provider_subscription_id": provSub.ID,
		}).Error; err != nil {
		s.log.Warn("provider id backfill failed", zap.Error(err))
	}
}

func (s *Service) GetByUserID(ctx context.Context, userID snowflake.ID) (*domain.Subscription, error) {
	sub, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNotFound
	}
	links, err := s.repo.ListDiscounts(ctx, s.db, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Discounts = links
	return sub, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrNotFound
	}
	return sub, nil
}

// Update is the internal patch used by webhook sync. Status overwrites
// bypass the public transition checks but still stamp lifecycle fields.
func (s *Service) Update(ctx context.Context, userID snowflake.ID, req domain.UpdateRequest) (*domain.Subscription, error) {
	var updated *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}
		now := s.clock.Now().UTC()

		if req.PlanID != nil && *req.PlanID != sub.PlanID {
			plan, err := s.plans.GetByID(ctx, req.PlanID.String())
			if err != nil {
				return err
			}
			sub.PlanID = plan.ID
			sub.Amount = plan.PriceFor(string(sub.BillingCycle))
		}
		if req.Status != nil && *req.Status != sub.Status {
			s.stampStatus(sub, *req.Status, now)
		}
		if req.CancelAtPeriodEnd != nil {
			sub.CancelAtPeriodEnd = *req.CancelAtPeriodEnd
			if *req.CancelAtPeriodEnd {
				end := sub.CurrentPeriodEnd
				sub.CancellationEffectiveDate = &end
			} else {
				sub.CancellationEffectiveDate = nil
			}
		}
		if req.CurrentPeriodEnd != nil {
			sub.CurrentPeriodEnd = req.CurrentPeriodEnd.UTC()
		}
		if req.DefaultPaymentMethodID != nil {
			sub.DefaultPaymentMethodID = *req.DefaultPaymentMethodID
		}
		if req.ProviderSubscriptionID != nil {
			sub.ProviderSubscriptionID = *req.ProviderSubscriptionID
		}

		sub.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, sub); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.TopicSubscriptionUpdated, map[string]any{
		"subscription_id": updated.ID.String(),
		"user_id":         updated.UserID.String(),
		"status":          string(updated.Status),
	})
	return updated, nil
}

// stampStatus applies a status change with its lifecycle timestamps.
func (s *Service) stampStatus(sub *domain.Subscription, target domain.SubscriptionStatus, now time.Time) {
	switch target {
	case domain.SubscriptionStatusActive:
		if sub.Status == domain.SubscriptionStatusPaused {
			sub.ResumedAt = &now
			sub.PausedAt = nil
			sub.PauseUntil = nil
			sub.PauseReason = ""
		}
		if sub.Status == domain.SubscriptionStatusCanceled {
			sub.ReactivatedAt = &now
			sub.CancelAtPeriodEnd = false
			sub.CanceledAt = nil
			sub.CancellationReason = ""
			sub.CancellationEffectiveDate = nil
		}
		sub.PastDueAt = nil
	case domain.SubscriptionStatusPaused:
		sub.PausedAt = &now
	case domain.SubscriptionStatusPastDue:
		sub.PastDueAt = &now
	case domain.SubscriptionStatusCanceled:
		sub.CanceledAt = &now
		if sub.CancellationEffectiveDate == nil {
			sub.CancellationEffectiveDate = &now
		}
	}
	sub.Status = target
}

func (s *Service) ChangePlan(ctx context.Context, userID snowflake.ID, req domain.ChangePlanRequest) (*domain.Subscription, error) {
	var updated *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}
		if sub.Status == domain.SubscriptionStatusCanceled {
			return domain.ErrAlreadyCanceled
		}
		if req.NewPlanID == sub.PlanID {
			return domain.ErrSamePlan
		}

		newCycle := sub.BillingCycle
		if req.BillingCycle != nil {
			if !req.BillingCycle.Valid() {
				return domain.ErrInvalidBillingCycle
			}
			newCycle = *req.BillingCycle
		}
		plan, err := s.plans.GetByID(ctx, req.NewPlanID.String())
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		if req.EffectiveDate != nil && req.EffectiveDate.After(now) {
			effective := req.EffectiveDate.UTC()
			sub.ScheduledPlanID = &req.NewPlanID
			sub.ScheduledBillingCycle = &newCycle
			sub.ScheduledEffectiveDate = &effective
			sub.UpdatedAt = now
			if err := s.repo.Save(ctx, tx, sub); err != nil {
				return err
			}
			updated = sub
			return nil
		}

		newAmount := plan.PriceFor(string(newCycle))
		if req.ProrationBehavior == domain.ProrationBehaviorCreate {
			result := proration.Prorate(sub.Amount, newAmount, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
			if result.Credit != 0 || result.Charge != 0 {
				if err := s.createProrationInvoice(ctx, tx, sub, plan, result); err != nil {
					return err
				}
			}
		}

		sub.PlanID = plan.ID
		sub.BillingCycle = newCycle
		sub.Amount = newAmount
		sub.ScheduledPlanID = nil
		sub.ScheduledBillingCycle = nil
		sub.ScheduledEffectiveDate = nil
		sub.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, sub); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mirrorPlanChange(ctx, updated)
	s.events.Publish(ctx, events.TopicSubscriptionUpdated, map[string]any{
		"subscription_id": updated.ID.String(),
		"user_id":         updated.UserID.String(),
		"plan_id":         updated.PlanID.String(),
		"amount":          updated.Amount,
		"status":          string(updated.Status),
	})
	return updated, nil
}

func (s *Service) createProrationInvoice(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, newPlan plandomain.Plan, result proration.Result) error {
	start := sub.CurrentPeriodStart
	end := sub.CurrentPeriodEnd
	_, err := s.invoices.Create(ctx, tx, invoicedomain.CreateInvoiceRequest{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Currency:       sub.Currency,
		Lines: []invoicedomain.LineInput{
			{
				Description: "Unused time on previous plan",
				Amount:      result.Credit,
				Proration:   true,
				PeriodStart: &start,
				PeriodEnd:   &end,
			},
			{
				Description: "Remaining time on " + newPlan.Name,
				Amount:      result.Charge,
				Proration:   true,
				PeriodStart: &start,
				PeriodEnd:   &end,
			},
		},
	})
	return err
}

func (s *Service) mirrorPlanChange(ctx context.Context, sub *domain.Subscription) {
	if sub.ProviderSubscriptionID == "" || sub.ScheduledPlanID != nil {
		return
	}
	if _, err := s.gateway.UpdateSubscription(ctx, providerdomain.UpdateSubscriptionRequest{
		SubscriptionID: sub.ProviderSubscriptionID,
		PriceCode:      sub.PlanID.String(),
	}); err != nil {
		s.log.Warn("provider plan change mirror failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) Pause(ctx context.Context, userID snowflake.ID, req domain.PauseRequest) (*domain.Subscription, error) {
	var updated *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}
		if sub.Status == domain.SubscriptionStatusCanceled {
			return domain.ErrAlreadyCanceled
		}
		if !domain.IsTransitionAllowed(sub.Status, domain.SubscriptionStatusPaused) {
			return domain.ErrInvalidTransition
		}

		now := s.clock.Now().UTC()
		s.stampStatus(sub, domain.SubscriptionStatusPaused, now)
		sub.PauseUntil = req.PauseUntil
		sub.PauseReason = strings.TrimSpace(req.Reason)
		sub.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, sub); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.TopicSubscriptionUpdated, map[string]any{
		"subscription_id": updated.ID.String(),
		"user_id":         updated.UserID.String(),
		"status":          string(updated.Status),
	})
	return updated, nil
}

func (s *Service) Resume(ctx context.Context, userID snowflake.ID) (*domain.Subscription, error) {
	var updated *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}
		if sub.Status != domain.SubscriptionStatusPaused {
			return domain.ErrNotPaused
		}

		now := s.clock.Now().UTC()
		s.stampStatus(sub, domain.SubscriptionStatusActive, now)
		sub.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, sub); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.TopicSubscriptionUpdated, map[string]any{
		"subscription_id": updated.ID.String(),
		"user_id":         updated.UserID.String(),
		"status":          string(updated.Status),
	})
	return updated, nil
}

func (s *Service) ScheduleCancellation(ctx context.Context, userID snowflake.ID, req domain.CancelRequest) (*domain.Subscription, error) {
	var updated *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}
		if sub.Status == domain.SubscriptionStatusCanceled {
			return domain.ErrAlreadyCanceled
		}

		now := s.clock.Now().UTC()
		sub.CancellationReason = strings.TrimSpace(req.Reason)
		if req.CancelAtPeriodEnd {
			end := sub.CurrentPeriodEnd
			sub.CancelAtPeriodEnd = true
			sub.CancellationEffectiveDate = &end
		} else {
			s.stampStatus(sub, domain.SubscriptionStatusCanceled, now)
		}
		sub.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, sub); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mirrorCancel(ctx, updated, req.CancelAtPeriodEnd)
	if updated.Status == domain.SubscriptionStatusCanceled {
		s.events.Publish(ctx, events.TopicSubscriptionCancelled, map[string]any{
			"subscription_id": updated.ID.String(),
			"user_id":         updated.UserID.String(),
			"reason":          updated.CancellationReason,
		})
	} else {
		s.events.Publish(ctx, events.TopicSubscriptionUpdated, map[string]any{
			"subscription_id":      updated.ID.String(),
			"user_id":              updated.UserID.String(),
			"cancel_at_period_end": true,
		})
	}
	return updated, nil
}

func (s *Service) mirrorCancel(ctx context.Context, sub *domain.Subscription, atPeriodEnd bool) {
	if sub.ProviderSubscriptionID == "" {
		return
	}
	if _, err := s.gateway.CancelSubscription(ctx, sub.ProviderSubscriptionID, atPeriodEnd); err != nil {
		s.log.Warn("provider cancellation mirror failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) Reactivate(ctx context.Context, userID snowflake.ID, req domain.ReactivateRequest) (*domain.Subscription, error) {
	paymentMethodID := strings.TrimSpace(req.PaymentMethodID)
	// Payment method references are provider-issued tokens.
	if paymentMethodID != "" && !strings.HasPrefix(paymentMethodID, "pm_") {
		return nil, domain.ErrPaymentMethodMissing
	}

	var updated *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}
		if sub.Status != domain.SubscriptionStatusCanceled {
			return domain.ErrNotCanceled
		}

		now := s.clock.Now().UTC()
		s.stampStatus(sub, domain.SubscriptionStatusActive, now)
		if paymentMethodID != "" {
			sub.DefaultPaymentMethodID = paymentMethodID
		}
		// Fresh activation, fresh period.
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = sub.BillingCycle.AdvancePeriod(now)
		sub.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, sub); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.TopicSubscriptionUpdated, map[string]any{
		"subscription_id": updated.ID.String(),
		"user_id":         updated.UserID.String(),
		"status":          string(updated.Status),
		"reactivated":     true,
	})
	return updated, nil
}

func (s *Service) ApplyDiscount(ctx context.Context, userID snowflake.ID, code string) (*domain.Subscription, error) {
	current, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrNotFound
	}
	// Advisory check; Redeem re-runs the caps inside the transaction.
	disc, err := s.discount.Validate(ctx, code, userID, current.Amount)
	if err != nil {
		return nil, err
	}

	var updated *domain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}

		links, err := s.repo.ListDiscounts(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		for _, link := range links {
			if link.DiscountID == disc.ID {
				return domain.ErrDiscountAlreadyUsed
			}
		}

		now := s.clock.Now().UTC()
		link := &domain.SubscriptionDiscount{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			DiscountID:     disc.ID,
			Position:       len(links) + 1,
			AppliedAt:      now,
		}
		if err := s.repo.InsertDiscount(ctx, tx, link); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrDiscountAlreadyUsed
			}
			return err
		}
		if err := s.discount.Redeem(ctx, tx, disc.ID, userID, disc.SavingsOn(sub.Amount)); err != nil {
			return err
		}

		sub.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, sub); err != nil {
			return err
		}
		sub.Discounts = append(links, *link)
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.TopicSubscriptionUpdated, map[string]any{
		"subscription_id": updated.ID.String(),
		"user_id":         updated.UserID.String(),
		"discount_code":   code,
	})
	return updated, nil
}
