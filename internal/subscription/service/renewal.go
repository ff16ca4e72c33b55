package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bwmarrin/snowflake"
	discountdomain "github.com/loopbill/loopbill/internal/discount/domain"
	"github.com/loopbill/loopbill/internal/events"
	invoicedomain "github.com/loopbill/loopbill/internal/invoice/domain"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	providerdomain "github.com/loopbill/loopbill/internal/provider/domain"
	"github.com/loopbill/loopbill/internal/subscription/domain"
)

// ProcessRenewal charges one period and advances the subscription, all in a
// single transaction. A declined charge flips the subscription to past_due
// and walks the dunning ladder instead of returning an error; only missing
// subscriptions and ineligible statuses fail the call.
func (s *Service) ProcessRenewal(ctx context.Context, subscriptionID snowflake.ID) (domain.RenewalOutcome, error) {
	var outcome domain.RenewalOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}
		if !sub.Status.BillingEligible() {
			return domain.ErrNotBillingEligible
		}

		now := s.clock.Now().UTC()
		if err := s.applyScheduledChangeLocked(ctx, tx, sub, now); err != nil {
			return err
		}

		attemptCount, err := s.nextAttemptCount(ctx, sub.ID)
		if err != nil {
			return err
		}

		discountTotal, err := s.discountTotal(ctx, tx, sub)
		if err != nil {
			return err
		}

		inv, err := s.invoices.Create(ctx, tx, invoicedomain.CreateInvoiceRequest{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Currency:       sub.Currency,
			Discount:       discountTotal,
			Lines: []invoicedomain.LineInput{{
				Description: "Subscription renewal",
				Amount:      sub.Amount,
			}},
		})
		if err != nil {
			return err
		}
		outcome.InvoiceID = inv.ID

		if inv.AmountDue == 0 {
			// Fully discounted period, nothing to charge.
			s.advancePeriod(sub, now)
			if err := s.repo.Save(ctx, tx, sub); err != nil {
				return err
			}
			outcome.Charged = true
			return s.dunning.RecordRecovery(ctx, tx, sub.ID)
		}

		intent, chargeErr := s.gateway.CreatePaymentIntent(ctx, providerdomain.CreatePaymentIntentRequest{
			CustomerID: sub.ProviderCustomerID,
			Amount:     providerdomain.ToMinorUnits(inv.AmountDue),
			Currency:   sub.Currency,
			Metadata: map[string]string{
				"subscription_id": sub.ID.String(),
				"user_id":         sub.UserID.String(),
				"invoice_id":      inv.ID.String(),
			},
		})

		var intentID *string
		if intent.ID != "" {
			intentID = &intent.ID
		}
		var methodID *string
		if sub.DefaultPaymentMethodID != "" {
			methodID = &sub.DefaultPaymentMethodID
		}
		payment, err := s.payments.CreateAttempt(ctx, tx, paymentdomain.CreateAttemptRequest{
			UserID:           sub.UserID,
			SubscriptionID:   &sub.ID,
			InvoiceID:        &inv.ID,
			Amount:           inv.AmountDue,
			Currency:         sub.Currency,
			PaymentMethodID:  methodID,
			ProviderIntentID: intentID,
			AttemptCount:     attemptCount,
		})
		if err != nil {
			return err
		}
		outcome.PaymentID = payment.ID

		if chargeErr == nil && intent.Status == providerdomain.IntentStatusSucceeded {
			if err := s.payments.MarkSucceeded(ctx, tx, payment.ID, now); err != nil {
				return err
			}
			if _, err := s.invoices.RecordPayment(ctx, tx, inv.ID, inv.AmountDue); err != nil {
				return err
			}
			s.advancePeriod(sub, now)
			if err := s.repo.Save(ctx, tx, sub); err != nil {
				return err
			}
			if err := s.dunning.RecordRecovery(ctx, tx, sub.ID); err != nil {
				return err
			}
			outcome.Charged = true
			return nil
		}

		failureCode := intent.FailureCode
		if errors.Is(chargeErr, providerdomain.ErrProviderUnavailable) {
			failureCode = "provider_unavailable"
		} else if chargeErr != nil {
			failureCode = "charge_rejected"
		}
		if failureCode == "" {
			failureCode = "card_declined"
		}
		if err := s.payments.MarkFailed(ctx, tx, payment.ID, failureCode, "renewal charge failed", now); err != nil {
			return err
		}

		s.stampStatus(sub, domain.SubscriptionStatusPastDue, now)
		sub.UpdatedAt = now

		decision, err := s.dunning.RecordFailure(ctx, tx, sub.ID, sub.UserID, attemptCount)
		if err != nil {
			return err
		}
		outcome.DunningLevel = decision.Level
		outcome.ActionRequired = decision.ActionRequired
		if decision.SubscriptionCanceled {
			s.stampStatus(sub, domain.SubscriptionStatusCanceled, now)
			sub.CancellationReason = "payment_failure"
			outcome.SubscriptionCanceled = true
		}
		return s.repo.Save(ctx, tx, sub)
	})
	if err != nil {
		return domain.RenewalOutcome{}, err
	}

	s.publishRenewalEvents(ctx, subscriptionID, outcome)
	if outcome.Charged {
		s.metrics.RecordRenewal("success")
	} else {
		s.metrics.RecordRenewal("failure")
	}
	return outcome, nil
}

func (s *Service) advancePeriod(sub *domain.Subscription, now time.Time) {
	sub.CurrentPeriodStart = sub.CurrentPeriodEnd
	sub.CurrentPeriodEnd = sub.BillingCycle.AdvancePeriod(sub.CurrentPeriodEnd)
	sub.RenewalCount++
	if sub.Status != domain.SubscriptionStatusActive {
		s.stampStatus(sub, domain.SubscriptionStatusActive, now)
	}
	sub.TrialEnd = nil
	sub.TrialStart = nil
	sub.UpdatedAt = now
}

// nextAttemptCount continues the failed-attempt sequence, or starts a new
// one after a success.
func (s *Service) nextAttemptCount(ctx context.Context, subscriptionID snowflake.ID) (int, error) {
	latest, err := s.payments.LatestAttemptForSubscription(ctx, subscriptionID)
	if err != nil {
		return 0, err
	}
	if latest != nil && latest.Status == paymentdomain.PaymentStatusFailed {
		return latest.AttemptCount + 1, nil
	}
	return 1, nil
}

// discountTotal sums what the applied discounts shave off the renewal
// amount, applied in order against the running remainder.
func (s *Service) discountTotal(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) (float64, error) {
	links, err := s.repo.ListDiscounts(ctx, tx, sub.ID)
	if err != nil {
		return 0, err
	}
	remaining := sub.Amount
	var total float64
	for _, link := range links {
		var disc discountdomain.Discount
		if err := tx.WithContext(ctx).Where("id = ?", link.DiscountID).First(&disc).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				continue
			}
			return 0, err
		}
		if !disc.Active {
			continue
		}
		saved := disc.SavingsOn(remaining)
		total += saved
		remaining -= saved
	}
	return total, nil
}

func (s *Service) publishRenewalEvents(ctx context.Context, subscriptionID snowflake.ID, outcome domain.RenewalOutcome) {
	sub, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil || sub == nil {
		return
	}
	payload := map[string]any{
		"subscription_id": sub.ID.String(),
		"user_id":         sub.UserID.String(),
		"amount":          sub.Amount,
		"currency":        sub.Currency,
		"invoice_id":      outcome.InvoiceID.String(),
	}
	if outcome.Charged {
		s.events.Publish(ctx, events.TopicPaymentSucceeded, payload)
		s.events.Publish(ctx, events.TopicInvoicePaid, payload)
		return
	}
	s.events.Publish(ctx, events.TopicPaymentFailed, payload)
	s.events.Publish(ctx, events.TopicInvoicePaymentFailed, payload)
	if outcome.SubscriptionCanceled {
		s.events.Publish(ctx, events.TopicSubscriptionCancelled, map[string]any{
			"subscription_id": sub.ID.String(),
			"user_id":         sub.UserID.String(),
			"reason":          "payment_failure",
		})
	}
}

// ApplyScheduledChange applies a stored future plan change once due. It is
// safe to call repeatedly; the scheduled fields clear on first application.
func (s *Service) ApplyScheduledChange(ctx context.Context, subscriptionID snowflake.ID) (*domain.Subscription, error) {
	var updated *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrNotFound
		}
		now := s.clock.Now().UTC()
		changed := sub.ScheduledEffectiveDate != nil && !sub.ScheduledEffectiveDate.After(now)
		if err := s.applyScheduledChangeLocked(ctx, tx, sub, now); err != nil {
			return err
		}
		if changed {
			if err := s.repo.Save(ctx, tx, sub); err != nil {
				return err
			}
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// applyScheduledChangeLocked mutates sub in place when a scheduled change
// is due. The caller holds the row lock and persists the result.
func (s *Service) applyScheduledChangeLocked(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, now time.Time) error {
	if sub.ScheduledPlanID == nil || sub.ScheduledEffectiveDate == nil {
		return nil
	}
	if sub.ScheduledEffectiveDate.After(now) {
		return nil
	}

	plan, err := s.plans.GetByID(ctx, sub.ScheduledPlanID.String())
	if err != nil {
		// A since-deleted plan must not wedge the renewal sweep.
		s.log.Warn("scheduled plan no longer resolvable, dropping change",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("plan_id", sub.ScheduledPlanID.String()),
			zap.Error(err),
		)
		sub.ScheduledPlanID = nil
		sub.ScheduledBillingCycle = nil
		sub.ScheduledEffectiveDate = nil
		sub.UpdatedAt = now
		return nil
	}

	if sub.ScheduledBillingCycle != nil {
		sub.BillingCycle = *sub.ScheduledBillingCycle
	}
	sub.PlanID = plan.ID
	sub.Amount = plan.PriceFor(string(sub.BillingCycle))
	sub.ScheduledPlanID = nil
	sub.ScheduledBillingCycle = nil
	sub.ScheduledEffectiveDate = nil
	sub.UpdatedAt = now

	s.log.Info("scheduled plan change applied",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", plan.ID.String()),
	)
	return nil
}

// SyncProviderStatus reconciles a provider-reported status. Unmapped
// provider vocabulary lands in unknown, which never re-enables billing.
func (s *Service) SyncProviderStatus(ctx context.Context, req domain.SyncProviderStatusRequest) (*domain.Subscription, error) {
	mapped := domain.MapProviderStatus(req.ProviderStatus)
	if mapped == domain.SubscriptionStatusUnknown {
		s.log.Warn("unmapped provider subscription status",
			zap.String("user_id", req.UserID.String()),
			zap.String("provider_status", req.ProviderStatus),
		)
	}
	return s.Update(ctx, req.UserID, domain.UpdateRequest{
		Status:            &mapped,
		CancelAtPeriodEnd: req.CancelAtPeriodEnd,
		CurrentPeriodEnd:  req.CurrentPeriodEnd,
	})
}

// CancelAtPeriodEndDue finalizes scheduled cancellations whose effective
// date has passed.
func (s *Service) CancelAtPeriodEndDue(ctx context.Context, asOf time.Time, limit int) (int, error) {
	due, err := s.repo.CancellationsDue(ctx, s.db, asOf, limit)
	if err != nil {
		return 0, err
	}

	canceled := 0
	for _, candidate := range due {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sub, err := s.repo.FindByIDForUpdate(ctx, tx, candidate.ID)
			if err != nil {
				return err
			}
			if sub == nil || sub.Status == domain.SubscriptionStatusCanceled || !sub.CancelAtPeriodEnd {
				return nil
			}
			now := s.clock.Now().UTC()
			s.stampStatus(sub, domain.SubscriptionStatusCanceled, now)
			sub.UpdatedAt = now
			if err := s.repo.Save(ctx, tx, sub); err != nil {
				return err
			}
			canceled++
			s.events.Publish(ctx, events.TopicSubscriptionCancelled, map[string]any{
				"subscription_id": sub.ID.String(),
				"user_id":         sub.UserID.String(),
				"reason":          sub.CancellationReason,
			})
			return nil
		})
		if err != nil {
			s.log.Error("period-end cancellation failed",
				zap.String("subscription_id", candidate.ID.String()),
				zap.Error(err),
			)
		}
	}
	return canceled, nil
}

func (s *Service) DueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.DueForRenewal(ctx, s.db, asOf, limit)
}

func (s *Service) ScheduledChangesDue(ctx context.Context, asOf time.Time, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ScheduledChangesDue(ctx, s.db, asOf, limit)
}
