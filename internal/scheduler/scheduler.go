// Package scheduler runs the periodic billing sweeps: renewals at period
// end, dunning retries, scheduled plan changes and period-end cancellations.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/loopbill/loopbill/internal/clock"
	dunningdomain "github.com/loopbill/loopbill/internal/dunning/domain"
	subscriptiondomain "github.com/loopbill/loopbill/internal/subscription/domain"
)

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	DunningSvc      dunningdomain.Service
	Config          Config `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	dunningSvc      dunningdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.DunningSvc == nil {
		return nil, errors.New("scheduler_missing_dependency")
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler"),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		dunningSvc:      p.DunningSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	err := fn(ctx)
	elapsed := s.clock.Now().Sub(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("job timed out",
				zap.String("job", name),
				zap.Duration("timeout", s.cfg.JobTimeout),
			)
			return nil
		}
		s.log.Error("job failed",
			zap.String("job", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return err
	}
	s.log.Debug("job finished",
		zap.String("job", name),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// RunOnce executes every sweep a single time. Job failures are joined, not
// short-circuited, so one wedged sweep never starves the others.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"renewals", s.RenewalsJob},
		{"dunning_retries", s.DunningRetriesJob},
		{"scheduled_plan_changes", s.ScheduledPlanChangesJob},
		{"period_end_cancellations", s.PeriodEndCancellationsJob},
	}

	var err error
	for _, job := range jobs {
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RenewalsJob charges subscriptions whose period has ended. Past-due
// subscriptions are left to the dunning retry schedule so the backoff
// between attempts is respected.
func (s *Scheduler) RenewalsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	due, err := s.subscriptionSvc.DueForRenewal(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for _, sub := range due {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusPastDue {
			continue
		}
		if _, err := s.subscriptionSvc.ProcessRenewal(ctx, sub.ID); err != nil {
			if errors.Is(err, subscriptiondomain.ErrNotBillingEligible) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.log.Error("renewal failed",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
		}
	}
	return jobErr
}

// DunningRetriesJob re-attempts charges whose scheduled retry time has
// arrived.
func (s *Scheduler) DunningRetriesJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	states, err := s.dunningSvc.DueForRetry(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for _, state := range states {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.subscriptionSvc.ProcessRenewal(ctx, state.SubscriptionID); err != nil {
			if errors.Is(err, subscriptiondomain.ErrNotBillingEligible) ||
				errors.Is(err, subscriptiondomain.ErrNotFound) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.log.Error("dunning retry failed",
				zap.String("subscription_id", state.SubscriptionID.String()),
				zap.Error(err),
			)
		}
	}
	return jobErr
}

// ScheduledPlanChangesJob applies stored plan changes whose effective date
// has passed. Replays are harmless; applying clears the scheduled fields.
func (s *Scheduler) ScheduledPlanChangesJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	due, err := s.subscriptionSvc.ScheduledChangesDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for _, sub := range due {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.subscriptionSvc.ApplyScheduledChange(ctx, sub.ID); err != nil {
			if errors.Is(err, subscriptiondomain.ErrNotFound) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.log.Error("scheduled plan change failed",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
		}
	}
	return jobErr
}

func (s *Scheduler) PeriodEndCancellationsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	canceled, err := s.subscriptionSvc.CancelAtPeriodEndDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if canceled > 0 {
		s.log.Info("period-end cancellations finalized", zap.Int("count", canceled))
	}
	return nil
}
