package service

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bwmarrin/snowflake"
	"github.com/loopbill/loopbill/internal/clock"
	"github.com/loopbill/loopbill/internal/dunning/domain"
	"github.com/loopbill/loopbill/internal/events"
	"github.com/loopbill/loopbill/internal/observability/metrics"
	"github.com/loopbill/loopbill/pkg/db"
)

type DunningService struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	events  events.Publisher
	metrics *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Events  events.Publisher
	Metrics *metrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	return &DunningService{
		db:      p.DB,
		log:     p.Log.Named("dunning.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		events:  p.Events,
		metrics: p.Metrics,
	}
}

func (s *DunningService) RecordFailure(ctx context.Context, tx *gorm.DB, subscriptionID, userID snowflake.ID, attemptCount int) (domain.Decision, error) {
	if attemptCount < 1 {
		return domain.Decision{}, domain.ErrInvalidAttempt
	}

	now := s.clock.Now().UTC()
	decision := domain.Escalate(attemptCount, now)

	var state domain.DunningState
	err := db.LockForUpdate(tx.WithContext(ctx)).
		Where("subscription_id = ?", subscriptionID).
		First(&state).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		state = domain.DunningState{
			ID:             s.genID.Generate(),
			SubscriptionID: subscriptionID,
			UserID:         userID,
			Active:         true,
			CreatedAt:      now,
		}
	case err != nil:
		return domain.Decision{}, err
	}

	// Same attempt replayed: return the recorded position untouched.
	if state.Active && state.AttemptCount >= attemptCount {
		replay := domain.Escalate(state.AttemptCount, state.LastFailedAt)
		replay.NextRetryAt = state.NextRetryAt
		return replay, nil
	}

	state.AttemptCount = attemptCount
	state.Level = decision.Level
	state.ActionRequired = decision.ActionRequired
	state.NextRetryAt = decision.NextRetryAt
	state.LastFailedAt = now
	state.Active = decision.Action != domain.ActionCancel
	state.UpdatedAt = now

	if err := tx.WithContext(ctx).Save(&state).Error; err != nil {
		return domain.Decision{}, err
	}

	s.metrics.RecordDunningDecision(string(decision.Action))
	s.log.Info("dunning decision",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("attempt_count", attemptCount),
		zap.String("action", string(decision.Action)),
		zap.Int("level", decision.Level),
	)

	payload := map[string]any{
		"subscription_id": subscriptionID.String(),
		"user_id":         userID.String(),
		"attempt_count":   attemptCount,
		"level":           decision.Level,
	}
	switch decision.Action {
	case domain.ActionEscalate:
		payload["action_required"] = decision.ActionRequired
		s.events.Publish(ctx, events.TopicDunningEscalated, payload)
	case domain.ActionRetry:
		if decision.NextRetryAt != nil {
			payload["next_retry_at"] = decision.NextRetryAt.Format(time.RFC3339)
		}
		s.events.Publish(ctx, events.TopicDunningRetryScheduled, payload)
	}

	return decision, nil
}

func (s *DunningService) RecordRecovery(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) error {
	now := s.clock.Now().UTC()
	return tx.WithContext(ctx).Model(&domain.DunningState{}).
		Where("subscription_id = ? AND active = ?", subscriptionID, true).
		Updates(map[string]any{
			"active":          false,
			"action_required": "",
			"next_retry_at":   nil,
			"updated_at":      now,
		}).Error
}

func (s *DunningService) GetBySubscription(ctx context.Context, subscriptionID snowflake.ID) (domain.DunningState, error) {
	var state domain.DunningState
	if err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		First(&state).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.DunningState{}, domain.ErrNotFound
		}
		return domain.DunningState{}, err
	}
	return state, nil
}

func (s *DunningService) DueForRetry(ctx context.Context, asOf time.Time, limit int) ([]domain.DunningState, error) {
	if limit <= 0 {
		limit = 100
	}
	var states []domain.DunningState
	if err := s.db.WithContext(ctx).
		Where("active = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", true, asOf.UTC()).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}
