package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/bwmarrin/snowflake"
	"github.com/loopbill/loopbill/internal/subscription/domain"
	"github.com/loopbill/loopbill/pkg/db"
)

type repository struct{}

func NewRepository() domain.Repository {
	return &repository{}
}

func (r *repository) Insert(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) error {
	return tx.WithContext(ctx).Create(sub).Error
}

func (r *repository) Save(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) error {
	return tx.WithContext(ctx).Save(sub).Error
}

func (r *repository) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := db.LockForUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByUserID(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := tx.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := db.LockForUpdate(tx.WithContext(ctx)).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&sub).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) InsertDiscount(ctx context.Context, tx *gorm.DB, link *domain.SubscriptionDiscount) error {
	return tx.WithContext(ctx).Create(link).Error
}

func (r *repository) ListDiscounts(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) ([]domain.SubscriptionDiscount, error) {
	var links []domain.SubscriptionDiscount
	if err := tx.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("position ASC").
		Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}

func (r *repository) DueForRenewal(ctx context.Context, tx *gorm.DB, asOf time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	statuses := []domain.SubscriptionStatus{
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusTrialing,
		domain.SubscriptionStatusPastDue,
	}
	if err := tx.WithContext(ctx).
		Where("status IN ? AND current_period_end <= ? AND cancel_at_period_end = ?", statuses, asOf.UTC(), false).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) ScheduledChangesDue(ctx context.Context, tx *gorm.DB, asOf time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	if err := tx.WithContext(ctx).
		Where("scheduled_effective_date IS NOT NULL AND scheduled_effective_date <= ? AND status <> ?",
			asOf.UTC(), domain.SubscriptionStatusCanceled).
		Order("scheduled_effective_date ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repository) CancellationsDue(ctx context.Context, tx *gorm.DB, asOf time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	if err := tx.WithContext(ctx).
		Where("cancel_at_period_end = ? AND status <> ? AND cancellation_effective_date IS NOT NULL AND cancellation_effective_date <= ?",
			true, domain.SubscriptionStatusCanceled, asOf.UTC()).
		Order("cancellation_effective_date ASC").
		Limit(limit).
		Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}
