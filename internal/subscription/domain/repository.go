package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	Save(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	FindByUserIDForUpdate(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	InsertDiscount(ctx context.Context, db *gorm.DB, link *SubscriptionDiscount) error
	ListDiscounts(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]SubscriptionDiscount, error)
	// DueForRenewal lists billing-eligible subscriptions whose period has
	// ended. Canceled and unknown subscriptions are never selected.
	DueForRenewal(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)
	ScheduledChangesDue(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)
	CancellationsDue(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)
}
