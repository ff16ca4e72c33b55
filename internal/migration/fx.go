package migration

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/loopbill/loopbill/internal/config"
	discountdomain "github.com/loopbill/loopbill/internal/discount/domain"
	dunningdomain "github.com/loopbill/loopbill/internal/dunning/domain"
	invoicedomain "github.com/loopbill/loopbill/internal/invoice/domain"
	paymentdomain "github.com/loopbill/loopbill/internal/payment/domain"
	plandomain "github.com/loopbill/loopbill/internal/plan/domain"
	subscriptiondomain "github.com/loopbill/loopbill/internal/subscription/domain"
	webhookdomain "github.com/loopbill/loopbill/internal/webhook/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.RunMigrations {
			return nil
		}

		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Non-postgres targets (sqlite for local development, mysql) take
		// the gorm-derived schema instead of the SQL files.
		log.Named("migrations").Info("using auto-migration", zap.String("db_type", cfg.DBType))
		if err := conn.AutoMigrate(
			&plandomain.Plan{},
			&subscriptiondomain.Subscription{},
			&subscriptiondomain.SubscriptionDiscount{},
			&discountdomain.Discount{},
			&discountdomain.DiscountRedemption{},
			&paymentdomain.Payment{},
			&invoicedomain.Invoice{},
			&invoicedomain.InvoiceLine{},
			&invoicedomain.InvoiceSequence{},
			&dunningdomain.DunningState{},
			&webhookdomain.WebhookEvent{},
		); err != nil {
			return err
		}

		if cfg.DBType == "sqlite" {
			return conn.Exec(`
				CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_subscription_per_user
				ON subscriptions (user_id)
				WHERE status IN ('trialing', 'active', 'paused', 'past_due', 'unknown')
			`).Error
		}
		return nil
	}),
)
