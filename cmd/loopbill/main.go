package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/loopbill/loopbill/internal/clock"
	"github.com/loopbill/loopbill/internal/config"
	"github.com/loopbill/loopbill/internal/discount"
	"github.com/loopbill/loopbill/internal/dunning"
	"github.com/loopbill/loopbill/internal/events"
	"github.com/loopbill/loopbill/internal/invoice"
	"github.com/loopbill/loopbill/internal/logger"
	"github.com/loopbill/loopbill/internal/migration"
	"github.com/loopbill/loopbill/internal/observability/metrics"
	"github.com/loopbill/loopbill/internal/payment"
	"github.com/loopbill/loopbill/internal/plan"
	"github.com/loopbill/loopbill/internal/provider"
	"github.com/loopbill/loopbill/internal/scheduler"
	"github.com/loopbill/loopbill/internal/server"
	"github.com/loopbill/loopbill/internal/subscription"
	"github.com/loopbill/loopbill/internal/webhook"
	"github.com/loopbill/loopbill/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		events.Module,
		metrics.Module,
		migration.Module,

		plan.Module,
		discount.Module,
		payment.Module,
		invoice.Module,
		dunning.Module,
		provider.Module,
		subscription.Module,
		webhook.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
