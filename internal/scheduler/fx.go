package scheduler

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/loopbill/loopbill/internal/config"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Start),
)

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: time.Duration(cfg.SchedulerIntervalSec) * time.Second,
		BatchSize:   cfg.SchedulerBatchSize,
	}.withDefaults()
}

func Start(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.SchedulerEnabled {
		return
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
