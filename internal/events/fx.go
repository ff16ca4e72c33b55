package events

import (
	"github.com/loopbill/loopbill/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Publisher {
	if cfg.RedisAddr == "" {
		return NewLogPublisher(log)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisPublisher(client, log)
}

var Module = fx.Module("events",
	fx.Provide(NewFromConfig),
)
