package provider

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/loopbill/loopbill/internal/config"
	"github.com/loopbill/loopbill/internal/provider/domain"
	"github.com/loopbill/loopbill/internal/provider/fake"
	"github.com/loopbill/loopbill/internal/provider/stripe"
)

// NewGateway wires the Stripe gateway when an API key is configured and
// falls back to the in-memory fake for local development.
func NewGateway(cfg config.Config, log *zap.Logger) domain.Gateway {
	if cfg.Stripe.APIKey == "" {
		log.Warn("no provider API key configured, using in-memory fake gateway")
		return fake.NewGateway()
	}
	return stripe.NewGateway(cfg.Stripe, log)
}

var Module = fx.Module("provider",
	fx.Provide(NewGateway),
)
