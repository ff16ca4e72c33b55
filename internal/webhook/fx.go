package webhook

import (
	"go.uber.org/fx"

	"github.com/loopbill/loopbill/internal/webhook/service"
)

var Module = fx.Module("webhook",
	fx.Provide(service.NewService),
)
