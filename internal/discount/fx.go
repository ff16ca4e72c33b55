package discount

import (
	"github.com/loopbill/loopbill/internal/discount/service"
	"go.uber.org/fx"
)

var Module = fx.Module("discount.service",
	fx.Provide(service.NewService),
)
