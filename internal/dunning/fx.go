package dunning

import (
	"go.uber.org/fx"

	"github.com/loopbill/loopbill/internal/dunning/service"
)

var Module = fx.Module("dunning",
	fx.Provide(service.NewService),
)
