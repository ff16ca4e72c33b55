package subscription

import (
	"go.uber.org/fx"

	"github.com/loopbill/loopbill/internal/subscription/repository"
	"github.com/loopbill/loopbill/internal/subscription/service"
)

var Module = fx.Module("subscription",
	fx.Provide(
		repository.NewRepository,
		service.NewService,
	),
)
