package plan

import (
	"github.com/loopbill/loopbill/internal/plan/repository"
	"github.com/loopbill/loopbill/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
