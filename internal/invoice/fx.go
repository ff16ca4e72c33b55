package invoice

import (
	"go.uber.org/fx"

	"github.com/loopbill/loopbill/internal/invoice/domain"
	"github.com/loopbill/loopbill/internal/invoice/service"
)

var Module = fx.Module("invoice",
	fx.Provide(
		func() domain.TaxCalculator { return domain.ZeroTax{} },
		service.NewService,
	),
)
