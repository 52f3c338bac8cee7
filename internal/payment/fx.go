package payment

import (
	"github.com/smallbiznis/wayfare/internal/payment/adapters"
	"github.com/smallbiznis/wayfare/internal/payment/adapters/static"
	paymentservice "github.com/smallbiznis/wayfare/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			static.NewFactory("card"),
			static.NewFactory("wallet"),
		)
	}),
	fx.Provide(paymentservice.NewService),
)
