package processor

import "go.uber.org/fx"

// Module exposes the processor bindings and the gateway via Fx.
var Module = fx.Options(
	fx.Provide(NewStripeProcessor),
	fx.Provide(NewBraintreeProcessor),
	fx.Provide(NewPayPalProcessor),
	fx.Provide(NewGateway),
)
