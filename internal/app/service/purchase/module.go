package purchase

import (
	"go.uber.org/fx"

	"github.com/fatflowers/billing/internal/app/service/processor"
)

// Module exposes the purchase state machine via Fx.
var Module = fx.Options(
	fx.Provide(func(g *processor.Gateway) ChargeGateway { return g }),
	fx.Provide(NewService),
)
