package preorder

import "go.uber.org/fx"

// Module exposes the preorder orchestrator via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
