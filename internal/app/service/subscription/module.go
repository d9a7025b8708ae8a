package subscription

import "go.uber.org/fx"

// Module exposes the subscription orchestrator and its billing
// scheduler via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
	fx.Invoke(runScheduler),
)
