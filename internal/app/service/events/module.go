package events

import "go.uber.org/fx"

// Module exposes the event outbox and its relay via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
	fx.Provide(func(p *LogPublisher) Publisher { return p }),
	fx.Provide(NewLogPublisher),
	fx.Provide(NewRelay),
	fx.Invoke(runRelay),
)
