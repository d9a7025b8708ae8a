package subscription

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/pkg/config"
)

// runScheduler ticks billing sweeps for the life of the process. Each
// sweep fans out per-subscription work; stopping the app cancels the
// sweep context and waits for in-flight cycles to settle.
func runScheduler(lc fx.Lifecycle, cfg *config.Config, svc *Service, log *zap.SugaredLogger) {
	interval := cfg.Billing.SchedulerInterval
	if interval <= 0 {
		interval = time.Minute
	}

	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, c := context.WithCancel(context.Background())
			cancel = c
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case now := <-ticker.C:
						if err := svc.BillDue(ctx, now); err != nil {
							log.Errorw("billing sweep failed", "err", err)
						}
					}
				}
			}()
			log.Infow("billing scheduler started", "interval", interval)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
