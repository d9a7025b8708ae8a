package events

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	models "github.com/fatflowers/billing/internal/models"
)

// Publisher delivers one outbox event to the outside world. Returning
// an error leaves the event pending; the relay will pick it up again
// on the next sweep.
type Publisher interface {
	Publish(ctx context.Context, ev *models.OutboxEvent) error
}

// LogPublisher is the dev fallback: it writes events to the log and
// calls that delivered.
type LogPublisher struct {
	log *zap.SugaredLogger
}

func NewLogPublisher(log *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev *models.OutboxEvent) error {
	p.log.Infow("event published",
		"name", ev.Name,
		"entity_id", ev.EntityID,
		"payload", map[string]any(ev.Payload),
	)
	return nil
}

// Relay drains the outbox in enqueue order. Delivery is at-least-once:
// a crash between Publish and MarkPublished re-delivers on restart, so
// consumers must dedupe on event ID.
type Relay struct {
	svc *Service
	pub Publisher
	log *zap.SugaredLogger
}

const relayBatchSize = 100

func NewRelay(svc *Service, pub Publisher, log *zap.SugaredLogger) *Relay {
	return &Relay{svc: svc, pub: pub, log: log}
}

// Sweep publishes one batch of pending events and returns how many were
// delivered. A publish failure stops the batch so ordering per sweep is
// preserved.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	evs, err := r.svc.Pending(ctx, relayBatchSize)
	if err != nil {
		return 0, err
	}
	var done []string
	for _, ev := range evs {
		if err := r.pub.Publish(ctx, ev); err != nil {
			r.log.Warnw("event publish failed, will retry", "event_id", ev.ID, "name", ev.Name, "err", err)
			break
		}
		done = append(done, ev.ID)
	}
	if err := r.svc.MarkPublished(ctx, done); err != nil {
		return 0, err
	}
	return len(done), nil
}

func runRelay(lc fx.Lifecycle, relay *Relay, log *zap.SugaredLogger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(5 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if _, err := relay.Sweep(ctx); err != nil && ctx.Err() == nil {
							log.Errorw("outbox sweep failed", "err", err)
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
