package processor

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/types"
)

// Gateway fronts the individual processor bindings. Every call runs under
// a bounded deadline; a processor that exceeds it is reported as
// unavailable, which callers treat as retryable.
type Gateway struct {
	log        *zap.SugaredLogger
	timeout    time.Duration
	processors map[types.ProcessorID]ChargeProcessor

	ops *prometheus.CounterVec
	dur *prometheus.HistogramVec
}

func NewGateway(cfg *config.Config, log *zap.SugaredLogger, stripe *StripeProcessor, braintree *BraintreeProcessor, paypal *PayPalProcessor) *Gateway {
	g := &Gateway{
		log:        log,
		timeout:    cfg.Billing.ChargeTimeout,
		processors: map[types.ProcessorID]ChargeProcessor{},
		ops:        metrics.ChargeOps(),
		dur:        metrics.ChargeDur(),
	}
	for _, p := range []ChargeProcessor{stripe, braintree, paypal} {
		g.processors[p.ID()] = p
	}
	return g
}

func (g *Gateway) processor(id types.ProcessorID) (ChargeProcessor, error) {
	p, ok := g.processors[id]
	if !ok {
		return nil, types.NewValidationError("unknown processor %q", id)
	}
	return p, nil
}

func (g *Gateway) resolve(req ChargeRequest) (ChargeProcessor, error) {
	if !req.Instrument.Valid() {
		return nil, types.NewValidationError("payment instrument is incomplete")
	}
	if !CompatibleInstrument(req.Instrument.Kind, req.Instrument.Processor) {
		return nil, types.NewValidationError(
			"instrument kind %q cannot settle on processor %q", req.Instrument.Kind, req.Instrument.Processor)
	}
	if req.IdempotencyKey == "" {
		return nil, types.NewValidationError("idempotency key is required")
	}
	return g.processor(req.Instrument.Processor)
}

// call runs one processor operation under the gateway deadline and
// normalizes timeouts into processor_unavailable.
func (g *Gateway) call(ctx context.Context, id types.ProcessorID, op string, fn func(ctx context.Context) (*ChargeResult, error)) (*ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	res, err := fn(ctx)
	g.dur.WithLabelValues(string(id), op).Observe(metrics.MillisecondsSince(start))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = types.NewProcessorUnavailable(err)
		}
		chargeErr := types.AsChargeError(err)
		g.ops.WithLabelValues(string(id), op, string(chargeErr.Code)).Inc()
		g.log.Warnw("processor call failed",
			"processor", id, "op", op, "code", chargeErr.Code, "err", err)
		return nil, chargeErr
	}
	g.ops.WithLabelValues(string(id), op, "ok").Inc()
	return res, nil
}

// Charge authorizes and settles in one step on the instrument's processor.
func (g *Gateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	p, err := g.resolve(req)
	if err != nil {
		return nil, err
	}
	return g.call(ctx, p.ID(), "charge", func(ctx context.Context) (*ChargeResult, error) {
		return p.Charge(ctx, req)
	})
}

// Authorize places a hold without settling.
func (g *Gateway) Authorize(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	p, err := g.resolve(req)
	if err != nil {
		return nil, err
	}
	return g.call(ctx, p.ID(), "authorize", func(ctx context.Context) (*ChargeResult, error) {
		return p.Authorize(ctx, req)
	})
}

// Capture settles a previously placed authorization.
func (g *Gateway) Capture(ctx context.Context, transactionRef string, req ChargeRequest) (*ChargeResult, error) {
	p, err := g.resolve(req)
	if err != nil {
		return nil, err
	}
	return g.call(ctx, p.ID(), "capture", func(ctx context.Context) (*ChargeResult, error) {
		return p.Capture(ctx, transactionRef, req)
	})
}

// FindByKey asks a processor whether a charge already exists for an
// idempotency key. (nil, nil) means no money moved.
func (g *Gateway) FindByKey(ctx context.Context, id types.ProcessorID, key string) (*ChargeResult, error) {
	p, err := g.processor(id)
	if err != nil {
		return nil, err
	}
	return g.call(ctx, id, "find", func(ctx context.Context) (*ChargeResult, error) {
		return p.FindByKey(ctx, key)
	})
}

// Void releases an uncaptured authorization.
func (g *Gateway) Void(ctx context.Context, id types.ProcessorID, transactionRef string) error {
	p, err := g.processor(id)
	if err != nil {
		return err
	}
	_, err = g.call(ctx, id, "void", func(ctx context.Context) (*ChargeResult, error) {
		return nil, p.Void(ctx, transactionRef)
	})
	return err
}

// Refund returns a settled charge to the buyer.
func (g *Gateway) Refund(ctx context.Context, id types.ProcessorID, transactionRef string, key string) error {
	p, err := g.processor(id)
	if err != nil {
		return err
	}
	_, err = g.call(ctx, id, "refund", func(ctx context.Context) (*ChargeResult, error) {
		return nil, p.Refund(ctx, transactionRef, key)
	})
	return err
}
