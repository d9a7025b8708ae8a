package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/types"
)

type fakeProcessor struct {
	id       types.ProcessorID
	chargeFn func(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	findFn   func(ctx context.Context, key string) (*ChargeResult, error)
}

func (f *fakeProcessor) ID() types.ProcessorID { return f.id }

func (f *fakeProcessor) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return f.chargeFn(ctx, req)
}

func (f *fakeProcessor) Authorize(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return f.chargeFn(ctx, req)
}

func (f *fakeProcessor) Capture(ctx context.Context, _ string, req ChargeRequest) (*ChargeResult, error) {
	return f.chargeFn(ctx, req)
}

func (f *fakeProcessor) FindByKey(ctx context.Context, key string) (*ChargeResult, error) {
	if f.findFn != nil {
		return f.findFn(ctx, key)
	}
	return nil, nil
}

func (f *fakeProcessor) Void(context.Context, string) error            { return nil }
func (f *fakeProcessor) Refund(context.Context, string, string) error { return nil }

func testGateway(timeout time.Duration, procs ...ChargeProcessor) *Gateway {
	g := &Gateway{
		log:        zap.NewNop().Sugar(),
		timeout:    timeout,
		processors: map[types.ProcessorID]ChargeProcessor{},
		ops:        metrics.ChargeOps(),
		dur:        metrics.ChargeDur(),
	}
	for _, p := range procs {
		g.processors[p.ID()] = p
	}
	return g
}

func cardRequest() ChargeRequest {
	return ChargeRequest{
		AmountCents: 1500,
		Currency:    "USD",
		Instrument: types.PaymentInstrument{
			Kind:      types.InstrumentCard,
			Processor: types.ProcessorStripe,
			Token:     "tok_test",
		},
		IdempotencyKey: "purchase-1",
	}
}

func TestGateway_RejectsInvalidRequests(t *testing.T) {
	g := testGateway(time.Second, &fakeProcessor{id: types.ProcessorStripe})

	tests := []struct {
		name   string
		mutate func(r *ChargeRequest)
	}{
		{"missing token", func(r *ChargeRequest) { r.Instrument.Token = "" }},
		{"missing idempotency key", func(r *ChargeRequest) { r.IdempotencyKey = "" }},
		{"card on paypal", func(r *ChargeRequest) { r.Instrument.Processor = types.ProcessorPayPal }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cardRequest()
			tt.mutate(&req)

			_, err := g.Charge(context.Background(), req)

			var ce *types.ChargeError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, types.FailureValidation, ce.Code)
			assert.False(t, ce.Retryable())
		})
	}
}

func TestGateway_TimeoutBecomesUnavailable(t *testing.T) {
	slow := &fakeProcessor{
		id: types.ProcessorStripe,
		chargeFn: func(ctx context.Context, _ ChargeRequest) (*ChargeResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	g := testGateway(10*time.Millisecond, slow)

	_, err := g.Charge(context.Background(), cardRequest())

	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.FailureProcessorUnavailable, ce.Code)
	assert.True(t, ce.Retryable())
}

func TestGateway_WrapsUnknownErrors(t *testing.T) {
	broken := &fakeProcessor{
		id: types.ProcessorStripe,
		chargeFn: func(context.Context, ChargeRequest) (*ChargeResult, error) {
			return nil, errors.New("boom")
		},
	}
	g := testGateway(time.Second, broken)

	_, err := g.Charge(context.Background(), cardRequest())

	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.FailureInternal, ce.Code)
}

func TestGateway_PassesThroughDeclines(t *testing.T) {
	declining := &fakeProcessor{
		id: types.ProcessorStripe,
		chargeFn: func(context.Context, ChargeRequest) (*ChargeResult, error) {
			return nil, types.NewCardDeclined(types.DeclineInsufficientFunds, "card has insufficient funds", nil)
		},
	}
	g := testGateway(time.Second, declining)

	_, err := g.Charge(context.Background(), cardRequest())

	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.FailureCardDeclined, ce.Code)
	assert.Equal(t, types.DeclineInsufficientFunds, ce.Reason)
	assert.False(t, ce.Retryable())
}

func TestGateway_FindByKey(t *testing.T) {
	found := &fakeProcessor{
		id: types.ProcessorStripe,
		findFn: func(_ context.Context, key string) (*ChargeResult, error) {
			require.Equal(t, "purchase-1", key)
			return &ChargeResult{TransactionRef: "pi_1", Captured: true}, nil
		},
	}
	g := testGateway(time.Second, found)

	res, err := g.FindByKey(context.Background(), types.ProcessorStripe, "purchase-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "pi_1", res.TransactionRef)

	_, err = g.FindByKey(context.Background(), types.ProcessorID("nope"), "purchase-1")
	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.FailureValidation, ce.Code)
}

func TestCompatibleInstrument(t *testing.T) {
	tests := []struct {
		kind types.InstrumentKind
		id   types.ProcessorID
		want bool
	}{
		{types.InstrumentCard, types.ProcessorStripe, true},
		{types.InstrumentCard, types.ProcessorBraintree, false},
		{types.InstrumentPayPalVault, types.ProcessorBraintree, true},
		{types.InstrumentPayPalVault, types.ProcessorPayPal, false},
		{types.InstrumentPayPalNative, types.ProcessorPayPal, true},
		{types.InstrumentPayPalNative, types.ProcessorStripe, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompatibleInstrument(tt.kind, tt.id), "%s on %s", tt.kind, tt.id)
	}
}
