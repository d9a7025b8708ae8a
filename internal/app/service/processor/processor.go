package processor

import (
	"context"

	"github.com/fatflowers/billing/pkg/types"
)

// ChargeRequest is the processor-agnostic charge input. IdempotencyKey is
// the purchase identifier: re-issuing the same request must never create
// a second processor-side charge.
type ChargeRequest struct {
	AmountCents int64
	Currency    string

	Instrument      types.PaymentInstrument
	IdempotencyKey  string
	MerchantAccount types.MerchantAccount

	StatementDescriptor string
	Metadata            map[string]string
}

// ChargeResult is what a successful processor call yields.
type ChargeResult struct {
	TransactionRef string
	// FeeCents is the processor's own fee when the backend reports it.
	FeeCents    int64
	Fingerprint string
	CardCountry string
	// Captured distinguishes a settled charge from a pending authorization.
	Captured bool
}

// ChargeProcessor is the uniform interface over heterogeneous backends.
// Implementations normalize every SDK error into *types.ChargeError at
// this boundary; callers never see processor-specific types.
type ChargeProcessor interface {
	ID() types.ProcessorID

	// Charge authorizes and settles in one step.
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// Authorize places a hold without settling (preorders).
	Authorize(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// Capture settles a previous authorization.
	Capture(ctx context.Context, transactionRef string, req ChargeRequest) (*ChargeResult, error)
	// FindByKey looks up a charge by idempotency key; (nil, nil) when the
	// processor has no completed charge for it. Used on crash recovery
	// before re-issuing a charge.
	FindByKey(ctx context.Context, key string) (*ChargeResult, error)
	// Void releases an uncaptured authorization.
	Void(ctx context.Context, transactionRef string) error
	// Refund returns a settled charge.
	Refund(ctx context.Context, transactionRef string, key string) error
}

// CompatibleInstrument reports whether an instrument family can settle on
// a processor.
func CompatibleInstrument(kind types.InstrumentKind, id types.ProcessorID) bool {
	switch kind {
	case types.InstrumentCard:
		return id == types.ProcessorStripe
	case types.InstrumentPayPalVault:
		return id == types.ProcessorBraintree
	case types.InstrumentPayPalNative:
		return id == types.ProcessorPayPal
	}
	return false
}
