package processor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"

	"github.com/fatflowers/billing/pkg/types"
)

func TestMapStripeError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   types.FailureCode
		wantReason types.DeclineReason
	}{
		{
			name:     "transport failure",
			err:      errors.New("connection reset"),
			wantCode: types.FailureProcessorUnavailable,
		},
		{
			name:     "rate limited",
			err:      &stripe.Error{Code: stripe.ErrorCodeRateLimit},
			wantCode: types.FailureProcessorUnavailable,
		},
		{
			name:     "stripe api down",
			err:      &stripe.Error{Type: stripe.ErrorTypeAPI},
			wantCode: types.FailureProcessorUnavailable,
		},
		{
			name:       "insufficient funds",
			err:        &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "insufficient_funds"},
			wantCode:   types.FailureCardDeclined,
			wantReason: types.DeclineInsufficientFunds,
		},
		{
			name:       "bad cvc",
			err:        &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeIncorrectCVC},
			wantCode:   types.FailureCardDeclined,
			wantReason: types.DeclineIncorrectCVC,
		},
		{
			name:       "other decline",
			err:        &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "do_not_honor"},
			wantCode:   types.FailureCardDeclined,
			wantReason: types.DeclineGeneric,
		},
		{
			name:     "idempotency misuse",
			err:      &stripe.Error{Type: stripe.ErrorTypeIdempotency},
			wantCode: types.FailureInternal,
		},
		{
			name:     "invalid request",
			err:      &stripe.Error{Type: stripe.ErrorTypeInvalidRequest},
			wantCode: types.FailureProcessorRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ce *types.ChargeError
			require.ErrorAs(t, mapStripeError(tt.err), &ce)
			assert.Equal(t, tt.wantCode, ce.Code)
			assert.Equal(t, tt.wantReason, ce.Reason)
		})
	}
}

func TestStripeResult_ExtractsChargeDetails(t *testing.T) {
	pi := &stripe.PaymentIntent{
		ID: "pi_123",
		LatestCharge: &stripe.Charge{
			BalanceTransaction: &stripe.BalanceTransaction{Fee: 59},
			PaymentMethodDetails: &stripe.ChargePaymentMethodDetails{
				Card: &stripe.ChargePaymentMethodDetailsCard{
					Fingerprint: "fp_abc",
					Country:     "DE",
				},
			},
		},
	}

	res := stripeResult(pi, true)

	assert.Equal(t, "pi_123", res.TransactionRef)
	assert.Equal(t, int64(59), res.FeeCents)
	assert.Equal(t, "fp_abc", res.Fingerprint)
	assert.Equal(t, "DE", res.CardCountry)
	assert.True(t, res.Captured)
}
