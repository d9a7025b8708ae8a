package processor

import (
	"errors"
	"testing"

	"github.com/braintree-go/braintree-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing/pkg/types"
)

func TestBraintreeOutcome(t *testing.T) {
	t.Run("authorized hold", func(t *testing.T) {
		tx := &braintree.Transaction{Id: "bt_1", Status: braintree.TransactionStatusAuthorized}

		res, err := braintreeOutcome(tx, false)

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, "bt_1", res.TransactionRef)
		assert.False(t, res.Captured)
	})

	t.Run("settled charge", func(t *testing.T) {
		tx := &braintree.Transaction{Id: "bt_2", Status: braintree.TransactionStatusSubmittedForSettlement}

		res, err := braintreeOutcome(tx, true)

		require.NoError(t, err)
		require.NotNil(t, res)
		assert.True(t, res.Captured)
	})

	t.Run("insufficient funds decline", func(t *testing.T) {
		tx := &braintree.Transaction{
			Id:                    "bt_3",
			Status:                braintree.TransactionStatusProcessorDeclined,
			ProcessorResponseCode: 2001,
			ProcessorResponseText: "Insufficient Funds",
		}

		_, err := braintreeOutcome(tx, true)

		var ce *types.ChargeError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, types.FailureCardDeclined, ce.Code)
		assert.Equal(t, types.DeclineInsufficientFunds, ce.Reason)
	})

	t.Run("cvc decline", func(t *testing.T) {
		tx := &braintree.Transaction{
			Id:                    "bt_4",
			Status:                braintree.TransactionStatusProcessorDeclined,
			ProcessorResponseCode: 2010,
		}

		_, err := braintreeOutcome(tx, true)

		var ce *types.ChargeError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, types.DeclineIncorrectCVC, ce.Reason)
	})

	t.Run("gateway rejected", func(t *testing.T) {
		tx := &braintree.Transaction{Id: "bt_5", Status: braintree.TransactionStatusGatewayRejected}

		_, err := braintreeOutcome(tx, true)

		var ce *types.ChargeError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, types.FailureProcessorRejected, ce.Code)
	})
}

func TestMapBraintreeError_DefaultsToUnavailable(t *testing.T) {
	err := mapBraintreeError(errors.New("dial tcp: connection refused"))

	var ce *types.ChargeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, types.FailureProcessorUnavailable, ce.Code)
	assert.True(t, ce.Retryable())
}
