package types

import (
	"errors"
	"fmt"
)

// FailureCode is the closed taxonomy every charge failure is normalized
// into. Processor bindings map SDK-specific errors at their boundary;
// callers above the gateway never see processor types.
type FailureCode string

const (
	FailureValidation           FailureCode = "validation_failed"
	FailureProcessorUnavailable FailureCode = "processor_unavailable"
	FailureCardDeclined         FailureCode = "card_declined"
	FailureProcessorRejected    FailureCode = "processor_rejected"
	FailureRateLookup           FailureCode = "tax_or_currency_resolution_failed"
	FailureInternal             FailureCode = "internal_fault"
)

// DeclineReason refines FailureCardDeclined.
type DeclineReason string

const (
	DeclineInsufficientFunds DeclineReason = "insufficient_funds"
	DeclineIncorrectCVC      DeclineReason = "incorrect_cvc"
	DeclineGeneric           DeclineReason = "generic_decline"
)

// ChargeError carries a normalized failure code plus the buyer-visible
// message. Wraps the underlying cause for logging.
type ChargeError struct {
	Code    FailureCode
	Reason  DeclineReason
	Message string
	Err     error
}

func (e *ChargeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChargeError) Unwrap() error { return e.Err }

// Retryable reports whether the same attempt may be re-issued without a
// new payment instrument. The idempotency key makes the retry safe.
func (e *ChargeError) Retryable() bool {
	return e.Code == FailureProcessorUnavailable || e.Code == FailureRateLookup
}

func NewValidationError(format string, args ...any) *ChargeError {
	return &ChargeError{Code: FailureValidation, Message: fmt.Sprintf(format, args...)}
}

func NewProcessorUnavailable(err error) *ChargeError {
	return &ChargeError{Code: FailureProcessorUnavailable, Message: "we could not reach the payment processor, please try again", Err: err}
}

func NewCardDeclined(reason DeclineReason, message string, err error) *ChargeError {
	if message == "" {
		message = "your card was declined"
	}
	return &ChargeError{Code: FailureCardDeclined, Reason: reason, Message: message, Err: err}
}

func NewProcessorRejected(message string, err error) *ChargeError {
	if message == "" {
		message = "the payment could not be accepted on this account"
	}
	return &ChargeError{Code: FailureProcessorRejected, Message: message, Err: err}
}

func NewRateLookupError(err error) *ChargeError {
	return &ChargeError{Code: FailureRateLookup, Message: "we could not price your purchase, please try again", Err: err}
}

func NewInternalFault(err error) *ChargeError {
	return &ChargeError{Code: FailureInternal, Message: "something went wrong, you have not been charged", Err: err}
}

// AsChargeError unwraps err into a *ChargeError; any other error is
// classified as an internal fault.
func AsChargeError(err error) *ChargeError {
	if err == nil {
		return nil
	}
	var ce *ChargeError
	if errors.As(err, &ce) {
		return ce
	}
	return NewInternalFault(err)
}
