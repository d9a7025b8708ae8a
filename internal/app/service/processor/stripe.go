package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

// StripeProcessor settles card charges through Stripe PaymentIntents.
type StripeProcessor struct {
	api *client.API
}

func NewStripeProcessor(cfg *config.Config) *StripeProcessor {
	return &StripeProcessor{api: client.New(cfg.Stripe.APIKey, nil)}
}

func (s *StripeProcessor) ID() types.ProcessorID { return types.ProcessorStripe }

func (s *StripeProcessor) intentParams(req ChargeRequest, capture bool) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(req.Instrument.Token),
		Confirm:       stripe.Bool(true),
		// stored instruments are charged without the buyer present
		OffSession: stripe.Bool(true),
	}
	if !capture {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if req.StatementDescriptor != "" {
		params.StatementDescriptorSuffix = stripe.String(req.StatementDescriptor)
	}
	if req.MerchantAccount.SellerOwned() {
		params.SetStripeAccount(req.MerchantAccount.ID)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("purchase_id", req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_charge")
	params.AddExpand("latest_charge.balance_transaction")
	return params
}

func (s *StripeProcessor) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := s.intentParams(req, true)
	params.Context = ctx
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, types.NewCardDeclined(types.DeclineGeneric, "", fmt.Errorf("stripe intent status %s", pi.Status))
	}
	return stripeResult(pi, true), nil
}

func (s *StripeProcessor) Authorize(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := s.intentParams(req, false)
	params.Context = ctx
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return nil, types.NewCardDeclined(types.DeclineGeneric, "", fmt.Errorf("stripe intent status %s", pi.Status))
	}
	return stripeResult(pi, false), nil
}

func (s *StripeProcessor) Capture(ctx context.Context, transactionRef string, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey + ":capture")
	params.AddExpand("latest_charge")
	params.AddExpand("latest_charge.balance_transaction")
	if req.MerchantAccount.SellerOwned() {
		params.SetStripeAccount(req.MerchantAccount.ID)
	}
	pi, err := s.api.PaymentIntents.Capture(transactionRef, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, types.NewCardDeclined(types.DeclineGeneric, "", fmt.Errorf("stripe capture status %s", pi.Status))
	}
	return stripeResult(pi, true), nil
}

func (s *StripeProcessor) FindByKey(ctx context.Context, key string) (*ChargeResult, error) {
	params := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['purchase_id']:'%s'", key),
			Context: ctx,
		},
	}
	iter := s.api.PaymentIntents.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded:
			return stripeResult(pi, true), nil
		case stripe.PaymentIntentStatusRequiresCapture:
			return stripeResult(pi, false), nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, mapStripeError(err)
	}
	return nil, nil
}

func (s *StripeProcessor) Void(ctx context.Context, transactionRef string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(transactionRef, params); err != nil {
		return mapStripeError(err)
	}
	return nil
}

func (s *StripeProcessor) Refund(ctx context.Context, transactionRef string, key string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(transactionRef)}
	params.Context = ctx
	params.SetIdempotencyKey(key + ":refund")
	if _, err := s.api.Refunds.New(params); err != nil {
		return mapStripeError(err)
	}
	return nil
}

func stripeResult(pi *stripe.PaymentIntent, captured bool) *ChargeResult {
	res := &ChargeResult{TransactionRef: pi.ID, Captured: captured}
	if ch := pi.LatestCharge; ch != nil {
		if ch.BalanceTransaction != nil {
			res.FeeCents = ch.BalanceTransaction.Fee
		}
		if ch.PaymentMethodDetails != nil && ch.PaymentMethodDetails.Card != nil {
			res.Fingerprint = ch.PaymentMethodDetails.Card.Fingerprint
			res.CardCountry = ch.PaymentMethodDetails.Card.Country
		}
	}
	return res
}

// mapStripeError normalizes Stripe SDK errors into the closed taxonomy.
func mapStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// transport-level failure, safe to retry under the same key
		return types.NewProcessorUnavailable(err)
	}

	if se.Code == stripe.ErrorCodeRateLimit {
		return types.NewProcessorUnavailable(err)
	}

	switch se.Type {
	case stripe.ErrorTypeAPI:
		return types.NewProcessorUnavailable(err)
	case stripe.ErrorTypeCard:
		reason := types.DeclineGeneric
		switch {
		case se.DeclineCode == "insufficient_funds":
			reason = types.DeclineInsufficientFunds
		case se.Code == stripe.ErrorCodeIncorrectCVC:
			reason = types.DeclineIncorrectCVC
		}
		return types.NewCardDeclined(reason, se.Msg, err)
	case stripe.ErrorTypeIdempotency:
		return types.NewInternalFault(err)
	default:
		return types.NewProcessorRejected(se.Msg, err)
	}
}
