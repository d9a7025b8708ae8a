package processor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/braintree-go/braintree-go"

	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

// BraintreeProcessor settles vaulted PayPal wallets through Braintree.
type BraintreeProcessor struct {
	gateway *braintree.Braintree
}

func NewBraintreeProcessor(cfg *config.Config) *BraintreeProcessor {
	env := braintree.Sandbox
	if cfg.Braintree.Environment == "production" {
		env = braintree.Production
	}
	return &BraintreeProcessor{
		gateway: braintree.New(env, cfg.Braintree.MerchantID, cfg.Braintree.PublicKey, cfg.Braintree.PrivateKey),
	}
}

func (b *BraintreeProcessor) ID() types.ProcessorID { return types.ProcessorBraintree }

func (b *BraintreeProcessor) create(ctx context.Context, req ChargeRequest, settle bool) (*ChargeResult, error) {
	txReq := &braintree.TransactionRequest{
		Type:               "sale",
		Amount:             braintree.NewDecimal(req.AmountCents, 2),
		PaymentMethodToken: req.Instrument.Token,
		// Braintree has no idempotency header; the order id doubles as
		// the lookup key for recovery.
		OrderId: req.IdempotencyKey,
		Options: &braintree.TransactionOptions{SubmitForSettlement: settle},
	}
	if req.MerchantAccount.SellerOwned() {
		txReq.MerchantAccountId = req.MerchantAccount.ID
	}

	tx, err := b.gateway.Transaction().Create(ctx, txReq)
	if err != nil {
		return nil, mapBraintreeError(err)
	}
	if res, derr := braintreeOutcome(tx, settle); derr != nil {
		return nil, derr
	} else if res != nil {
		return res, nil
	}
	return nil, types.NewInternalFault(fmt.Errorf("braintree transaction %s in unexpected status %s", tx.Id, tx.Status))
}

func (b *BraintreeProcessor) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return b.create(ctx, req, true)
}

func (b *BraintreeProcessor) Authorize(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return b.create(ctx, req, false)
}

func (b *BraintreeProcessor) Capture(ctx context.Context, transactionRef string, req ChargeRequest) (*ChargeResult, error) {
	tx, err := b.gateway.Transaction().SubmitForSettlement(ctx, transactionRef, braintree.NewDecimal(req.AmountCents, 2))
	if err != nil {
		return nil, mapBraintreeError(err)
	}
	if res, derr := braintreeOutcome(tx, true); derr != nil {
		return nil, derr
	} else if res != nil {
		return res, nil
	}
	return nil, types.NewInternalFault(fmt.Errorf("braintree settlement %s in unexpected status %s", tx.Id, tx.Status))
}

func (b *BraintreeProcessor) FindByKey(ctx context.Context, key string) (*ChargeResult, error) {
	query := new(braintree.SearchQuery)
	query.AddTextField("order-id").Is = key

	result, err := b.gateway.Transaction().Search(ctx, query)
	if err != nil {
		return nil, mapBraintreeError(err)
	}
	for _, tx := range result.Transactions {
		switch tx.Status {
		case braintree.TransactionStatusAuthorized:
			if res, _ := braintreeOutcome(tx, false); res != nil {
				return res, nil
			}
		case braintree.TransactionStatusSubmittedForSettlement,
			braintree.TransactionStatusSettling,
			braintree.TransactionStatusSettled:
			if res, _ := braintreeOutcome(tx, true); res != nil {
				return res, nil
			}
		}
	}
	return nil, nil
}

func (b *BraintreeProcessor) Void(ctx context.Context, transactionRef string) error {
	if _, err := b.gateway.Transaction().Void(ctx, transactionRef); err != nil {
		return mapBraintreeError(err)
	}
	return nil
}

func (b *BraintreeProcessor) Refund(ctx context.Context, transactionRef string, _ string) error {
	if _, err := b.gateway.Transaction().Refund(ctx, transactionRef); err != nil {
		return mapBraintreeError(err)
	}
	return nil
}

// braintreeOutcome classifies a returned transaction. Declines come back
// with a nil SDK error and a declined status.
func braintreeOutcome(tx *braintree.Transaction, settle bool) (*ChargeResult, error) {
	switch tx.Status {
	case braintree.TransactionStatusProcessorDeclined:
		reason := types.DeclineGeneric
		switch int(tx.ProcessorResponseCode) {
		case 2001:
			reason = types.DeclineInsufficientFunds
		case 2010:
			reason = types.DeclineIncorrectCVC
		}
		return nil, types.NewCardDeclined(reason, tx.ProcessorResponseText, fmt.Errorf("braintree decline %d", tx.ProcessorResponseCode))
	case braintree.TransactionStatusGatewayRejected:
		return nil, types.NewProcessorRejected(tx.ProcessorResponseText, fmt.Errorf("braintree gateway rejected %s", tx.Id))
	}

	captured := tx.Status != braintree.TransactionStatusAuthorized
	if settle && !captured {
		return nil, nil
	}
	res := &ChargeResult{TransactionRef: tx.Id, Captured: captured}
	if tx.PayPalDetails != nil {
		res.Fingerprint = tx.PayPalDetails.PayerEmail
	}
	if tx.CreditCard != nil {
		res.Fingerprint = tx.CreditCard.UniqueNumberIdentifier
		res.CardCountry = tx.CreditCard.CountryOfIssuance
	}
	return res, nil
}

func mapBraintreeError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewProcessorUnavailable(err)
	}
	var apiErr *braintree.BraintreeError
	if errors.As(err, &apiErr) {
		return types.NewProcessorRejected(apiErr.Error(), err)
	}
	return types.NewProcessorUnavailable(err)
}
