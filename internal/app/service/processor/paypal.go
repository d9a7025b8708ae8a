package processor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing/internal/platform/paypal"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

// PayPalProcessor settles native PayPal wallets through the Orders v2 API.
type PayPalProcessor struct {
	cli *paypal.Client
}

func NewPayPalProcessor(cfg *config.Config) *PayPalProcessor {
	return &PayPalProcessor{cli: paypal.NewClient(cfg.PayPal)}
}

func (p *PayPalProcessor) ID() types.ProcessorID { return types.ProcessorPayPal }

func paypalAmount(cents int64, currency string) paypal.Money {
	return paypal.Money{
		CurrencyCode: currency,
		Value:        decimal.New(cents, -2).StringFixed(2),
	}
}

func paypalCents(m *paypal.Money) int64 {
	if m == nil {
		return 0
	}
	d, err := decimal.NewFromString(m.Value)
	if err != nil {
		return 0
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func (p *PayPalProcessor) createOrder(ctx context.Context, req ChargeRequest, intent string) (*paypal.Order, error) {
	r := paypal.CreateOrderRequest{
		Intent:              intent,
		Amount:              paypalAmount(req.AmountCents, req.Currency),
		RequestID:           req.IdempotencyKey,
		VaultID:             req.Instrument.Token,
		StatementDescriptor: req.StatementDescriptor,
	}
	if req.MerchantAccount.SellerOwned() {
		r.MerchantID = req.MerchantAccount.ID
	}
	order, err := p.cli.CreateOrder(ctx, r)
	if err != nil {
		return nil, mapPayPalError(err)
	}
	return order, nil
}

func (p *PayPalProcessor) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	order, err := p.createOrder(ctx, req, "CAPTURE")
	if err != nil {
		return nil, err
	}
	if order.Status != "COMPLETED" {
		order, err = p.cli.CaptureOrder(ctx, order.ID, req.IdempotencyKey+":capture")
		if err != nil {
			return nil, mapPayPalError(err)
		}
	}
	capture := order.FirstCapture()
	if capture == nil || (capture.Status != "COMPLETED" && capture.Status != "PENDING") {
		return nil, types.NewCardDeclined(types.DeclineGeneric, "", fmt.Errorf("paypal order %s not captured", order.ID))
	}
	return paypalResult(order, capture), nil
}

func (p *PayPalProcessor) Authorize(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	order, err := p.createOrder(ctx, req, "AUTHORIZE")
	if err != nil {
		return nil, err
	}
	if order.FirstAuthorization() == nil {
		order, err = p.cli.AuthorizeOrder(ctx, order.ID, req.IdempotencyKey+":authorize")
		if err != nil {
			return nil, mapPayPalError(err)
		}
	}
	auth := order.FirstAuthorization()
	if auth == nil || auth.Status != "CREATED" {
		return nil, types.NewCardDeclined(types.DeclineGeneric, "", fmt.Errorf("paypal order %s not authorized", order.ID))
	}
	res := paypalResult(order, nil)
	res.TransactionRef = auth.ID
	res.Captured = false
	return res, nil
}

func (p *PayPalProcessor) Capture(ctx context.Context, transactionRef string, req ChargeRequest) (*ChargeResult, error) {
	capture, err := p.cli.CaptureAuthorization(ctx, transactionRef, req.IdempotencyKey+":capture")
	if err != nil {
		return nil, mapPayPalError(err)
	}
	if capture.Status != "COMPLETED" && capture.Status != "PENDING" {
		return nil, types.NewCardDeclined(types.DeclineGeneric, "", fmt.Errorf("paypal authorization %s not captured", transactionRef))
	}
	res := &ChargeResult{TransactionRef: capture.ID, Captured: true}
	if capture.SellerReceivableBreakdown != nil {
		res.FeeCents = paypalCents(capture.SellerReceivableBreakdown.PayPalFee)
	}
	return res, nil
}

// FindByKey re-POSTs the order create with the original request id.
// PayPal returns the existing order for a replayed PayPal-Request-Id, so
// this is a lookup, not a new charge; an order with no captures has
// moved no money.
func (p *PayPalProcessor) FindByKey(ctx context.Context, key string) (*ChargeResult, error) {
	order, err := p.cli.CreateOrder(ctx, paypal.CreateOrderRequest{
		Intent:    "CAPTURE",
		RequestID: key,
		// amount is required by the API but ignored on replay
		Amount: paypalAmount(0, "USD"),
	})
	if err != nil {
		return nil, mapPayPalError(err)
	}
	if capture := order.FirstCapture(); capture != nil && capture.Status == "COMPLETED" {
		return paypalResult(order, capture), nil
	}
	if auth := order.FirstAuthorization(); auth != nil && auth.Status == "CREATED" {
		res := paypalResult(order, nil)
		res.TransactionRef = auth.ID
		return res, nil
	}
	return nil, nil
}

func (p *PayPalProcessor) Void(ctx context.Context, transactionRef string) error {
	if err := p.cli.VoidAuthorization(ctx, transactionRef); err != nil {
		return mapPayPalError(err)
	}
	return nil
}

func (p *PayPalProcessor) Refund(ctx context.Context, transactionRef string, key string) error {
	if _, err := p.cli.RefundCapture(ctx, transactionRef, key+":refund"); err != nil {
		return mapPayPalError(err)
	}
	return nil
}

func paypalResult(order *paypal.Order, capture *paypal.Capture) *ChargeResult {
	res := &ChargeResult{TransactionRef: order.ID, Captured: capture != nil}
	if capture != nil {
		res.TransactionRef = capture.ID
		if capture.SellerReceivableBreakdown != nil {
			res.FeeCents = paypalCents(capture.SellerReceivableBreakdown.PayPalFee)
		}
	}
	if order.Payer != nil {
		res.CardCountry = order.Payer.CountryCode
	}
	return res
}

func mapPayPalError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewProcessorUnavailable(err)
	}

	var apiErr *paypal.APIError
	if !errors.As(err, &apiErr) {
		return types.NewProcessorUnavailable(err)
	}

	switch {
	case apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
		return types.NewProcessorUnavailable(err)
	case apiErr.Name == "INSTRUMENT_DECLINED" || apiErr.Name == "PAYER_ACTION_REQUIRED":
		return types.NewCardDeclined(types.DeclineGeneric, apiErr.Message, err)
	case apiErr.StatusCode == 422 || apiErr.StatusCode == 403:
		return types.NewProcessorRejected(apiErr.Message, err)
	default:
		return types.NewProcessorRejected(apiErr.Message, err)
	}
}
