package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/purchase"
	"github.com/fatflowers/billing/internal/app/service/taxes"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

// CheckoutRequest is one buyer-initiated charge attempt. The caller
// (storefront backend) supplies the live product snapshot; this service
// does not own the catalog.
type CheckoutRequest struct {
	Product   *types.ProductInfo `json:"product" binding:"required"`
	VariantID string             `json:"variant_id"`
	Quantity  int                `json:"quantity"`

	BuyerID string `json:"buyer_id"`
	Email   string `json:"email"`

	Instrument *types.PaymentInstrument `json:"instrument"`
	Location   taxes.LocationSignals    `json:"location"`

	OfferCode        string `json:"offer_code"`
	AffiliateID      string `json:"affiliate_id"`
	AffiliateBPS     int64  `json:"affiliate_bps"`
	AffiliateCountry string `json:"affiliate_country"`

	Recommended         bool   `json:"recommended"`
	StatementDescriptor string `json:"statement_descriptor"`

	IsGiftSender bool `json:"is_gift_sender"`
	IsTest       bool `json:"is_test"`
}

func (r *CheckoutRequest) toServiceRequest(c *gin.Context) *purchase.Request {
	return &purchase.Request{
		Product:             r.Product,
		VariantID:           r.VariantID,
		Quantity:            r.Quantity,
		BuyerID:             r.BuyerID,
		Email:               r.Email,
		IPAddress:           c.ClientIP(),
		Instrument:          r.Instrument,
		Location:            r.Location,
		OfferCode:           r.OfferCode,
		AffiliateID:         r.AffiliateID,
		AffiliateBPS:        r.AffiliateBPS,
		AffiliateCountry:    r.AffiliateCountry,
		Recommended:         r.Recommended,
		StatementDescriptor: r.StatementDescriptor,
		IsGiftSender:        r.IsGiftSender,
		IsTest:              r.IsTest,
	}
}

// PurchaseItem is the API projection of a purchase row.
type PurchaseItem struct {
	ID                    string              `json:"id"`
	ProductID             string              `json:"product_id"`
	VariantID             string              `json:"variant_id,omitempty"`
	SellerID              string              `json:"seller_id"`
	BuyerID               *string             `json:"buyer_id,omitempty"`
	Email                 *string             `json:"email,omitempty"`
	Quantity              int                 `json:"quantity"`
	State                 types.PurchaseState `json:"state"`
	PriceCents            int64               `json:"price_cents"`
	DisplayedPriceCents   int64               `json:"displayed_price_cents"`
	DisplayedCurrency     string              `json:"displayed_currency"`
	TotalTransactionCents int64               `json:"total_transaction_cents"`
	FeeCents              int64               `json:"fee_cents"`
	TaxCents              int64               `json:"tax_cents"`
	TaxInclusive          bool                `json:"tax_inclusive"`
	ShippingCents         int64               `json:"shipping_cents"`
	ProcessorID           types.ProcessorID   `json:"processor_id,omitempty"`
	SubscriptionID        *string             `json:"subscription_id,omitempty"`
	PreorderID            *string             `json:"preorder_id,omitempty"`
	ErrorCode             *string             `json:"error_code,omitempty"`
	ErrorMessage          *string             `json:"error_message,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	SucceededAt           *time.Time          `json:"succeeded_at,omitempty"`
	RefundedAt            *time.Time          `json:"refunded_at,omitempty"`
}

func toPurchaseItem(p *models.Purchase) *PurchaseItem {
	if p == nil {
		return nil
	}
	return &PurchaseItem{
		ID:                    p.ID,
		ProductID:             p.ProductID,
		VariantID:             p.VariantID,
		SellerID:              p.SellerID,
		BuyerID:               p.BuyerID,
		Email:                 p.Email,
		Quantity:              p.Quantity,
		State:                 p.State,
		PriceCents:            p.PriceCents,
		DisplayedPriceCents:   p.DisplayedPriceCents,
		DisplayedCurrency:     p.DisplayedCurrency,
		TotalTransactionCents: p.TotalTransactionCents,
		FeeCents:              p.FeeCents,
		TaxCents:              p.TaxCents,
		TaxInclusive:          p.TaxInclusive,
		ShippingCents:         p.ShippingCents,
		ProcessorID:           p.ProcessorID,
		SubscriptionID:        p.SubscriptionID,
		PreorderID:            p.PreorderID,
		ErrorCode:             p.ErrorCode,
		ErrorMessage:          p.ErrorMessage,
		CreatedAt:             p.CreatedAt,
		SucceededAt:           p.SucceededAt,
		RefundedAt:            p.RefundedAt,
	}
}

// CheckoutResponse reports the attempt outcome. A declined or parked
// attempt still carries its purchase so the caller can surface the id
// (and retry parked attempts).
type CheckoutResponse struct {
	Purchase     *PurchaseItem `json:"purchase,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Retryable    bool          `json:"retryable,omitempty"`
}

func chargeErrorParts(err error) (code, message string) {
	if ce := types.AsChargeError(err); ce != nil {
		return string(ce.Code), ce.Message
	}
	return "internal", err.Error()
}

func chargeOutcome(c *gin.Context, p *models.Purchase, err error) {
	if err == nil {
		c.JSON(http.StatusOK, response.OKT(&CheckoutResponse{Purchase: toPurchaseItem(p)}))
		return
	}
	ce := types.AsChargeError(err)
	if ce == nil {
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
		return
	}
	if ce.Code == types.FailureValidation {
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, ce.Message))
		return
	}
	// The charge ran and failed (or got parked); the attempt itself is a
	// resource, so the envelope is OK while the payload carries the failure.
	c.JSON(http.StatusOK, response.OKT(&CheckoutResponse{
		Purchase:     toPurchaseItem(p),
		ErrorCode:    string(ce.Code),
		ErrorMessage: ce.Message,
		Retryable:    ce.Retryable(),
	}))
}

// @Summary      Checkout
// @Description  Executes one charge attempt for a product.
// @Tags         Checkout
// @Accept       json
// @Produce      json
// @Param        request body CheckoutRequest true "Checkout request"
// @Success      200  {object}  response.APIResponse[CheckoutResponse]
// @Router       /api/v1/checkout [post]
func ApiCheckout(svc *purchase.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		p, err := svc.Execute(c.Request.Context(), req.toServiceRequest(c))
		chargeOutcome(c, p, err)
	}
}

// @Summary      Retry a parked purchase
// @Description  Re-runs a purchase parked after a transient processor failure, under its original idempotency key.
// @Tags         Checkout
// @Accept       json
// @Produce      json
// @Success      200  {object}  response.APIResponse[CheckoutResponse]
// @Router       /api/v1/purchases/{id}/retry [post]
func ApiRetryPurchase(svc *purchase.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing purchase id"))
			return
		}
		p, err := svc.Retry(c.Request.Context(), id)
		chargeOutcome(c, p, err)
	}
}

// @Summary      Get purchase
// @Tags         Checkout
// @Produce      json
// @Success      200  {object}  response.APIResponse[PurchaseItem]
// @Router       /api/v1/purchases/{id} [get]
func ApiGetPurchase(svc *purchase.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(toPurchaseItem(p)))
	}
}

func RegisterCheckoutRoutes(r gin.IRouter, svc *purchase.Service) {
	r.POST("/checkout", ApiCheckout(svc))
	r.GET("/purchases/:id", ApiGetPurchase(svc))
	r.POST("/purchases/:id/retry", ApiRetryPurchase(svc))
}
