package purchase

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/currencies"
	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// loadOffer fetches and pre-checks a live offer code. Redemption (the
// counter increment) happens later, inside the begin transaction.
func (s *Service) loadOffer(ctx context.Context, req *Request) (*models.OfferCode, error) {
	if req.OfferCode == "" {
		return nil, nil
	}
	var oc models.OfferCode
	err := s.db.WithContext(ctx).
		Where("code = ? AND product_id = ?", req.OfferCode, req.Product.ID).
		First(&oc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewValidationError("offer code %q not found", req.OfferCode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load offer code %q: %w", req.OfferCode, err)
	}
	if oc.Exhausted() {
		return nil, types.NewValidationError("offer code %q has no uses left", req.OfferCode)
	}
	return &oc, nil
}

// price builds the unsaved purchase row: discount, currency conversion at
// a fresh rate, tax assessment, merchant account selection, and the
// frozen snapshots later charges replay.
func (s *Service) price(ctx context.Context, req *Request, offer *models.OfferCode) (*models.Purchase, error) {
	product := req.Product

	snapshot := req.FrozenOffer
	if offer != nil {
		snapshot = offer.Snapshot()
	}

	unit := snapshot.DiscountedCents(req.Product.PriceCents)
	nativeSubtotal := unit * int64(req.Quantity)

	priceCents, rate, err := s.currencies.Convert(ctx, nativeSubtotal, product.Currency)
	if err != nil {
		return nil, types.NewRateLookupError(err)
	}
	shippingCents := currencies.ConvertAtRate(product.ShippingCents*int64(req.Quantity), rate)

	sig := req.Location
	if sig.CardCountry == "" && req.Instrument != nil {
		sig.CardCountry = req.Instrument.Country
	}
	assessment, err := s.taxes.Assess(ctx, sig, product, priceCents)
	if err != nil {
		return nil, types.NewRateLookupError(err)
	}
	if !assessment.Inclusive {
		// exclusive tax is added on top; total stays price + shipping
		priceCents += assessment.AmountCents
	}

	if req.IsFreeTrial || req.IsGiftReceiver {
		// nothing to move; the displayed nominal price still freezes below
		priceCents, shippingCents = 0, 0
		assessment.AmountCents = 0
	}
	total := priceCents + shippingCents

	if total > 0 && (req.Instrument == nil || !req.Instrument.Valid()) {
		return nil, types.NewValidationError("a payment instrument is required")
	}

	terms := req.feeTerms()
	p := &models.Purchase{
		ID:        tool.GenerateUUIDV7(),
		ProductID: product.ID,
		VariantID: req.VariantID,
		SellerID:  product.SellerID,
		Quantity:  req.Quantity,

		PriceCents:            priceCents,
		DisplayedPriceCents:   nativeSubtotal,
		DisplayedCurrency:     product.Currency,
		TotalTransactionCents: total,
		TaxCents:              assessment.AmountCents,
		TaxInclusive:          assessment.Inclusive,
		ShippingCents:         shippingCents,

		TaxJurisdiction: assessment.Jurisdiction,
		IPAddress:       req.IPAddress,

		FlatFeeApplicable:    terms.FlatFeeApplicable,
		WasRecommended:       terms.Recommended,
		FrozenDiscoverFeeBPS: terms.DiscoverFeeBPS,

		IsOriginalSubscriptionPurchase: req.IsOriginalSubscriptionPurchase,
		IsRecurringCharge:              req.IsRecurring,
		IsPreorderAuthorization:        req.intent() == IntentAuthorize,
		IsGiftSender:                   req.IsGiftSender,
		IsGiftReceiver:                 req.IsGiftReceiver,
		IsFreeTrial:                    req.IsFreeTrial,
		IsTest:                         req.IsTest,
		IsBundleItem:                   req.IsBundleItem,
		IsAutomatic:                    req.IsAutomatic,

		State: types.PurchaseNotCharged,
	}

	if req.BuyerID != "" {
		buyer := req.BuyerID
		p.BuyerID = &buyer
	} else {
		email := req.Email
		p.Email = &email
	}
	if assessment.Elected {
		elected := assessment.Jurisdiction
		p.ElectedTaxJurisdiction = &elected
	}
	if offer != nil {
		id := offer.ID
		p.OfferCodeID = &id
	}
	if req.AffiliateID != "" && !s.cfg.Fees.ZeroFeeCountry(req.AffiliateCountry) {
		aff := req.AffiliateID
		p.AffiliateID = &aff
		p.AffiliateBPS = req.AffiliateBPS
	}
	if req.SubscriptionID != "" {
		sub := req.SubscriptionID
		p.SubscriptionID = &sub
	}
	if req.PreorderID != "" {
		pre := req.PreorderID
		p.PreorderID = &pre
	}
	if req.Instrument != nil {
		p.ProcessorID = req.Instrument.Processor
		p.CardCountry = req.Instrument.Country
	}

	ma := s.merchantAccount(req)
	p.MerchantAccountID = ma.ID
	p.MerchantAccountType = ma.Type
	p.MerchantAccountCountry = ma.Country

	p.Extra = datatypes.NewJSONType(&models.PurchaseExtra{
		ProductSnapshot:     product,
		OfferSnapshot:       snapshot,
		Instrument:          req.Instrument,
		StatementDescriptor: req.StatementDescriptor,
		ExchangeRate:        rate.String(),
		OperatorID:          req.OperatorID,
	})
	return p, nil
}
