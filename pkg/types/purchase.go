package types

// PurchaseState is the purchase lifecycle state.
type PurchaseState string

const (
	PurchaseNotCharged           PurchaseState = "not_charged"
	PurchaseInProgress           PurchaseState = "in_progress"
	PurchaseSuccessful           PurchaseState = "successful"
	PurchaseFailed               PurchaseState = "failed"
	PurchaseGiftReceiverSuccess  PurchaseState = "gift_receiver_purchase_successful"
	PurchasePreorderAuthSuccess  PurchaseState = "preorder_authorization_successful"
	PurchasePreorderAuthFailed   PurchaseState = "preorder_authorization_failed"
	PurchaseTestSuccessful       PurchaseState = "test_successful"
)

// Terminal reports whether no further transition may leave the state.
// preorder_authorization_successful is not terminal: the eventual capture
// concludes it.
func (s PurchaseState) Terminal() bool {
	switch s {
	case PurchaseSuccessful, PurchaseFailed, PurchaseGiftReceiverSuccess,
		PurchaseTestSuccessful, PurchasePreorderAuthFailed:
		return true
	}
	return false
}

// ProductType drives the double-charge protection window: physical and
// license-key products get the short window because legitimate quick
// re-attempts after a decline are common there.
type ProductType string

const (
	ProductDigital    ProductType = "digital"
	ProductPhysical   ProductType = "physical"
	ProductLicenseKey ProductType = "license_key"
	ProductMembership ProductType = "membership"
)

// ProductInfo is the catalog snapshot the checkout caller hands to the
// engine. The catalog itself is an external collaborator; the engine only
// reads what pricing and fee policy need.
type ProductInfo struct {
	ID       string      `json:"id"`
	SellerID string      `json:"seller_id"`
	Type     ProductType `json:"type"`
	// PriceCents is the product-native-currency unit price.
	PriceCents    int64  `json:"price_cents"`
	Currency      string `json:"currency"`
	ShippingCents int64  `json:"shipping_cents"`
	// QuantityEnabled SKUs bypass the duplicate-charge window across
	// differing quantities.
	QuantityEnabled bool `json:"quantity_enabled"`
	Purchasable     bool `json:"purchasable"`
	// TaxInclusive marks jurisdictions/products whose displayed price
	// already embeds sales tax.
	TaxCategory string `json:"tax_category,omitempty"`
	// ShippingCountries limits physical delivery; empty means unrestricted.
	ShippingCountries []string `json:"shipping_countries,omitempty"`
	// DiscoverCommissionBPS is the live discover commission configuration.
	// Recurring charges must use the rate frozen into the original
	// purchase instead of this value.
	DiscoverCommissionBPS int64 `json:"discover_commission_bps"`
	// SellerFlatFee is the seller-cohort flat-fee flag.
	SellerFlatFee bool `json:"seller_flat_fee"`
	// SellerFeeWaiverBPS is any platform-fee waiver the seller qualifies for.
	SellerFeeWaiverBPS int64 `json:"seller_fee_waiver_bps"`
	// SellerMerchantAccount is the seller's linked account, nil when the
	// seller settles on the platform account.
	SellerMerchantAccount *MerchantAccount `json:"seller_merchant_account,omitempty"`
	// ZeroTaxRegime sellers bypass tax resolution regardless of buyer
	// location (specific merchant-account regimes).
	ZeroTaxRegime bool `json:"zero_tax_regime"`
}

// ShippableTo reports whether the product may ship to the given country.
func (p *ProductInfo) ShippableTo(country string) bool {
	if p.Type != ProductPhysical || len(p.ShippingCountries) == 0 {
		return true
	}
	for _, c := range p.ShippingCountries {
		if c == country {
			return true
		}
	}
	return false
}
