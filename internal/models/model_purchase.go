package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/billing/pkg/types"
)

// OfferSnapshot freezes the discount terms applied to a purchase. Recurring
// charges read these frozen terms, not the live offer-code configuration.
type OfferSnapshot struct {
	Code        string `json:"code"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	PercentBPS  int64  `json:"percent_bps,omitempty"`
	// DurationInBillingCycles is the total number of billing cycles the
	// discount covers, the original purchase included; 1 means the
	// original purchase only. Nil means unlimited.
	DurationInBillingCycles *int `json:"duration_in_billing_cycles,omitempty"`
}

// DiscountedCents applies the snapshot to a unit price.
func (o *OfferSnapshot) DiscountedCents(price int64) int64 {
	if o == nil {
		return price
	}
	out := price
	if o.AmountCents > 0 {
		out -= o.AmountCents
	}
	if o.PercentBPS > 0 {
		out -= (price*o.PercentBPS + 5000) / 10000
	}
	if out < 0 {
		out = 0
	}
	return out
}

// PurchaseExtra is the JSONB snapshot column. Everything a later recurring
// or capture charge must reproduce verbatim lives here.
type PurchaseExtra struct {
	ProductSnapshot     *types.ProductInfo       `json:"product_snapshot,omitempty"`
	OfferSnapshot       *OfferSnapshot           `json:"offer_snapshot,omitempty"`
	Instrument          *types.PaymentInstrument `json:"instrument,omitempty"`
	StatementDescriptor string                   `json:"statement_descriptor,omitempty"`
	// ExchangeRate is the settlement rate snapshot used for this charge.
	ExchangeRate string `json:"exchange_rate,omitempty"`
	// LicenseID links a plan-changed original purchase back to the
	// license issued by its predecessor.
	LicenseID string `json:"license_id,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
}

// Purchase is one monetary attempt against one product for one buyer.
// Rows are never deleted; failed and refunded purchases keep terminal
// flags for audit.
type Purchase struct {
	ID        string `gorm:"column:id;primary_key;type:uuid;index:idx_buyer_id_id,priority:2,sort:desc" json:"id"`
	ProductID string `gorm:"column:product_id;type:varchar(64);not null;index:idx_product_created,priority:1" json:"product_id"`
	VariantID string `gorm:"column:variant_id;type:varchar(64)" json:"variant_id"`
	SellerID  string `gorm:"column:seller_id;type:varchar(64);not null" json:"seller_id"`

	// Exactly one of BuyerID / Email is set.
	BuyerID *string `gorm:"column:buyer_id;type:varchar(64);index:idx_buyer_id_id,priority:1" json:"buyer_id"`
	Email   *string `gorm:"column:email;type:varchar(255)" json:"email"`

	Quantity int `gorm:"column:quantity;not null;default:1" json:"quantity"`

	// PriceCents is the settlement-currency price (tax added here when
	// exclusive, so TotalTransactionCents = PriceCents + ShippingCents
	// always holds).
	PriceCents int64 `gorm:"column:price_cents;type:bigint;not null" json:"price_cents"`
	// DisplayedPriceCents / DisplayedCurrency is the buyer's nominal
	// native-currency price, frozen for renewals and preorder captures.
	DisplayedPriceCents   int64  `gorm:"column:displayed_price_cents;type:bigint;not null" json:"displayed_price_cents"`
	DisplayedCurrency     string `gorm:"column:displayed_currency;type:varchar(8);not null" json:"displayed_currency"`
	TotalTransactionCents int64  `gorm:"column:total_transaction_cents;type:bigint;not null" json:"total_transaction_cents"`
	FeeCents              int64  `gorm:"column:fee_cents;type:bigint;not null" json:"fee_cents"`
	TaxCents              int64  `gorm:"column:tax_cents;type:bigint;not null" json:"tax_cents"`
	TaxInclusive          bool   `gorm:"column:tax_inclusive;not null;default:false" json:"tax_inclusive"`
	ShippingCents         int64  `gorm:"column:shipping_cents;type:bigint;not null" json:"shipping_cents"`

	OfferCodeID          *string `gorm:"column:offer_code_id;type:varchar(64)" json:"offer_code_id"`
	AffiliateID          *string `gorm:"column:affiliate_id;type:varchar(64)" json:"affiliate_id"`
	AffiliateBPS         int64   `gorm:"column:affiliate_bps;type:bigint;not null;default:0" json:"affiliate_bps"`
	AffiliateCreditCents int64   `gorm:"column:affiliate_credit_cents;type:bigint;not null;default:0" json:"affiliate_credit_cents"`

	ProcessorID             types.ProcessorID `gorm:"column:processor_id;type:varchar(32)" json:"processor_id"`
	ProcessorTransactionRef *string           `gorm:"column:processor_transaction_ref;type:varchar(128);index" json:"processor_transaction_ref"`
	ProcessorFingerprint    string            `gorm:"column:processor_fingerprint;type:varchar(128)" json:"processor_fingerprint"`
	CardCountry             string            `gorm:"column:card_country;type:varchar(8)" json:"card_country"`
	ProcessorFeeCents       int64             `gorm:"column:processor_fee_cents;type:bigint;not null;default:0" json:"processor_fee_cents"`

	MerchantAccountID      string                    `gorm:"column:merchant_account_id;type:varchar(64)" json:"merchant_account_id"`
	MerchantAccountType    types.MerchantAccountType `gorm:"column:merchant_account_type;type:varchar(16)" json:"merchant_account_type"`
	MerchantAccountCountry string                    `gorm:"column:merchant_account_country;type:varchar(8)" json:"merchant_account_country"`

	State        types.PurchaseState `gorm:"column:state;type:varchar(64);not null;index" json:"state"`
	ErrorCode    *string             `gorm:"column:error_code;type:varchar(64)" json:"error_code"`
	ErrorMessage *string             `gorm:"column:error_message;type:varchar(255)" json:"error_message"`

	IPAddress string `gorm:"column:ip_address;type:varchar(64)" json:"ip_address"`
	// TaxJurisdiction is the resolved jurisdiction; ElectedTaxJurisdiction
	// is a buyer-chosen VAT override, persisted for audit.
	TaxJurisdiction        string  `gorm:"column:tax_jurisdiction;type:varchar(16)" json:"tax_jurisdiction"`
	ElectedTaxJurisdiction *string `gorm:"column:elected_tax_jurisdiction;type:varchar(16)" json:"elected_tax_jurisdiction"`

	// Fee terms frozen at purchase time; recurring charges inherit them.
	FlatFeeApplicable    bool  `gorm:"column:flat_fee_applicable;not null;default:false" json:"flat_fee_applicable"`
	WasRecommended       bool  `gorm:"column:was_recommended;not null;default:false" json:"was_recommended"`
	FrozenDiscoverFeeBPS int64 `gorm:"column:frozen_discover_fee_bps;type:bigint;not null;default:0" json:"frozen_discover_fee_bps"`

	IsOriginalSubscriptionPurchase bool `gorm:"column:is_original_subscription_purchase;not null;default:false" json:"is_original_subscription_purchase"`
	IsRecurringCharge              bool `gorm:"column:is_recurring_charge;not null;default:false" json:"is_recurring_charge"`
	IsPreorderAuthorization        bool `gorm:"column:is_preorder_authorization;not null;default:false" json:"is_preorder_authorization"`
	IsGiftSender                   bool `gorm:"column:is_gift_sender;not null;default:false" json:"is_gift_sender"`
	IsGiftReceiver                 bool `gorm:"column:is_gift_receiver;not null;default:false" json:"is_gift_receiver"`
	IsFreeTrial                    bool `gorm:"column:is_free_trial;not null;default:false" json:"is_free_trial"`
	IsTest                         bool `gorm:"column:is_test;not null;default:false" json:"is_test"`
	IsBundleItem                   bool `gorm:"column:is_bundle_item;not null;default:false" json:"is_bundle_item"`
	IsAutomatic                    bool `gorm:"column:is_automatic;not null;default:false" json:"is_automatic"`

	SubscriptionID *string `gorm:"column:subscription_id;type:uuid;index" json:"subscription_id"`
	PreorderID     *string `gorm:"column:preorder_id;type:uuid;index" json:"preorder_id"`

	// ArchivedAt marks the old original purchase replaced by a plan change.
	ArchivedAt *time.Time `gorm:"column:archived_at;default:null" json:"archived_at"`
	RefundedAt *time.Time `gorm:"column:refunded_at;default:null" json:"refunded_at"`

	Extra       datatypes.JSONType[*PurchaseExtra] `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt   time.Time                          `gorm:"index:idx_product_created,priority:2" json:"created_at"`
	UpdatedAt   time.Time                          `json:"updated_at"`
	SucceededAt *time.Time                         `gorm:"column:succeeded_at;default:null" json:"succeeded_at"`
}

func (Purchase) TableName() string {
	return "purchase"
}

// ZeroTotal purchases never reach a processor.
func (p *Purchase) ZeroTotal() bool {
	return p != nil && p.TotalTransactionCents == 0
}

// BuyerIdentity returns the account id when present, else the bare email.
func (p *Purchase) BuyerIdentity() string {
	if p == nil {
		return ""
	}
	if p.BuyerID != nil && *p.BuyerID != "" {
		return *p.BuyerID
	}
	if p.Email != nil {
		return *p.Email
	}
	return ""
}

// Succeeded covers every successful terminal state.
func (p *Purchase) Succeeded() bool {
	if p == nil {
		return false
	}
	switch p.State {
	case types.PurchaseSuccessful, types.PurchaseGiftReceiverSuccess,
		types.PurchaseTestSuccessful, types.PurchasePreorderAuthSuccess:
		return true
	}
	return false
}

func (p *Purchase) GetProductSnapshot() *types.ProductInfo {
	if p == nil || p.Extra.Data() == nil {
		return nil
	}
	return p.Extra.Data().ProductSnapshot
}

func (p *Purchase) GetOfferSnapshot() *OfferSnapshot {
	if p == nil || p.Extra.Data() == nil {
		return nil
	}
	return p.Extra.Data().OfferSnapshot
}

func (p *Purchase) GetInstrument() *types.PaymentInstrument {
	if p == nil || p.Extra.Data() == nil {
		return nil
	}
	return p.Extra.Data().Instrument
}
