package purchase

import (
	"strings"

	models "github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/app/service/taxes"
	"github.com/fatflowers/billing/pkg/types"
)

// Intent selects the processor operation for the run.
type Intent string

const (
	// IntentCharge authorizes and settles in one step.
	IntentCharge Intent = "charge"
	// IntentAuthorize places a hold; used for preorder authorizations.
	IntentAuthorize Intent = "authorize"
)

// FrozenFeeTerms carry the fee policy a subscription's original purchase
// froze. Recurring charges bill under these terms even when the live
// product configuration has changed since.
type FrozenFeeTerms struct {
	FlatFeeApplicable bool  `json:"flat_fee_applicable"`
	Recommended       bool  `json:"recommended"`
	DiscoverFeeBPS    int64 `json:"discover_fee_bps"`
}

// Request is one purchase attempt. Checkout callers fill the live
// product snapshot and instrument; the subscription and preorder
// orchestrators additionally pin frozen price, discount, and fee terms
// from the original purchase.
type Request struct {
	Product   *types.ProductInfo
	VariantID string
	Quantity  int

	// Exactly one of BuyerID / Email identifies the buyer.
	BuyerID   string
	Email     string
	IPAddress string

	Instrument *types.PaymentInstrument
	Location   taxes.LocationSignals

	// OfferCode is looked up and redeemed at checkout. FrozenOffer
	// replays the terms frozen by an original purchase instead.
	OfferCode   string
	FrozenOffer *models.OfferSnapshot

	AffiliateID      string
	AffiliateBPS     int64
	AffiliateCountry string

	// Recommended marks discovery-surface sales for fee policy.
	Recommended bool
	// FrozenFeeTerms, when set, override the live fee policy inputs.
	FrozenFeeTerms *FrozenFeeTerms

	StatementDescriptor string
	OperatorID          string

	Intent         Intent
	SubscriptionID string
	PreorderID     string

	IsOriginalSubscriptionPurchase bool
	IsRecurring                    bool
	IsGiftSender                   bool
	IsGiftReceiver                 bool
	IsFreeTrial                    bool
	IsTest                         bool
	IsBundleItem                   bool
	IsAutomatic                    bool
}

func (r *Request) intent() Intent {
	if r.Intent == "" {
		return IntentCharge
	}
	return r.Intent
}

func (r *Request) buyerSet() bool {
	return (r.BuyerID != "") != (r.Email != "")
}

// successState maps the run's flags to its successful terminal state.
func (r *Request) successState() types.PurchaseState {
	switch {
	case r.intent() == IntentAuthorize:
		return types.PurchasePreorderAuthSuccess
	case r.IsTest:
		return types.PurchaseTestSuccessful
	case r.IsGiftReceiver:
		return types.PurchaseGiftReceiverSuccess
	default:
		return types.PurchaseSuccessful
	}
}

func (r *Request) failureState() types.PurchaseState {
	if r.intent() == IntentAuthorize {
		return types.PurchasePreorderAuthFailed
	}
	return types.PurchaseFailed
}

// validate enforces the non-monetary invariants. Failures here are
// reported synchronously and leave no trace.
func (r *Request) validate() error {
	if r.Product == nil || r.Product.ID == "" {
		return types.NewValidationError("product is required")
	}
	if !r.Product.Purchasable {
		return types.NewValidationError("product %s is not purchasable", r.Product.ID)
	}
	if r.Quantity < 1 {
		return types.NewValidationError("quantity must be at least 1, got %d", r.Quantity)
	}
	if !r.buyerSet() {
		return types.NewValidationError("exactly one of buyer id and email must be set")
	}
	if r.Product.Type == types.ProductPhysical {
		country := strings.ToUpper(r.Location.Country)
		if !r.Product.ShippableTo(country) {
			return types.NewValidationError("product %s does not ship to %s", r.Product.ID, country)
		}
	}
	if r.FrozenOffer != nil && r.OfferCode != "" {
		return types.NewValidationError("offer code and frozen offer terms are mutually exclusive")
	}
	return nil
}

// feeInput assembles the fee-calculator input, preferring frozen terms.
func (r *Request) feeTerms() FrozenFeeTerms {
	if r.FrozenFeeTerms != nil {
		return *r.FrozenFeeTerms
	}
	return FrozenFeeTerms{
		FlatFeeApplicable: r.Product.SellerFlatFee,
		Recommended:       r.Recommended,
		DiscoverFeeBPS:    r.Product.DiscoverCommissionBPS,
	}
}
