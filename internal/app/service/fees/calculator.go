package fees

import (
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

// Breakdown is the fee split for one purchase, integer cents per
// sub-component. The affiliate cut is carved out of the total, never
// added to it.
type Breakdown struct {
	PlatformCents    int64 `json:"platform_cents"`
	DiscoverCents    int64 `json:"discover_cents"`
	CardPercentCents int64 `json:"card_percent_cents"`
	CardFixedCents   int64 `json:"card_fixed_cents"`
	AffiliateCents   int64 `json:"affiliate_cents"`
	// AffiliateOmitted is set when the affiliate's receiving account sits
	// in a zero-fee jurisdiction: no cut, and the affiliate must not be
	// recorded on the purchase.
	AffiliateOmitted bool `json:"affiliate_omitted"`
}

// TotalCents is the full fee charged to the seller. AffiliateCents is a
// subset of this total.
func (b Breakdown) TotalCents() int64 {
	return b.PlatformCents + b.DiscoverCents + b.CardPercentCents + b.CardFixedCents
}

// Input is everything the calculation depends on. For recurring charges
// the caller passes the terms frozen into the subscription's original
// purchase, not the live product configuration.
type Input struct {
	PriceCents int64
	// FlatFeeApplicable selects the flat model (new seller cohorts, or a
	// subscription original's frozen flag).
	FlatFeeApplicable bool
	// Recommended marks sales originating from discovery surfaces.
	Recommended bool
	// DiscoverFeeBPS overrides the configured discover commission for
	// tiered sellers; zero falls back to config.
	DiscoverFeeBPS int64
	// SellerWaiverBPS is a platform-fee waiver the seller qualifies for.
	SellerWaiverBPS int64

	MerchantAccountType    types.MerchantAccountType
	MerchantAccountCountry string

	AffiliateBPS int64
	// AffiliateAccountCountry is the affiliate's receiving account domicile.
	AffiliateAccountCountry string
}

// Calculator computes fee breakdowns. Pure: no I/O, deterministic given
// Input and the policy it was built with.
type Calculator struct {
	cfg config.FeesConfig
}

func NewCalculator(cfg *config.Config) *Calculator {
	return &Calculator{cfg: cfg.Fees}
}

// roundBPS applies basis points to cents with half-up rounding. Rounding
// happens here, once per sub-component, never on the summed total.
func roundBPS(cents, bps int64) int64 {
	if cents <= 0 || bps <= 0 {
		return 0
	}
	return (cents*bps + 5000) / 10000
}

// Calculate computes the fee breakdown for one purchase.
func (c *Calculator) Calculate(in Input) Breakdown {
	var b Breakdown

	// Regulator-mandated all-in jurisdictions: the processor's settlement
	// already nets the platform's economics, so the fee here is zero.
	if c.cfg.ZeroFeeCountry(in.MerchantAccountCountry) {
		return b
	}

	switch {
	case in.FlatFeeApplicable && in.Recommended:
		b.PlatformCents = roundBPS(in.PriceCents, c.cfg.DiscoverFlatFeeBPS) - roundBPS(in.PriceCents, in.SellerWaiverBPS)
		if b.PlatformCents < 0 {
			b.PlatformCents = 0
		}
	case in.FlatFeeApplicable:
		b.PlatformCents = roundBPS(in.PriceCents, c.cfg.FlatFeeBPS) - roundBPS(in.PriceCents, in.SellerWaiverBPS)
		if b.PlatformCents < 0 {
			b.PlatformCents = 0
		}
	default:
		tier := c.cfg.TieredPlatformBPS
		if in.MerchantAccountType == types.MerchantAccountSeller {
			tier = c.cfg.TieredSellerBPS
		}
		b.PlatformCents = roundBPS(in.PriceCents, tier)
		if in.Recommended {
			discover := in.DiscoverFeeBPS
			if discover == 0 {
				discover = c.cfg.DiscoverCommissionBPS
			}
			b.DiscoverCents = roundBPS(in.PriceCents, discover)
		}
	}

	b.CardPercentCents = roundBPS(in.PriceCents, c.cfg.CardFeeBPS)
	if in.PriceCents > 0 {
		b.CardFixedCents = c.cfg.CardFeeFixedCents
	}

	if in.AffiliateBPS > 0 {
		if c.cfg.ZeroFeeCountry(in.AffiliateAccountCountry) {
			b.AffiliateOmitted = true
		} else {
			// Fraction of the computed fee, not of price. Any future
			// fee-formula change shifts affiliate payouts with it.
			b.AffiliateCents = roundBPS(b.TotalCents(), in.AffiliateBPS)
		}
	}

	return b
}
