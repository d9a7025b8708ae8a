package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

func testCalculator() *Calculator {
	return NewCalculator(&config.Config{Fees: config.FeesConfig{
		FlatFeeBPS:            1000,
		DiscoverFlatFeeBPS:    3000,
		TieredPlatformBPS:     900,
		TieredSellerBPS:       500,
		DiscoverCommissionBPS: 1000,
		CardFeeBPS:            290,
		CardFeeFixedCents:     30,
		ZeroFeeCountries:      []string{"BR"},
	}})
}

func TestCalculate_AllPolicies(t *testing.T) {
	c := testCalculator()

	tests := []struct {
		name string
		in   Input
		want Breakdown
	}{
		{
			name: "flat fee discovered",
			in:   Input{PriceCents: 10000, FlatFeeApplicable: true, Recommended: true, MerchantAccountType: types.MerchantAccountPlatform},
			// 30% of 100.00 + 2.9% + 30c
			want: Breakdown{PlatformCents: 3000, CardPercentCents: 290, CardFixedCents: 30},
		},
		{
			name: "flat fee discovered with waiver",
			in:   Input{PriceCents: 10000, FlatFeeApplicable: true, Recommended: true, SellerWaiverBPS: 500, MerchantAccountType: types.MerchantAccountPlatform},
			want: Breakdown{PlatformCents: 2500, CardPercentCents: 290, CardFixedCents: 30},
		},
		{
			name: "flat fee not discovered",
			in:   Input{PriceCents: 10000, FlatFeeApplicable: true, MerchantAccountType: types.MerchantAccountPlatform},
			want: Breakdown{PlatformCents: 1000, CardPercentCents: 290, CardFixedCents: 30},
		},
		{
			name: "tiered platform account",
			in:   Input{PriceCents: 10000, MerchantAccountType: types.MerchantAccountPlatform},
			want: Breakdown{PlatformCents: 900, CardPercentCents: 290, CardFixedCents: 30},
		},
		{
			name: "tiered seller account discovered uses frozen rate",
			in:   Input{PriceCents: 10000, Recommended: true, DiscoverFeeBPS: 2000, MerchantAccountType: types.MerchantAccountSeller},
			want: Breakdown{PlatformCents: 500, DiscoverCents: 2000, CardPercentCents: 290, CardFixedCents: 30},
		},
		{
			name: "tiered discovered falls back to configured commission",
			in:   Input{PriceCents: 10000, Recommended: true, MerchantAccountType: types.MerchantAccountPlatform},
			want: Breakdown{PlatformCents: 900, DiscoverCents: 1000, CardPercentCents: 290, CardFixedCents: 30},
		},
		{
			name: "zero fee jurisdiction",
			in:   Input{PriceCents: 10000, FlatFeeApplicable: true, Recommended: true, MerchantAccountCountry: "BR"},
			want: Breakdown{},
		},
		{
			name: "zero price",
			in:   Input{PriceCents: 0, FlatFeeApplicable: true},
			want: Breakdown{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Calculate(tt.in)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculate_HalfUpPerComponent(t *testing.T) {
	c := testCalculator()

	// 1.15 at 2.9% = 3.335c -> 3c; at 9% = 10.35c -> 10c. Rounded per
	// component before summing.
	b := c.Calculate(Input{PriceCents: 115, MerchantAccountType: types.MerchantAccountPlatform})
	assert.Equal(t, int64(10), b.PlatformCents)
	assert.Equal(t, int64(3), b.CardPercentCents)
	assert.Equal(t, int64(43), b.TotalCents())

	// exact .5 rounds up: 50c at 9% = 4.5c -> 5c
	b = c.Calculate(Input{PriceCents: 50, MerchantAccountType: types.MerchantAccountPlatform})
	assert.Equal(t, int64(5), b.PlatformCents)
}

func TestCalculate_AffiliateCarvedFromFee(t *testing.T) {
	c := testCalculator()

	b := c.Calculate(Input{
		PriceCents:          10000,
		FlatFeeApplicable:   true,
		MerchantAccountType: types.MerchantAccountPlatform,
		AffiliateBPS:        3000,
	})
	require.Equal(t, int64(1320), b.TotalCents())
	// 30% of the fee, not of the price
	assert.Equal(t, int64(396), b.AffiliateCents)
	assert.False(t, b.AffiliateOmitted)
	assert.LessOrEqual(t, b.AffiliateCents, b.TotalCents())
}

func TestCalculate_AffiliateInZeroFeeJurisdiction(t *testing.T) {
	c := testCalculator()

	b := c.Calculate(Input{
		PriceCents:              10000,
		MerchantAccountType:     types.MerchantAccountPlatform,
		AffiliateBPS:            3000,
		AffiliateAccountCountry: "BR",
	})
	assert.Zero(t, b.AffiliateCents)
	assert.True(t, b.AffiliateOmitted)
}
