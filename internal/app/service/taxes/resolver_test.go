package taxes

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/platform/rates"
	"github.com/fatflowers/billing/pkg/types"
)

func testResolver() (*Resolver, *rates.Static) {
	src := rates.NewStatic()
	return NewResolver(src, zap.NewNop().Sugar()), src
}

func TestJurisdiction_Precedence(t *testing.T) {
	r, _ := testResolver()

	tests := []struct {
		name    string
		sig     LocationSignals
		want    string
		elected bool
	}{
		{name: "buyer address wins", sig: LocationSignals{Country: "de", CardCountry: "FR", IPCountry: "GB"}, want: "DE"},
		{name: "us state refines", sig: LocationSignals{Country: "US", State: "ca"}, want: "US-CA"},
		{name: "card country fallback", sig: LocationSignals{Country: "??", CardCountry: "FR", IPCountry: "GB"}, want: "FR"},
		{name: "ip country last", sig: LocationSignals{IPCountry: "GB"}, want: "GB"},
		{name: "elected override", sig: LocationSignals{Country: "DE", ElectedJurisdiction: "IT"}, want: "IT", elected: true},
		{name: "nothing recognized", sig: LocationSignals{Country: "USA"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, elected := r.Jurisdiction(tt.sig)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.elected, elected)
		})
	}
}

func TestAssess_ExclusiveAndInclusive(t *testing.T) {
	r, src := testResolver()
	src.SetTaxRate("DE", decimal.NewFromFloat(0.19), true)
	src.SetTaxRate("US-CA", decimal.NewFromFloat(0.0725), false)

	a, err := r.Assess(context.Background(), LocationSignals{Country: "US", State: "CA"}, nil, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(725), a.AmountCents)
	assert.False(t, a.Inclusive)

	// inclusive: 119.00 gross at 19% embeds 19.00
	a, err = r.Assess(context.Background(), LocationSignals{Country: "DE"}, nil, 11900)
	require.NoError(t, err)
	assert.Equal(t, int64(1900), a.AmountCents)
	assert.True(t, a.Inclusive)
}

func TestAssess_ZeroRegimeAndUnknown(t *testing.T) {
	r, _ := testResolver()

	a, err := r.Assess(context.Background(), LocationSignals{Country: "DE"}, &types.ProductInfo{ZeroTaxRegime: true}, 10000)
	require.NoError(t, err)
	assert.Zero(t, a.AmountCents)
	assert.Empty(t, a.Jurisdiction)

	// unknown jurisdiction resolves to zero tax, not an error
	a, err = r.Assess(context.Background(), LocationSignals{Country: "JP"}, nil, 10000)
	require.NoError(t, err)
	assert.Zero(t, a.AmountCents)
	assert.Equal(t, "JP", a.Jurisdiction)
}
