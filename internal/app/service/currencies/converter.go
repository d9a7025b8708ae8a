package currencies

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing/internal/platform/rates"
)

// SettlementCurrency is what every charge ultimately settles in.
const SettlementCurrency = "USD"

// Converter turns product-native-currency prices into settlement cents.
// Initial purchases and authorizations fetch a fresh rate at charge time;
// recurring and preorder-capture charges reproduce the buyer's originally
// displayed nominal price and reconvert only the settlement equivalent at
// the new rate.
type Converter struct {
	src rates.Source
}

func NewConverter(src rates.Source) *Converter {
	return &Converter{src: src}
}

// Snapshot fetches the current rate for a currency, expressed as native
// minor units per settlement cent basis (units of currency per USD).
func (c *Converter) Snapshot(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	if currency == SettlementCurrency {
		return decimal.NewFromInt(1), nil
	}
	rate, err := c.src.GetExchangeRate(ctx, currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get exchange rate for %s: %w", currency, err)
	}
	return rate, nil
}

// Convert fetches a fresh rate and converts nativeCents to settlement
// cents, returning the rate snapshot used so callers can persist it.
func (c *Converter) Convert(ctx context.Context, nativeCents int64, currency string) (int64, decimal.Decimal, error) {
	rate, err := c.Snapshot(ctx, currency)
	if err != nil {
		return 0, decimal.Zero, err
	}
	return ConvertAtRate(nativeCents, rate), rate, nil
}

// ConvertAtRate applies an already-snapshotted rate, half-up to the cent.
func ConvertAtRate(nativeCents int64, rate decimal.Decimal) int64 {
	if nativeCents == 0 {
		return 0
	}
	if rate.IsZero() || rate.Equal(decimal.NewFromInt(1)) {
		return nativeCents
	}
	return decimal.NewFromInt(nativeCents).Div(rate).Round(0).IntPart()
}
