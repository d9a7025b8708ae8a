package taxes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/platform/rates"
	"github.com/fatflowers/billing/pkg/types"
)

// LocationSignals are the buyer-location inputs, in falling precedence:
// buyer-supplied address, card-issuing-bank country, IP-geolocated
// country. A buyer-elected VAT jurisdiction overrides all of them.
type LocationSignals struct {
	Country string `json:"country"`
	State   string `json:"state"`
	Zip     string `json:"zip"`

	CardCountry string `json:"card_country"`
	IPCountry   string `json:"ip_country"`

	ElectedJurisdiction string `json:"elected_jurisdiction"`
}

// Assessment is the resolved tax for one purchase. Persisted alongside
// the purchase for audit.
type Assessment struct {
	Jurisdiction string          `json:"jurisdiction"`
	Elected      bool            `json:"elected"`
	Rate         decimal.Decimal `json:"rate"`
	AmountCents  int64           `json:"amount_cents"`
	// Inclusive means the displayed price already embeds the tax
	// ("sales tax included"); exclusive tax is additive.
	Inclusive bool `json:"inclusive"`
}

var countryRe = regexp.MustCompile(`^[A-Za-z]{2}$`)

// Resolver resolves a buyer's tax jurisdiction and amount through the
// external rate-lookup collaborator. No caching here: rates are
// re-resolved per purchase.
type Resolver struct {
	src rates.Source
	log *zap.SugaredLogger
}

func NewResolver(src rates.Source, log *zap.SugaredLogger) *Resolver {
	return &Resolver{src: src, log: log}
}

// Jurisdiction applies the precedence chain and returns the jurisdiction
// key plus whether it came from a buyer election.
func (r *Resolver) Jurisdiction(sig LocationSignals) (string, bool) {
	if j := strings.ToUpper(strings.TrimSpace(sig.ElectedJurisdiction)); j != "" {
		return j, true
	}
	if countryRe.MatchString(sig.Country) {
		c := strings.ToUpper(sig.Country)
		if c == "US" && sig.State != "" {
			return c + "-" + strings.ToUpper(sig.State), false
		}
		return c, false
	}
	if countryRe.MatchString(sig.CardCountry) {
		return strings.ToUpper(sig.CardCountry), false
	}
	if countryRe.MatchString(sig.IPCountry) {
		return strings.ToUpper(sig.IPCountry), false
	}
	return "", false
}

// Assess computes the tax owed on priceCents. Zero-rate merchant regimes
// bypass the lookup entirely.
func (r *Resolver) Assess(ctx context.Context, sig LocationSignals, product *types.ProductInfo, priceCents int64) (*Assessment, error) {
	if product != nil && product.ZeroTaxRegime {
		return &Assessment{}, nil
	}

	jurisdiction, elected := r.Jurisdiction(sig)
	if jurisdiction == "" || priceCents <= 0 {
		return &Assessment{Jurisdiction: jurisdiction, Elected: elected}, nil
	}

	rate, err := r.src.GetTaxRate(ctx, jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("get tax rate for %s: %w", jurisdiction, err)
	}

	a := &Assessment{
		Jurisdiction: jurisdiction,
		Elected:      elected,
		Rate:         rate.Rate,
		Inclusive:    rate.Inclusive,
	}
	if rate.Rate.IsZero() {
		return a, nil
	}

	price := decimal.NewFromInt(priceCents)
	if rate.Inclusive {
		// tax = price - price / (1 + rate)
		net := price.Div(decimal.NewFromInt(1).Add(rate.Rate))
		a.AmountCents = price.Sub(net).Round(0).IntPart()
	} else {
		a.AmountCents = price.Mul(rate.Rate).Round(0).IntPart()
	}
	return a, nil
}
