package rates

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/pkg/config"
)

// TaxRate is a jurisdiction's applicable rate plus its presentation:
// inclusive ("sales tax included") vs exclusive (additive).
type TaxRate struct {
	Rate      decimal.Decimal `json:"rate"`
	Inclusive bool            `json:"inclusive"`
}

// Source is the external rate-lookup collaborator. The engine never
// caches its answers across purchases; stale financial data is worse
// than an extra lookup.
type Source interface {
	GetTaxRate(ctx context.Context, jurisdiction string) (*TaxRate, error)
	GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// New picks the HTTP-backed source when one is configured and falls back
// to the built-in static table for dev.
func New(cfg *config.Config, log *zap.SugaredLogger) Source {
	if cfg.Rates.BaseURL != "" {
		return NewClient(cfg.Rates, log)
	}
	log.Warnw("rates: no lookup service configured, using static dev table")
	return NewStatic()
}

var Module = fx.Options(
	fx.Provide(New),
)
