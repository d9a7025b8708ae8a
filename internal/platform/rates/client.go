package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/pkg/config"
)

// Client talks to the rate-lookup service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *zap.SugaredLogger
}

func NewClient(cfg config.RatesConfig, log *zap.SugaredLogger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		log:        log,
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rate lookup returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rate lookup response: %w", err)
	}
	return nil
}

func (c *Client) GetTaxRate(ctx context.Context, jurisdiction string) (*TaxRate, error) {
	var res struct {
		Rate      string `json:"rate"`
		Inclusive bool   `json:"inclusive"`
	}
	if err := c.get(ctx, "/v1/tax-rates/"+url.PathEscape(jurisdiction), &res); err != nil {
		return nil, err
	}
	rate, err := decimal.NewFromString(res.Rate)
	if err != nil {
		return nil, fmt.Errorf("invalid tax rate %q for %s: %w", res.Rate, jurisdiction, err)
	}
	return &TaxRate{Rate: rate, Inclusive: res.Inclusive}, nil
}

func (c *Client) GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	var res struct {
		Rate string `json:"rate"`
	}
	if err := c.get(ctx, "/v1/exchange-rates/"+url.PathEscape(strings.ToUpper(currency)), &res); err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(res.Rate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid exchange rate %q for %s: %w", res.Rate, currency, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive exchange rate for %s", currency)
	}
	return rate, nil
}
