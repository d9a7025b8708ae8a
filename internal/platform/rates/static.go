package rates

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Static is an in-memory rate table for dev and tests.
type Static struct {
	mu       sync.RWMutex
	tax      map[string]TaxRate
	exchange map[string]decimal.Decimal
}

func NewStatic() *Static {
	return &Static{
		tax: map[string]TaxRate{},
		exchange: map[string]decimal.Decimal{
			"USD": decimal.NewFromInt(1),
		},
	}
}

func (s *Static) SetTaxRate(jurisdiction string, rate decimal.Decimal, inclusive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tax[strings.ToUpper(jurisdiction)] = TaxRate{Rate: rate, Inclusive: inclusive}
}

func (s *Static) SetExchangeRate(currency string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchange[strings.ToUpper(currency)] = rate
}

func (s *Static) GetTaxRate(_ context.Context, jurisdiction string) (*TaxRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.tax[strings.ToUpper(jurisdiction)]
	if !ok {
		// unknown jurisdiction means no tax due, not an error
		return &TaxRate{Rate: decimal.Zero}, nil
	}
	return &r, nil
}

func (s *Static) GetExchangeRate(_ context.Context, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.exchange[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no exchange rate for %s", currency)
	}
	return r, nil
}
