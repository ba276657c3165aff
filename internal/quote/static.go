package quote

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Static serves quotes from an in-memory table. Used by the seed command and tests.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	err    error
}

// NewStatic creates an empty static provider
func NewStatic() *Static {
	return &Static{quotes: make(map[string]Quote)}
}

// Set registers or replaces the quote for symbol
func (s *Static) Set(symbol, name string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = NormalizeSymbol(symbol)
	s.quotes[symbol] = Quote{Symbol: symbol, Name: name, Price: price}
}

// Fail makes every subsequent lookup return err; nil restores normal behaviour
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Lookup(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return Quote{}, s.err
	}
	q, ok := s.quotes[NormalizeSymbol(symbol)]
	if !ok {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}
	return q, nil
}
