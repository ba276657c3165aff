// Package quote looks up current share prices from a remote market data API.
package quote

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrSymbolNotFound means the provider does not know the symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrUnavailable means the provider could not be reached or answered garbage.
	ErrUnavailable = errors.New("quote provider unavailable")
)

// Quote is a symbol's current price and display name
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// Provider resolves symbols to quotes. Implementations return ErrSymbolNotFound
// or ErrUnavailable (possibly wrapped) on failure.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (Quote, error)
}

// NormalizeSymbol trims and upper-cases a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
