// Package portfolio derives holdings from a user's ledger and executes
// simulated buy and sell orders at the current market price.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/quote"
)

// maxConcurrentLookups bounds the quote requests issued while valuing a portfolio
const maxConcurrentLookups = 4

// Service is the portfolio engine
type Service struct {
	ledger Ledger
	quotes quote.Provider
	fills  quote.Provider
	log    zerolog.Logger
	now    func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock sets the time source used to stamp new transactions
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithExecutionQuotes prices buys and sells with p instead of the valuation
// provider, so a cached valuation price never fills an order.
func WithExecutionQuotes(p quote.Provider) Option {
	return func(s *Service) {
		s.fills = p
	}
}

// NewService creates a portfolio engine over ledger, pricing with quotes
func NewService(ledger Ledger, quotes quote.Provider, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		ledger: ledger,
		quotes: quotes,
		fills:  quotes,
		log:    log.With().Str("component", "portfolio").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Holdings returns the user's open positions valued at current prices, sorted by symbol
func (s *Service) Holdings(ctx context.Context, userID int) ([]models.Holding, error) {
	txs, err := s.ledger.GetTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	positions := netShares(txs)
	symbols := openSymbols(positions)
	holdings := make([]models.Holding, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			q, err := s.lookup(gctx, s.quotes, symbol)
			if err != nil {
				return err
			}
			shares := positions[symbol]
			holdings[i] = models.Holding{
				Symbol:      symbol,
				CompanyName: q.Name,
				Shares:      shares,
				Price:       q.Price,
				Value:       q.Price.Mul(decimal.NewFromInt(shares)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return holdings, nil
}

// NetWorth returns cash, the current value of all holdings, and their sum
func (s *Service) NetWorth(ctx context.Context, userID int) (*models.NetWorth, error) {
	cash, err := s.ledger.GetCashBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cash balance: %w", err)
	}

	holdings, err := s.Holdings(ctx, userID)
	if err != nil {
		return nil, err
	}

	value := decimal.Zero
	for _, h := range holdings {
		value = value.Add(h.Value)
	}

	return &models.NetWorth{
		Cash:          cash,
		HoldingsValue: value,
		Total:         cash.Add(value),
		Holdings:      holdings,
	}, nil
}

// Buy purchases shares of symbol at the current price, debiting the user's cash
func (s *Service) Buy(ctx context.Context, userID int, symbol string, shares int64) (*models.Transaction, error) {
	symbol = quote.NormalizeSymbol(symbol)
	if err := validateOrder(symbol, shares); err != nil {
		return nil, err
	}

	q, err := s.lookup(ctx, s.fills, symbol)
	if err != nil {
		return nil, err
	}
	cost := q.Price.Mul(decimal.NewFromInt(shares))

	var record *models.Transaction
	err = s.ledger.InTx(ctx, userID, func(tx LedgerTx) error {
		cash, err := tx.GetCashBalance(ctx)
		if err != nil {
			return err
		}
		if cash.LessThan(cost) {
			return ErrInsufficientCash
		}
		if err := tx.SetCashBalance(ctx, cash.Sub(cost)); err != nil {
			return err
		}
		record, err = tx.AppendTransaction(ctx, s.newTransaction(userID, symbol, q, shares, models.Bought))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int("user_id", userID).
		Str("symbol", record.Symbol).
		Int64("shares", shares).
		Str("price", record.Price.String()).
		Msg("Bought shares")
	return record, nil
}

// Sell sells shares of symbol at the current price, crediting the user's cash
func (s *Service) Sell(ctx context.Context, userID int, symbol string, shares int64) (*models.Transaction, error) {
	symbol = quote.NormalizeSymbol(symbol)
	if err := validateOrder(symbol, shares); err != nil {
		return nil, err
	}

	// Reject an oversell before asking for a price; the check is repeated under lock.
	txs, err := s.ledger.GetTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	if netShares(txs)[symbol] < shares {
		return nil, ErrInsufficientShares
	}

	q, err := s.lookup(ctx, s.fills, symbol)
	if err != nil {
		return nil, err
	}
	proceeds := q.Price.Mul(decimal.NewFromInt(shares))

	var record *models.Transaction
	err = s.ledger.InTx(ctx, userID, func(tx LedgerTx) error {
		held, err := tx.GetSharesHeld(ctx, symbol)
		if err != nil {
			return err
		}
		if held < shares {
			return ErrInsufficientShares
		}
		cash, err := tx.GetCashBalance(ctx)
		if err != nil {
			return err
		}
		if err := tx.SetCashBalance(ctx, cash.Add(proceeds)); err != nil {
			return err
		}
		record, err = tx.AppendTransaction(ctx, s.newTransaction(userID, symbol, q, shares, models.Sold))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int("user_id", userID).
		Str("symbol", record.Symbol).
		Int64("shares", shares).
		Str("price", record.Price.String()).
		Msg("Sold shares")
	return record, nil
}

// History returns every transaction of the user, most recent first
func (s *Service) History(ctx context.Context, userID int) ([]models.Transaction, error) {
	txs, err := s.ledger.GetTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].ExecutedAt.Equal(txs[j].ExecutedAt) {
			return txs[i].ID > txs[j].ID
		}
		return txs[i].ExecutedAt.After(txs[j].ExecutedAt)
	})
	return txs, nil
}

// Cash returns the user's current cash balance
func (s *Service) Cash(ctx context.Context, userID int) (decimal.Decimal, error) {
	return s.ledger.GetCashBalance(ctx, userID)
}

// SellableSymbols returns the symbols the user currently holds, sorted
func (s *Service) SellableSymbols(ctx context.Context, userID int) ([]string, error) {
	txs, err := s.ledger.GetTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return openSymbols(netShares(txs)), nil
}

func (s *Service) lookup(ctx context.Context, p quote.Provider, symbol string) (quote.Quote, error) {
	q, err := p.Lookup(ctx, symbol)
	if err == nil {
		return q, nil
	}
	if errors.Is(err, quote.ErrSymbolNotFound) {
		return quote.Quote{}, ErrUnknownSymbol
	}
	s.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote lookup failed")
	return quote.Quote{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
}

// newTransaction keys the record by the symbol the user traded, not the
// provider's spelling of it, so later sells match the holding.
func (s *Service) newTransaction(userID int, symbol string, q quote.Quote, shares int64, dir models.Direction) *models.Transaction {
	return &models.Transaction{
		UserID:      userID,
		Symbol:      symbol,
		CompanyName: q.Name,
		Price:       q.Price,
		Shares:      shares,
		Direction:   dir,
		ExecutedAt:  s.now().UTC(),
	}
}

func validateOrder(symbol string, shares int64) error {
	if symbol == "" {
		return ErrMissingSymbol
	}
	if shares <= 0 {
		return ErrInvalidShares
	}
	return nil
}

// netShares sums bought minus sold shares per symbol
func netShares(txs []models.Transaction) map[string]int64 {
	positions := make(map[string]int64)
	for _, t := range txs {
		switch t.Direction {
		case models.Bought:
			positions[t.Symbol] += t.Shares
		case models.Sold:
			positions[t.Symbol] -= t.Shares
		}
	}
	return positions
}

func openSymbols(positions map[string]int64) []string {
	symbols := make([]string, 0, len(positions))
	for symbol, shares := range positions {
		if shares > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}
