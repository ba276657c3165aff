package portfolio

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// Ledger is the persistent store of transactions and cash balances
type Ledger interface {
	// InTx runs fn inside one atomic unit that holds an exclusive lock on the
	// user's account. Nothing fn wrote is kept if it returns an error.
	// Returns models.ErrUserNotFound for an unknown user.
	InTx(ctx context.Context, userID int, fn func(tx LedgerTx) error) error
	// GetTransactions returns the user's ledger, most recent first
	GetTransactions(ctx context.Context, userID int) ([]models.Transaction, error)
	GetCashBalance(ctx context.Context, userID int) (decimal.Decimal, error)
}

// LedgerTx is a ledger view bound to one user inside InTx
type LedgerTx interface {
	GetCashBalance(ctx context.Context) (decimal.Decimal, error)
	SetCashBalance(ctx context.Context, cash decimal.Decimal) error
	// GetSharesHeld returns bought minus sold shares for symbol
	GetSharesHeld(ctx context.Context, symbol string) (int64, error)
	AppendTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error)
}
