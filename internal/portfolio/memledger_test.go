package portfolio

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// memLedger is an in-memory Ledger. InTx serializes on one mutex and applies
// staged writes only when fn succeeds.
type memLedger struct {
	mu         sync.Mutex
	cash       map[int]decimal.Decimal
	txs        map[int][]models.Transaction
	nextID     int64
	failAppend error
}

func newMemLedger() *memLedger {
	return &memLedger{cash: map[int]decimal.Decimal{}, txs: map[int][]models.Transaction{}}
}

func (m *memLedger) addUser(id int, cash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cash[id] = decimal.RequireFromString(cash)
}

func (m *memLedger) InTx(ctx context.Context, userID int, fn func(tx LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cash, ok := m.cash[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	tx := &memTx{l: m, userID: userID, cash: cash}
	if err := fn(tx); err != nil {
		return err
	}
	m.cash[userID] = tx.cash
	for _, t := range tx.appended {
		m.txs[userID] = append([]models.Transaction{t}, m.txs[userID]...)
	}
	m.nextID += int64(len(tx.appended))
	return nil
}

func (m *memLedger) GetTransactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Transaction(nil), m.txs[userID]...), nil
}

func (m *memLedger) GetCashBalance(ctx context.Context, userID int) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cash, ok := m.cash[userID]
	if !ok {
		return decimal.Zero, models.ErrUserNotFound
	}
	return cash, nil
}

type memTx struct {
	l        *memLedger
	userID   int
	cash     decimal.Decimal
	appended []models.Transaction
}

func (t *memTx) GetCashBalance(ctx context.Context) (decimal.Decimal, error) {
	return t.cash, nil
}

func (t *memTx) SetCashBalance(ctx context.Context, cash decimal.Decimal) error {
	t.cash = cash
	return nil
}

func (t *memTx) GetSharesHeld(ctx context.Context, symbol string) (int64, error) {
	all := append(append([]models.Transaction(nil), t.l.txs[t.userID]...), t.appended...)
	return netShares(all)[symbol], nil
}

func (t *memTx) AppendTransaction(ctx context.Context, rec *models.Transaction) (*models.Transaction, error) {
	if t.l.failAppend != nil {
		return nil, t.l.failAppend
	}
	stored := *rec
	stored.ID = t.l.nextID + int64(len(t.appended)) + 1
	t.appended = append(t.appended, stored)
	return &stored, nil
}
