package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/portfolio"
)

var testDB *DB

// Postgres tests run only when TEST_DATABASE_URL points at a disposable database.
func TestMain(m *testing.M) {
	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	database, err := NewDB(ctx, connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := database.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}
	testDB = database

	code := m.Run()
	database.Close(ctx)
	os.Exit(code)
}

func resetDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("TEST_DATABASE_URL not set")
	}
	_, err := testDB.Pool.Exec(context.Background(), "TRUNCATE TABLE users, transactions RESTART IDENTITY CASCADE")
	require.NoError(t, err)
}

func createUser(t *testing.T, username, cash string) *models.User {
	t.Helper()
	user, err := testDB.CreateUser(context.Background(), username, "hash", decimal.RequireFromString(cash))
	require.NoError(t, err)
	return user
}

func TestDB_CreateUser(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	user, err := testDB.CreateUser(ctx, "alice", "hash", decimal.RequireFromString("10000.00"))
	require.NoError(t, err)
	assert.Equal(t, 1, user.ID)
	assert.True(t, decimal.NewFromInt(10000).Equal(user.Cash))

	_, err = testDB.CreateUser(ctx, "alice", "other", decimal.Zero)
	assert.ErrorIs(t, err, models.ErrUsernameTaken)

	got, err := testDB.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = testDB.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrUserNotFound)

	_, err = testDB.GetUserByID(ctx, 999)
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestDB_InTx_AppendAndBalance(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	user := createUser(t, "alice", "10000")
	executed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := testDB.InTx(ctx, user.ID, func(tx portfolio.LedgerTx) error {
		cash, err := tx.GetCashBalance(ctx)
		if err != nil {
			return err
		}
		if err := tx.SetCashBalance(ctx, cash.Sub(decimal.RequireFromString("500.1234"))); err != nil {
			return err
		}
		_, err = tx.AppendTransaction(ctx, &models.Transaction{
			Symbol: "ACME", CompanyName: "Acme Corp", Price: decimal.RequireFromString("50.01234"),
			Shares: 10, Direction: models.Bought, ExecutedAt: executed,
		})
		if err != nil {
			return err
		}
		held, err := tx.GetSharesHeld(ctx, "ACME")
		require.NoError(t, err)
		assert.Equal(t, int64(10), held)
		return nil
	})
	require.NoError(t, err)

	cash, err := testDB.GetCashBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "9499.8766", cash.String())

	txs, err := testDB.GetTransactions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "ACME", txs[0].Symbol)
	assert.Equal(t, models.Bought, txs[0].Direction)
	assert.Equal(t, "50.0123", txs[0].Price.String())
	assert.True(t, executed.Equal(txs[0].ExecutedAt))
}

func TestDB_InTx_RollbackOnError(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	user := createUser(t, "alice", "100")

	err := testDB.InTx(ctx, user.ID, func(tx portfolio.LedgerTx) error {
		require.NoError(t, tx.SetCashBalance(ctx, decimal.Zero))
		_, err := tx.AppendTransaction(ctx, &models.Transaction{
			Symbol: "ACME", CompanyName: "Acme", Price: decimal.NewFromInt(100),
			Shares: 1, Direction: models.Bought, ExecutedAt: time.Now(),
		})
		require.NoError(t, err)
		return portfolio.ErrInsufficientCash
	})
	assert.ErrorIs(t, err, portfolio.ErrInsufficientCash)

	cash, err := testDB.GetCashBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", cash.String())
	txs, err := testDB.GetTransactions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestDB_AppendTransaction_Invalid(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	user := createUser(t, "alice", "100")

	tests := []struct {
		name string
		tx   models.Transaction
	}{
		{"InvalidDirection", models.Transaction{Symbol: "A", Price: decimal.NewFromInt(1), Shares: 1, Direction: "held"}},
		{"ZeroShares", models.Transaction{Symbol: "A", Price: decimal.NewFromInt(1), Shares: 0, Direction: models.Bought}},
		{"ZeroPrice", models.Transaction{Symbol: "A", Price: decimal.Zero, Shares: 1, Direction: models.Bought}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testDB.InTx(ctx, user.ID, func(tx portfolio.LedgerTx) error {
				_, err := tx.AppendTransaction(ctx, &tt.tx)
				return err
			})
			assert.Error(t, err)
		})
	}
}

func TestDB_InTx_UnknownUser(t *testing.T) {
	resetDB(t)
	err := testDB.InTx(context.Background(), 999, func(tx portfolio.LedgerTx) error { return nil })
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestDB_InTx_ConcurrentDebits(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	user := createUser(t, "alice", "1000")
	price := decimal.NewFromInt(100)

	var wg sync.WaitGroup
	n := 20
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := testDB.InTx(ctx, user.ID, func(tx portfolio.LedgerTx) error {
				cash, err := tx.GetCashBalance(ctx)
				if err != nil {
					return err
				}
				if cash.LessThan(price) {
					return portfolio.ErrInsufficientCash
				}
				return tx.SetCashBalance(ctx, cash.Sub(price))
			})
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, successCount)
	cash, err := testDB.GetCashBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, cash.IsZero())
}
