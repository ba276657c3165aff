// Package sqlitedb is an embedded SQLite ledger store for single-node deployments.
package sqlitedb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/portfolio"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed-width so that stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB is a SQLite-backed ledger
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(ctx context.Context, path string) (*DB, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Ledger profile: WAL, fsync on every commit, write locks taken at BEGIN.
	connStr := absPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer anyway, and this keeps
	// concurrent trades strictly serialized.
	conn.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: conn, path: absPath}, nil
}

// Path returns the absolute path of the database file
func (db *DB) Path() string {
	return db.path
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// CreateUser inserts a new user with a starting cash balance
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, cash decimal.Decimal) (*models.User, error) {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, cash, created_at) VALUES (?, ?, ?, ?)",
		username, passwordHash, cash.String(), now.Format(timeLayout))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, models.ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return &models.User{ID: int(id), Username: username, PasswordHash: passwordHash, Cash: cash, CreatedAt: now}, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, password_hash, cash, created_at FROM users WHERE username = ?", username)
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, userID int) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, password_hash, cash, created_at FROM users WHERE id = ?", userID)
}

func (db *DB) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	var cashText, createdAt string
	err := db.conn.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Username, &user.PasswordHash, &cashText, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.Cash, err = decimal.NewFromString(cashText); err != nil {
		return nil, fmt.Errorf("failed to parse cash: %w", err)
	}
	if user.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return user, nil
}

// GetCashBalance returns the user's current cash
func (db *DB) GetCashBalance(ctx context.Context, userID int) (decimal.Decimal, error) {
	return getCash(ctx, db.conn, userID)
}

// GetTransactions retrieves all of a user's transactions, most recent first
func (db *DB) GetTransactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, user_id, symbol, company_name, price, shares, direction, executed_at "+
			"FROM transactions WHERE user_id = ? ORDER BY executed_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var priceText, direction, executedAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.CompanyName, &priceText, &t.Shares, &direction, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if t.Price, err = decimal.NewFromString(priceText); err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}
		if t.ExecutedAt, err = time.Parse(timeLayout, executedAt); err != nil {
			return nil, fmt.Errorf("failed to parse executed_at: %w", err)
		}
		t.Direction = models.Direction(direction)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return txs, nil
}

// InTx runs fn inside an immediate (write-locked) SQLite transaction
func (db *DB) InTx(ctx context.Context, userID int, fn func(tx portfolio.LedgerTx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int
	if err := tx.QueryRowContext(ctx, "SELECT id FROM users WHERE id = ?", userID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrUserNotFound
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	if err := fn(&ledgerTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx     *sql.Tx
	userID int
}

func (l *ledgerTx) GetCashBalance(ctx context.Context) (decimal.Decimal, error) {
	return getCash(ctx, l.tx, l.userID)
}

func (l *ledgerTx) SetCashBalance(ctx context.Context, cash decimal.Decimal) error {
	if cash.IsNegative() {
		return fmt.Errorf("cash must not be negative")
	}
	res, err := l.tx.ExecContext(ctx, "UPDATE users SET cash = ? WHERE id = ?", cash.String(), l.userID)
	if err != nil {
		return fmt.Errorf("failed to update cash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (l *ledgerTx) GetSharesHeld(ctx context.Context, symbol string) (int64, error) {
	var held int64
	err := l.tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(CASE WHEN direction = 'bought' THEN shares ELSE -shares END), 0) "+
			"FROM transactions WHERE user_id = ? AND symbol = ?",
		l.userID, symbol).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("failed to sum shares: %w", err)
	}
	return held, nil
}

func (l *ledgerTx) AppendTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, error) {
	if t.Direction != models.Bought && t.Direction != models.Sold {
		return nil, fmt.Errorf("direction must be 'bought' or 'sold'")
	}
	if t.Shares <= 0 {
		return nil, fmt.Errorf("shares must be positive")
	}
	if !t.Price.IsPositive() {
		return nil, fmt.Errorf("price must be positive")
	}

	rec := *t
	rec.UserID = l.userID
	rec.ExecutedAt = t.ExecutedAt.UTC()
	res, err := l.tx.ExecContext(ctx,
		"INSERT INTO transactions (user_id, symbol, company_name, price, shares, direction, executed_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?)",
		l.userID, t.Symbol, t.CompanyName, t.Price.String(), t.Shares, string(t.Direction), rec.ExecutedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read transaction id: %w", err)
	}
	return &rec, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCash(ctx context.Context, q queryRower, userID int) (decimal.Decimal, error) {
	var cashText string
	if err := q.QueryRowContext(ctx, "SELECT cash FROM users WHERE id = ?", userID).Scan(&cashText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, models.ErrUserNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to get cash: %w", err)
	}
	cash, err := decimal.NewFromString(cashText)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse cash: %w", err)
	}
	return cash, nil
}
