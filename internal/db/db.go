package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/portfolio"
)

//go:embed migrations/001_init.sql
var initSchema string

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateUser inserts a new user with a starting cash balance
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, cash decimal.Decimal) (*models.User, error) {
	user := &models.User{}
	var cashText string
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, cash) VALUES ($1, $2, $3::numeric) RETURNING id, username, password_hash, cash::text, created_at",
		username, passwordHash, cash.String()).Scan(&user.ID, &user.Username, &user.PasswordHash, &cashText, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, models.ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if user.Cash, err = decimal.NewFromString(cashText); err != nil {
		return nil, fmt.Errorf("failed to parse cash: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, password_hash, cash::text, created_at FROM users WHERE username = $1", username)
}

// GetUserByID retrieves a user by id
func (db *DB) GetUserByID(ctx context.Context, userID int) (*models.User, error) {
	return db.getUser(ctx, "SELECT id, username, password_hash, cash::text, created_at FROM users WHERE id = $1", userID)
}

func (db *DB) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	user := &models.User{}
	var cashText string
	err := db.Pool.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Username, &user.PasswordHash, &cashText, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.Cash, err = decimal.NewFromString(cashText); err != nil {
		return nil, fmt.Errorf("failed to parse cash: %w", err)
	}
	return user, nil
}

// GetCashBalance returns the user's current cash
func (db *DB) GetCashBalance(ctx context.Context, userID int) (decimal.Decimal, error) {
	return getCash(ctx, db.Pool, "SELECT cash::text FROM users WHERE id = $1", userID)
}

// GetTransactions retrieves all of a user's transactions, most recent first
func (db *DB) GetTransactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, symbol, company_name, price::text, shares, direction, executed_at "+
			"FROM transactions WHERE user_id = $1 ORDER BY executed_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var priceText, direction string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.CompanyName, &priceText, &t.Shares, &direction, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if t.Price, err = decimal.NewFromString(priceText); err != nil {
			return nil, fmt.Errorf("failed to parse price: %w", err)
		}
		t.Direction = models.Direction(direction)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return txs, nil
}

// InTx runs fn in a database transaction holding a row lock on the user
func (db *DB) InTx(ctx context.Context, userID int, fn func(tx portfolio.LedgerTx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the user row so concurrent trades for this user serialize
	var id int
	err = tx.QueryRow(ctx, "SELECT id FROM users WHERE id = $1 FOR UPDATE", userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrUserNotFound
		}
		return fmt.Errorf("failed to lock user: %w", err)
	}

	if err := fn(&ledgerTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ledgerTx is the user-bound view used inside InTx
type ledgerTx struct {
	tx     pgx.Tx
	userID int
}

func (l *ledgerTx) GetCashBalance(ctx context.Context) (decimal.Decimal, error) {
	return getCash(ctx, l.tx, "SELECT cash::text FROM users WHERE id = $1", l.userID)
}

func (l *ledgerTx) SetCashBalance(ctx context.Context, cash decimal.Decimal) error {
	tag, err := l.tx.Exec(ctx, "UPDATE users SET cash = $1::numeric WHERE id = $2", cash.String(), l.userID)
	if err != nil {
		return fmt.Errorf("failed to update cash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (l *ledgerTx) GetSharesHeld(ctx context.Context, symbol string) (int64, error) {
	var held int64
	err := l.tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(CASE WHEN direction = 'bought' THEN shares ELSE -shares END), 0)::bigint "+
			"FROM transactions WHERE user_id = $1 AND symbol = $2",
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
	err := l.tx.QueryRow(ctx,
		"INSERT INTO transactions (user_id, symbol, company_name, price, shares, direction, executed_at) "+
			"VALUES ($1, $2, $3, $4::numeric, $5, $6, $7) RETURNING id",
		l.userID, t.Symbol, t.CompanyName, t.Price.String(), t.Shares, string(t.Direction), t.ExecutedAt).Scan(&rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}
	return &rec, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getCash(ctx context.Context, q queryRower, query string, userID int) (decimal.Decimal, error) {
	var cashText string
	if err := q.QueryRow(ctx, query, userID).Scan(&cashText); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
