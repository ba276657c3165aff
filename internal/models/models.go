package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a ledger entry
type Direction string

const (
	Bought Direction = "bought"
	Sold   Direction = "sold"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// User represents a registered user
type User struct {
	ID           int             `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Cash         decimal.Decimal `json:"cash"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Transaction is an immutable ledger entry
type Transaction struct {
	ID          int64           `json:"id"`
	UserID      int             `json:"user_id"`
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"company_name"`
	Price       decimal.Decimal `json:"price"` // per share, at execution
	Shares      int64           `json:"shares"`
	Direction   Direction       `json:"direction"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Amount is the cash moved by the transaction: positive for sales, negative for purchases.
func (t Transaction) Amount() decimal.Decimal {
	total := t.Price.Mul(decimal.NewFromInt(t.Shares))
	if t.Direction == Bought {
		return total.Neg()
	}
	return total
}

// Holding is a derived position valued at the current market price
type Holding struct {
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"company_name"`
	Shares      int64           `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	Value       decimal.Decimal `json:"value"`
}

// NetWorth summarizes a user's cash and holdings
type NetWorth struct {
	Cash          decimal.Decimal `json:"cash"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	Total         decimal.Decimal `json:"total"`
	Holdings      []Holding       `json:"holdings"`
}
