package models

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// USD formats an amount as US dollars, e.g. "$1,234.56".
func USD(d decimal.Decimal) string {
	cents := d.Shift(2).Round(0).IntPart()
	return money.New(cents, money.USD).Display()
}
