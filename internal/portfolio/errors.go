package portfolio

import "errors"

// Rejections. The messages are shown to the user as-is.
var (
	ErrMissingSymbol      = errors.New("please enter a stock symbol")
	ErrInvalidShares      = errors.New("please enter a positive whole number of shares")
	ErrUnknownSymbol      = errors.New("no data for this symbol, please make sure it was entered correctly and try again")
	ErrInsufficientCash   = errors.New("you do not have enough cash to complete this purchase")
	ErrInsufficientShares = errors.New("you do not own that many shares to sell")
)

// ErrQuoteUnavailable wraps quote provider failures other than an unknown symbol
var ErrQuoteUnavailable = errors.New("unable to look up the current price, please try again later")

// IsRejection reports whether err is an input or business rule rejection
// rather than a collaborator failure.
func IsRejection(err error) bool {
	for _, r := range []error{ErrMissingSymbol, ErrInvalidShares, ErrUnknownSymbol, ErrInsufficientCash, ErrInsufficientShares} {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
