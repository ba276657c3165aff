package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// iexQuote is the subset of the IEX Cloud quote payload we read
type iexQuote struct {
	Symbol      string   `json:"symbol"`
	CompanyName string   `json:"companyName"`
	LatestPrice *float64 `json:"latestPrice"`
}

// Client fetches quotes from an IEX Cloud compatible HTTP API
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a quote client; every lookup is bounded by timeout
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "quote-client").Logger(),
	}
}

// Lookup fetches the current quote for symbol
func (c *Client) Lookup(ctx context.Context, symbol string) (Quote, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return Quote{}, ErrSymbolNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/stock/%s/quote?token=%s", c.baseURL, url.PathEscape(symbol), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to build quote request: %w", errors.Join(ErrUnavailable, withoutURL(err)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		err = withoutURL(err)
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote request failed")
		return Quote{}, fmt.Errorf("failed to fetch quote for %s: %w", symbol, errors.Join(ErrUnavailable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	case resp.StatusCode != http.StatusOK:
		c.log.Warn().Int("status", resp.StatusCode).Str("symbol", symbol).Msg("Unexpected quote response")
		return Quote{}, fmt.Errorf("quote for %s returned status %d: %w", symbol, resp.StatusCode, ErrUnavailable)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("failed to read quote for %s: %w", symbol, errors.Join(ErrUnavailable, err))
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}

	var payload iexQuote
	if err := json.Unmarshal(body, &payload); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Malformed quote payload")
		return Quote{}, fmt.Errorf("failed to decode quote for %s: %w", symbol, errors.Join(ErrUnavailable, err))
	}
	// sub-cent prices can round away to nothing
	if payload.LatestPrice == nil {
		return Quote{}, fmt.Errorf("%s has no price: %w", symbol, ErrSymbolNotFound)
	}
	price := decimal.NewFromFloat(*payload.LatestPrice).Round(4)
	if !price.IsPositive() {
		return Quote{}, fmt.Errorf("%s has no price: %w", symbol, ErrSymbolNotFound)
	}

	q := Quote{
		Symbol: NormalizeSymbol(payload.Symbol),
		Name:   payload.CompanyName,
		Price:  price,
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.Name == "" {
		q.Name = q.Symbol
	}
	return q, nil
}

// withoutURL drops the request URL, which carries the API token, from
// transport errors.
func withoutURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
