package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/portfolio"
	"github.com/xtrntr/papertrade/internal/quote"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Portfolio   *portfolio.Service
	Quotes      quote.Provider
	AuthService *auth.AuthService
	Hub         *Hub
	log         zerolog.Logger
}

// NewHandler creates a new handler
func NewHandler(svc *portfolio.Service, quotes quote.Provider, authService *auth.AuthService, hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{
		Portfolio:   svc,
		Quotes:      quotes,
		AuthService: authService,
		Hub:         hub,
		log:         log.With().Str("component", "api").Logger(),
	}
}

type holdingResponse struct {
	models.Holding
	PriceUSD string `json:"price_usd"`
	ValueUSD string `json:"value_usd"`
}

type portfolioResponse struct {
	Cash             decimal.Decimal   `json:"cash"`
	CashUSD          string            `json:"cash_usd"`
	HoldingsValue    decimal.Decimal   `json:"holdings_value"`
	HoldingsValueUSD string            `json:"holdings_value_usd"`
	Total            decimal.Decimal   `json:"total"`
	TotalUSD         string            `json:"total_usd"`
	Holdings         []holdingResponse `json:"holdings"`
}

type transactionResponse struct {
	models.Transaction
	PriceUSD  string `json:"price_usd"`
	AmountUSD string `json:"amount_usd"`
}

func newTransactionResponse(t models.Transaction) transactionResponse {
	return transactionResponse{
		Transaction: t,
		PriceUSD:    models.USD(t.Price),
		AmountUSD:   models.USD(t.Amount().Abs()),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps engine and store errors to responses. Rejections carry
// their own message; collaborator failures get a generic one.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case portfolio.IsRejection(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, portfolio.ErrQuoteUnavailable):
		writeError(w, http.StatusBadGateway, portfolio.ErrQuoteUnavailable.Error())
	case errors.Is(err, models.ErrUserNotFound):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	default:
		h.log.Error().Err(err).
			Str("request_id", requestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) setTokenCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(h.AuthService.TTL()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// Register handles user registration and logs the new user in
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	f, err := readFields(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := registerRequest{Username: f["username"], Password: f["password"], Confirmation: f["confirmation"]}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, models.ErrUsernameTaken) {
			writeError(w, http.StatusForbidden, models.ErrUsernameTaken.Error())
			return
		}
		h.writeFailure(w, r, err)
		return
	}

	token, err := h.AuthService.IssueToken(user)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.setTokenCookie(w, r, token)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"cash_usd": models.USD(user.Cash),
		"token":    token,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	f, err := readFields(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := loginRequest{Username: f["username"], Password: f["password"]}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusForbidden, auth.ErrInvalidCredentials.Error())
			return
		}
		h.writeFailure(w, r, err)
		return
	}
	h.setTokenCookie(w, r, token)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Logout clears the session cookie
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// Index reports cash, holdings at current prices and net worth
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	nw, err := h.Portfolio.NetWorth(r.Context(), userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	resp := portfolioResponse{
		Cash:             nw.Cash,
		CashUSD:          models.USD(nw.Cash),
		HoldingsValue:    nw.HoldingsValue,
		HoldingsValueUSD: models.USD(nw.HoldingsValue),
		Total:            nw.Total,
		TotalUSD:         models.USD(nw.Total),
		Holdings:         make([]holdingResponse, 0, len(nw.Holdings)),
	}
	for _, holding := range nw.Holdings {
		resp.Holdings = append(resp.Holdings, holdingResponse{
			Holding:  holding,
			PriceUSD: models.USD(holding.Price),
			ValueUSD: models.USD(holding.Value),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Quote looks up the current price of a symbol
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	f, err := readFields(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := quoteRequest{Symbol: f["symbol"]}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q, err := h.Quotes.Lookup(r.Context(), quote.NormalizeSymbol(req.Symbol))
	if err != nil {
		if errors.Is(err, quote.ErrSymbolNotFound) {
			writeError(w, http.StatusBadRequest, portfolio.ErrUnknownSymbol.Error())
			return
		}
		h.log.Warn().Err(err).Str("symbol", req.Symbol).Msg("Quote lookup failed")
		writeError(w, http.StatusBadGateway, portfolio.ErrQuoteUnavailable.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    q.Symbol,
		"name":      q.Name,
		"price":     q.Price,
		"price_usd": models.USD(q.Price),
	})
}

type tradeFunc func(r *http.Request, userID int, symbol string, shares int64) (*models.Transaction, error)

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, execute tradeFunc, message string) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	f, err := readFields(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := tradeRequest{Symbol: f["symbol"], Shares: f["shares"]}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := req.shareCount()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := execute(r, userID, req.Symbol, shares)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	// The trade is committed; a failed balance read only degrades the response.
	cashUSD := ""
	if cash, err := h.Portfolio.Cash(r.Context(), userID); err == nil {
		cashUSD = models.USD(cash)
	} else {
		h.log.Warn().Err(err).Int("user_id", userID).Msg("Failed to read cash after trade")
	}

	tx := newTransactionResponse(*record)
	h.Hub.Publish(userID, TradeEvent{Type: "trade", Transaction: tx, CashUSD: cashUSD})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     message,
		"transaction": tx,
		"cash_usd":    cashUSD,
	})
}

// Buy purchases shares at the current price
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, func(r *http.Request, userID int, symbol string, shares int64) (*models.Transaction, error) {
		return h.Portfolio.Buy(r.Context(), userID, symbol, shares)
	}, "Bought!")
}

// Sell sells shares at the current price
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, func(r *http.Request, userID int, symbol string, shares int64) (*models.Transaction, error) {
		return h.Portfolio.Sell(r.Context(), userID, symbol, shares)
	}, "Sold!")
}

// SellableSymbols lists the symbols the user can sell
func (h *Handler) SellableSymbols(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	symbols, err := h.Portfolio.SellableSymbols(r.Context(), userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"symbols": symbols})
}

// History lists every transaction of the user, most recent first
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	txs, err := h.Portfolio.History(r.Context(), userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		resp = append(resp, newTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": resp})
}

// Healthz reports liveness
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
