// Package api is the HTTP facade over the ledger: it decodes and validates
// requests, calls the ledger and maps its failures to status codes. No
// business logic lives here.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smm/portfolio-engine/internal/ledger"
	"github.com/smm/portfolio-engine/internal/model"
	"github.com/smm/portfolio-engine/internal/store"
)

// ServiceName is reported by /health.
const ServiceName = "portfolio-engine"

// Handler serves the HTTP API.
type Handler struct {
	ledger *ledger.Service
	now    func() time.Time
}

// NewHandler creates a Handler over l.
func NewHandler(l *ledger.Service) *Handler {
	return &Handler{ledger: l, now: time.Now}
}

// --- Response types ---

// Envelope is the success body of every mutation.
type Envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Trade    *model.Trade    `json:"trade,omitempty"`
	Quote    *model.Quote    `json:"quote,omitempty"`
	Quotes   []model.Quote   `json:"quotes,omitempty"`
	Security *model.Security `json:"security,omitempty"`
	Settings *model.Settings `json:"settings,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Backend   model.StorageType `json:"backend"`
	Timestamp time.Time         `json:"timestamp"`
}

// --- Health ---

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   ServiceName,
		Backend:   h.ledger.Backend(),
		Timestamp: h.now().UTC(),
	})
}

// --- Portfolio and trades ---

// GetPortfolio handles GET /api/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.Portfolio(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Buy handles POST /api/transactions/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, model.SideBuy)
}

// Sell handles POST /api/transactions/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, model.SideSell)
}

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, side model.TradeSide) {
	var req TradeRequest
	if err := decode(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	var (
		t   model.Trade
		err error
	)
	if side == model.SideBuy {
		t, err = h.ledger.Buy(r.Context(), req.SecurityID, req.Quantity)
	} else {
		t, err = h.ledger.Sell(r.Context(), req.SecurityID, req.Quantity)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	verb := "Bought"
	if side == model.SideSell {
		verb = "Sold"
	}
	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: fmt.Sprintf("%s %d of security %s at %s", verb, t.Quantity, t.SecurityID, t.Price),
		Trade:   &t,
	})
}

// ListTrades handles GET /api/transactions?limit=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, "limit must be an integer between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := h.ledger.Trades(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// --- Securities ---

// ListSecurities handles GET /api/securities
func (h *Handler) ListSecurities(w http.ResponseWriter, r *http.Request) {
	secs, err := h.ledger.Securities(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, secs)
}

// CreateSecurity handles POST /api/securities
func (h *Handler) CreateSecurity(w http.ResponseWriter, r *http.Request) {
	var req SecurityRequest
	if err := decode(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	sec, err := h.ledger.CreateSecurity(r.Context(), req.ID, req.Symbol, req.Name, req.Type)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Envelope{Success: true, Message: "Security created", Security: &sec})
}

// GetSecurity handles GET /api/securities/{securityID}
func (h *Handler) GetSecurity(w http.ResponseWriter, r *http.Request) {
	detail, err := h.ledger.Security(r.Context(), chi.URLParam(r, "securityID"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetSecurityQuote handles GET /api/securities/{securityID}/quote?at=
func (h *Handler) GetSecurityQuote(w http.ResponseWriter, r *http.Request) {
	at, ok := h.optionalAt(w, r)
	if !ok {
		return
	}
	q, err := h.ledger.QuoteAt(r.Context(), chi.URLParam(r, "securityID"), at)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- Quotes ---

// ListQuotes handles GET /api/quotes
func (h *Handler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.ledger.Quotes(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// UpdateQuote handles PATCH /api/quotes
func (h *Handler) UpdateQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := decode(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	q, err := h.ledger.UpdateQuote(r.Context(), req.SecurityID, req.Price, h.now())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "Quote updated", Quote: &q})
}

// UpdateQuotesBulk handles PATCH /api/quotes/bulk
func (h *Handler) UpdateQuotesBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []QuoteRequest
	if err := decode(r, &reqs); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	updates := make([]ledger.QuoteUpdate, len(reqs))
	for i, req := range reqs {
		updates[i] = ledger.QuoteUpdate{SecurityID: req.SecurityID, Price: req.Price}
	}
	quotes, err := h.ledger.UpdateQuotes(r.Context(), updates, h.now())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Message: fmt.Sprintf("%d quotes updated", len(quotes)),
		Quotes:  quotes,
	})
}

// HistoricalValuation handles GET /api/quotes/valuation?at= (at required)
func (h *Handler) HistoricalValuation(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		writeError(w, "query parameter at is required (ISO-8601)", http.StatusBadRequest)
		return
	}
	at, err := parseAt(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.valuation(w, r, at)
}

// Valuation handles GET /api/valuation?at= (at defaults to now)
func (h *Handler) Valuation(w http.ResponseWriter, r *http.Request) {
	at, ok := h.optionalAt(w, r)
	if !ok {
		return
	}
	h.valuation(w, r, at)
}

func (h *Handler) valuation(w http.ResponseWriter, r *http.Request, at time.Time) {
	v, err := h.ledger.ValuationAt(r.Context(), at)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Settings ---

// GetSettings handles GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.Settings(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Redacted())
}

// UpdateMarketData handles PATCH /api/settings/market-data
func (h *Handler) UpdateMarketData(w http.ResponseWriter, r *http.Request) {
	var req MarketDataRequest
	if err := decode(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	st, err := h.ledger.UpdateMarketData(r.Context(), req.config())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	redacted := st.Redacted()
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: "Market data settings updated", Settings: &redacted})
}

// UpdateStorage handles PATCH /api/settings/storage
func (h *Handler) UpdateStorage(w http.ResponseWriter, r *http.Request) {
	var req StorageRequest
	if err := decode(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	cfg := req.config()
	st, err := h.ledger.SwitchStorage(r.Context(), cfg)
	if err != nil {
		if isClientError(err) {
			writeLedgerError(w, r, err)
			return
		}
		logInternal(r, "storage switch failed", err)
		writeError(w, "failed to open storage backend "+string(cfg.Type), http.StatusInternalServerError)
		return
	}
	redacted := st.Redacted()
	writeJSON(w, http.StatusOK, Envelope{
		Success:  true,
		Message:  "Storage backend set to " + string(cfg.Type),
		Settings: &redacted,
	})
}

// DebugSnapshot handles GET /api/settings/debug/snapshot
func (h *Handler) DebugSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ledger.Snapshot(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Helpers ---

// parseAt accepts RFC 3339 timestamps and plain ISO-8601 dates (UTC midnight).
func parseAt(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid at %q: expected ISO-8601 date or timestamp", s)
}

func (h *Handler) optionalAt(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return h.now(), true
	}
	at, err := parseAt(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return time.Time{}, false
	}
	return at, true
}

// statusFor maps client-facing failures to a status code, 0 otherwise.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errValidation), ledger.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrSecurityNotFound), errors.Is(err, ledger.ErrQuoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotImplemented), errors.Is(err, ledger.ErrStorageSwitchUnavailable):
		return http.StatusNotImplemented
	}
	return 0
}

func isClientError(err error) bool { return statusFor(err) != 0 }

// writeLedgerError maps a ledger failure to a response. Anything not in
// the taxonomy is logged and answered with a generic 500.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == 0 {
		logInternal(r, "request failed", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	msg := err.Error()
	if status == http.StatusConflict {
		msg = "a security with this id already exists"
	}
	writeError(w, msg, status)
}

func logInternal(r *http.Request, msg string, err error) {
	slog.Error(msg,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"err", err,
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
