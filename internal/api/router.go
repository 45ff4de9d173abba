package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smm/portfolio-engine/internal/metrics"
)

// NewRouter wires the HTTP routes. hub may be nil to disable /api/ws.
func NewRouter(h *Handler, hub *Hub, corsOrigin string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(corsOrigin))

	r.Get("/health", h.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// WebSocket endpoint for live ledger events. Outside the timeout.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/portfolio", h.GetPortfolio)

			r.Post("/transactions/buy", h.Buy)
			r.Post("/transactions/sell", h.Sell)
			r.Get("/transactions", h.ListTrades)

			r.Get("/securities", h.ListSecurities)
			r.Post("/securities", h.CreateSecurity)
			r.Get("/securities/{securityID}", h.GetSecurity)
			r.Get("/securities/{securityID}/quote", h.GetSecurityQuote)

			r.Get("/quotes", h.ListQuotes)
			r.Patch("/quotes", h.UpdateQuote)
			r.Patch("/quotes/bulk", h.UpdateQuotesBulk)
			r.Get("/quotes/valuation", h.HistoricalValuation)
			r.Get("/valuation", h.Valuation)

			r.Get("/settings", h.GetSettings)
			r.Patch("/settings/market-data", h.UpdateMarketData)
			r.Patch("/settings/storage", h.UpdateStorage)
			r.Get("/settings/debug/snapshot", h.DebugSnapshot)
		})
	})
	return r
}

// cors allows the browser UI at origin to call the API.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
