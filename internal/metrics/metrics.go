// Package metrics provides Prometheus instrumentation for the portfolio engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smm_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks trade execution latency, including the store round-trips.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smm_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades refused by the ledger, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smm_trade_rejections_total",
		Help: "Trades rejected by the ledger",
	}, []string{"side", "reason"})

	// QuoteWrites counts quote updates by origin (api, refresh).
	QuoteWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smm_quote_writes_total",
		Help: "Quotes written to the current table and history log",
	}, []string{"origin"})

	// TotalValuation is the last computed portfolio valuation.
	TotalValuation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smm_total_valuation",
		Help: "Last computed portfolio valuation",
	})

	// ActiveBackend is 1 for the storage backend in use, 0 for the others.
	ActiveBackend = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smm_active_backend",
		Help: "Storage backend currently in use",
	}, []string{"backend"})

	// MarketDataRefreshes counts scheduled refresh runs by outcome.
	MarketDataRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smm_marketdata_refreshes_total",
		Help: "Market data refresh runs",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "smm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetActiveBackend flips the backend gauge to name.
func SetActiveBackend(name string, all []string) {
	for _, b := range all {
		v := 0.0
		if b == name {
			v = 1
		}
		ActiveBackend.WithLabelValues(b).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
