package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/smm/portfolio-engine/internal/api"
	"github.com/smm/portfolio-engine/internal/journal"
	"github.com/smm/portfolio-engine/internal/ledger"
	"github.com/smm/portfolio-engine/internal/model"
	"github.com/smm/portfolio-engine/internal/store"
)

var seeded = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newRouter(t *testing.T, opts ...ledger.Option) (http.Handler, *ledger.Service) {
	t.Helper()
	svc := ledger.NewService(store.NewMemoryStore(seeded), opts...)
	t.Cleanup(func() { svc.Close() })
	return api.NewRouter(api.NewHandler(svc), nil, "*"), svc
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	h, _ := newRouter(t)
	rec := do(t, h, http.MethodGet, "/health", "")
	expectStatus(t, rec, http.StatusOK)

	resp := decodeBody[api.HealthResponse](t, rec)
	if resp.Status != "ok" || resp.Service != api.ServiceName {
		t.Errorf("unexpected health body: %+v", resp)
	}
	if resp.Backend != model.StorageMemory {
		t.Errorf("expected memory backend, got %q", resp.Backend)
	}
}

func TestBuyThenSell(t *testing.T) {
	h, _ := newRouter(t)

	rec := do(t, h, http.MethodPost, "/api/transactions/buy", `{"securityId":"3","quantity":10}`)
	expectStatus(t, rec, http.StatusOK)
	env := decodeBody[api.Envelope](t, rec)
	if !env.Success || env.Trade == nil {
		t.Fatalf("expected a trade in the envelope, got %+v", env)
	}
	if !env.Trade.Amount.Equal(d(10000)) {
		t.Errorf("expected amount 10000, got %s", env.Trade.Amount)
	}
	if !env.Trade.CashAfter.Equal(d(90000)) {
		t.Errorf("expected cash 90000, got %s", env.Trade.CashAfter)
	}

	rec = do(t, h, http.MethodPost, "/api/transactions/sell", `{"securityId":"1","quantity":10}`)
	expectStatus(t, rec, http.StatusOK)

	rec = do(t, h, http.MethodGet, "/api/portfolio", "")
	expectStatus(t, rec, http.StatusOK)
	p := decodeBody[model.Portfolio](t, rec)
	if !p.Cash.Balance.Equal(d(91500)) {
		t.Errorf("expected cash 91500, got %s", p.Cash.Balance)
	}
	// 91500 cash + 5 x 2800 + 10 x 1000
	if !p.TotalValuation.Equal(d(115500)) {
		t.Errorf("expected total 115500, got %s", p.TotalValuation)
	}

	rec = do(t, h, http.MethodGet, "/api/securities/1", "")
	expectStatus(t, rec, http.StatusOK)
	detail := decodeBody[ledger.SecurityDetail](t, rec)
	if detail.Position != nil {
		t.Errorf("position 1 should be gone after selling everything, got %+v", detail.Position)
	}
	if detail.Quote == nil || !detail.Quote.Price.Equal(d(150)) {
		t.Errorf("expected current quote 150, got %+v", detail.Quote)
	}
}

func TestTradeFailures(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"zero quantity", "/api/transactions/buy", `{"securityId":"1","quantity":0}`, http.StatusUnprocessableEntity},
		{"negative quantity", "/api/transactions/sell", `{"securityId":"1","quantity":-1}`, http.StatusUnprocessableEntity},
		{"missing security", "/api/transactions/buy", `{"quantity":1}`, http.StatusBadRequest},
		{"unknown field", "/api/transactions/buy", `{"securityId":"1","quantity":1,"price":3}`, http.StatusBadRequest},
		{"malformed body", "/api/transactions/buy", `{"securityId":`, http.StatusBadRequest},
		{"unknown security", "/api/transactions/buy", `{"securityId":"99","quantity":1}`, http.StatusNotFound},
		{"insufficient funds", "/api/transactions/buy", `{"securityId":"2","quantity":1000}`, http.StatusUnprocessableEntity},
		{"insufficient holdings", "/api/transactions/sell", `{"securityId":"1","quantity":11}`, http.StatusUnprocessableEntity},
		{"sell unheld", "/api/transactions/sell", `{"securityId":"4","quantity":1}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newRouter(t)
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			expectStatus(t, rec, tt.want)

			body := decodeBody[map[string]string](t, rec)
			if body["error"] == "" {
				t.Errorf("expected an error message, got %s", rec.Body.String())
			}

			cash, err := svc.Cash(testContext(t))
			if err != nil {
				t.Fatalf("Cash: %v", err)
			}
			if !cash.Balance.Equal(store.InitialBalance) {
				t.Errorf("failed trade changed cash to %s", cash.Balance)
			}
		})
	}
}

func TestTradeHistory(t *testing.T) {
	t.Run("no journal", func(t *testing.T) {
		h, _ := newRouter(t)
		expectStatus(t, do(t, h, http.MethodGet, "/api/transactions", ""), http.StatusNotImplemented)
	})

	t.Run("sqlite journal", func(t *testing.T) {
		rec, err := journal.NewSQLiteRecorder(filepath.Join(t.TempDir(), "journal.db"))
		if err != nil {
			t.Fatalf("NewSQLiteRecorder: %v", err)
		}
		h, _ := newRouter(t, ledger.WithJournal(rec))

		expectStatus(t, do(t, h, http.MethodPost, "/api/transactions/buy", `{"securityId":"4","quantity":2}`), http.StatusOK)
		expectStatus(t, do(t, h, http.MethodPost, "/api/transactions/sell", `{"securityId":"4","quantity":1}`), http.StatusOK)

		resp := do(t, h, http.MethodGet, "/api/transactions?limit=1", "")
		expectStatus(t, resp, http.StatusOK)
		trades := decodeBody[[]model.Trade](t, resp)
		if len(trades) != 1 || trades[0].Side != model.SideSell {
			t.Fatalf("expected the sell first, got %+v", trades)
		}

		expectStatus(t, do(t, h, http.MethodGet, "/api/transactions?limit=abc", ""), http.StatusBadRequest)
	})
}

func TestSecurities(t *testing.T) {
	h, _ := newRouter(t)

	rec := do(t, h, http.MethodPost, "/api/securities", `{"symbol":"tsla","name":"Tesla Inc.","type":"acción"}`)
	expectStatus(t, rec, http.StatusCreated)
	env := decodeBody[api.Envelope](t, rec)
	if env.Security == nil || env.Security.ID != "TSLA" || env.Security.Type != model.SecurityEquity {
		t.Fatalf("unexpected security: %+v", env.Security)
	}

	expectStatus(t, do(t, h, http.MethodPost, "/api/securities", `{"symbol":"TSLA","name":"Again","type":"equity"}`), http.StatusConflict)
	expectStatus(t, do(t, h, http.MethodPost, "/api/securities", `{"symbol":"X","name":"X","type":"future"}`), http.StatusBadRequest)
	expectStatus(t, do(t, h, http.MethodPost, "/api/securities", `{"symbol":"X","type":"bono"}`), http.StatusBadRequest)

	rec = do(t, h, http.MethodGet, "/api/securities", "")
	expectStatus(t, rec, http.StatusOK)
	if secs := decodeBody[[]model.Security](t, rec); len(secs) != 5 {
		t.Errorf("expected 5 securities, got %d", len(secs))
	}

	rec = do(t, h, http.MethodGet, "/api/securities/TSLA", "")
	expectStatus(t, rec, http.StatusOK)
	if detail := decodeBody[ledger.SecurityDetail](t, rec); detail.Quote != nil || detail.Position != nil {
		t.Errorf("new security should have no quote or position, got %+v", detail)
	}

	expectStatus(t, do(t, h, http.MethodGet, "/api/securities/nope", ""), http.StatusNotFound)
	expectStatus(t, do(t, h, http.MethodGet, "/api/securities/TSLA/quote", ""), http.StatusNotFound)
	// Trading a security with no quote fails on the missing price.
	expectStatus(t, do(t, h, http.MethodPost, "/api/transactions/buy", `{"securityId":"TSLA","quantity":1}`), http.StatusNotFound)
}

func TestQuotes(t *testing.T) {
	h, _ := newRouter(t)

	rec := do(t, h, http.MethodPatch, "/api/quotes", `{"securityId":"1","price":175.5}`)
	expectStatus(t, rec, http.StatusOK)
	env := decodeBody[api.Envelope](t, rec)
	if env.Quote == nil || !env.Quote.Price.Equal(d(175.5)) {
		t.Fatalf("unexpected quote: %+v", env.Quote)
	}

	expectStatus(t, do(t, h, http.MethodPatch, "/api/quotes", `{"securityId":"1","price":0}`), http.StatusUnprocessableEntity)
	expectStatus(t, do(t, h, http.MethodPatch, "/api/quotes", `{"securityId":"99","price":1}`), http.StatusNotFound)

	rec = do(t, h, http.MethodPatch, "/api/quotes/bulk", `[{"securityId":"2","price":2900},{"securityId":"4","price":"400.25"}]`)
	expectStatus(t, rec, http.StatusOK)
	if env := decodeBody[api.Envelope](t, rec); len(env.Quotes) != 2 || env.Quotes[0].At != env.Quotes[1].At {
		t.Fatalf("expected two quotes sharing a timestamp, got %+v", env.Quotes)
	}

	expectStatus(t, do(t, h, http.MethodPatch, "/api/quotes/bulk", `[]`), http.StatusBadRequest)
	expectStatus(t, do(t, h, http.MethodPatch, "/api/quotes/bulk", `[{"price":1}]`), http.StatusBadRequest)
	// One unknown security rejects the whole batch.
	expectStatus(t, do(t, h, http.MethodPatch, "/api/quotes/bulk", `[{"securityId":"4","price":1},{"securityId":"99","price":1}]`), http.StatusNotFound)

	rec = do(t, h, http.MethodGet, "/api/quotes", "")
	expectStatus(t, rec, http.StatusOK)
	for _, q := range decodeBody[[]model.Quote](t, rec) {
		if q.SecurityID == "4" && !q.Price.Equal(d(400.25)) {
			t.Errorf("rejected batch changed quote 4 to %s", q.Price)
		}
	}
}

func TestValuation(t *testing.T) {
	h, _ := newRouter(t)
	expectStatus(t, do(t, h, http.MethodPatch, "/api/quotes", `{"securityId":"1","price":200}`), http.StatusOK)

	expectStatus(t, do(t, h, http.MethodGet, "/api/quotes/valuation", ""), http.StatusBadRequest)
	expectStatus(t, do(t, h, http.MethodGet, "/api/quotes/valuation?at=yesterday", ""), http.StatusBadRequest)

	tests := []struct {
		path string
		want decimal.Decimal
	}{
		// Seed prices: 100000 + 10 x 150 + 5 x 2800.
		{"/api/quotes/valuation?at=2024-03-02", d(115500)},
		{"/api/quotes/valuation?at=2024-03-01T12:00:00Z", d(115500)},
		// Before any quote: positions contribute zero.
		{"/api/quotes/valuation?at=2024-02-01", d(100000)},
		// Now: the updated quote applies.
		{"/api/valuation", d(116000)},
	}
	for _, tt := range tests {
		rec := do(t, h, http.MethodGet, tt.path, "")
		expectStatus(t, rec, http.StatusOK)
		v := decodeBody[model.Valuation](t, rec)
		if !v.TotalValuation.Equal(tt.want) {
			t.Errorf("%s: expected %s, got %s", tt.path, tt.want, v.TotalValuation)
		}
	}

	rec := do(t, h, http.MethodGet, "/api/securities/1/quote?at=2024-03-02", "")
	expectStatus(t, rec, http.StatusOK)
	if q := decodeBody[model.Quote](t, rec); !q.Price.Equal(d(150)) {
		t.Errorf("expected historical price 150, got %s", q.Price)
	}
}

func TestMarketDataSettings(t *testing.T) {
	h, _ := newRouter(t)

	expectStatus(t, do(t, h, http.MethodPatch, "/api/settings/market-data", `{"source":"online"}`), http.StatusBadRequest)
	expectStatus(t, do(t, h, http.MethodPatch, "/api/settings/market-data", `{"source":"fax"}`), http.StatusBadRequest)

	rec := do(t, h, http.MethodPatch, "/api/settings/market-data",
		`{"source":"online","broker":{"id":7,"dni":"30111222","user":"trader","password":"hunter2"}}`)
	expectStatus(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("response leaks the broker password: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/settings", "")
	expectStatus(t, rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("settings leak the broker password: %s", rec.Body.String())
	}
	st := decodeBody[model.Settings](t, rec)
	if st.MarketData.Source != model.SourceOnline || st.MarketData.Broker == nil || st.MarketData.Broker.User != "trader" {
		t.Errorf("unexpected market data settings: %+v", st.MarketData)
	}
}

func TestStorageSwitch(t *testing.T) {
	t.Run("without factory", func(t *testing.T) {
		h, _ := newRouter(t)
		expectStatus(t, do(t, h, http.MethodPatch, "/api/settings/storage", `{"type":"localStorage"}`), http.StatusNotImplemented)
	})

	t.Run("validation", func(t *testing.T) {
		h, _ := newRouter(t, ledger.WithFactory(&store.Factory{}))
		expectStatus(t, do(t, h, http.MethodPatch, "/api/settings/storage", `{"type":"floppy"}`), http.StatusBadRequest)
		expectStatus(t, do(t, h, http.MethodPatch, "/api/settings/storage", `{"type":"postgresql"}`), http.StatusBadRequest)
		// The key-value backend needs redis.
		expectStatus(t, do(t, h, http.MethodPatch, "/api/settings/storage", `{"type":"localStorage"}`), http.StatusNotImplemented)
	})

	t.Run("to redis and back", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		factory := &store.Factory{Redis: rdb, Now: func() time.Time { return seeded }}
		pref := store.NewRedisPreference(rdb)
		h, svc := newRouter(t, ledger.WithFactory(factory), ledger.WithPreference(pref))

		rec := do(t, h, http.MethodPatch, "/api/settings/storage", `{"type":"localStorage"}`)
		expectStatus(t, rec, http.StatusOK)
		if svc.Backend() != model.StorageKV {
			t.Fatalf("expected key-value backend, got %q", svc.Backend())
		}
		saved, ok, err := pref.Load(testContext(t))
		if err != nil || !ok || saved.Type != model.StorageKV {
			t.Fatalf("preference not saved: %+v %v %v", saved, ok, err)
		}

		// Unreachable database: the current backend stays active.
		rec = do(t, h, http.MethodPatch, "/api/settings/storage",
			`{"type":"postgresql","postgresql":{"host":"127.0.0.1","port":1,"database":"smm","user":"smm","password":"pw"}}`)
		expectStatus(t, rec, http.StatusInternalServerError)
		if strings.Contains(rec.Body.String(), "pw") {
			t.Errorf("error leaks credentials: %s", rec.Body.String())
		}
		if svc.Backend() != model.StorageKV {
			t.Fatalf("failed switch changed the backend to %q", svc.Backend())
		}

		expectStatus(t, do(t, h, http.MethodPatch, "/api/settings/storage", `{"type":"memory"}`), http.StatusOK)
		rec = do(t, h, http.MethodGet, "/health", "")
		if resp := decodeBody[api.HealthResponse](t, rec); resp.Backend != model.StorageMemory {
			t.Errorf("expected memory backend, got %q", resp.Backend)
		}
	})
}

func TestDebugSnapshot(t *testing.T) {
	h, _ := newRouter(t)
	rec := do(t, h, http.MethodGet, "/api/settings/debug/snapshot", "")
	expectStatus(t, rec, http.StatusOK)

	snap := decodeBody[ledger.Snapshot](t, rec)
	if snap.Backend != model.StorageMemory || len(snap.Securities) != 4 || len(snap.Positions) != 2 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.Portfolio == nil || !snap.Portfolio.TotalValuation.Equal(d(115500)) {
		t.Errorf("unexpected snapshot portfolio: %+v", snap.Portfolio)
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newRouter(t)
	rec := do(t, h, http.MethodOptions, "/api/quotes", "")
	expectStatus(t, rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") {
		t.Errorf("expected PATCH to be allowed, got %q", got)
	}
}
