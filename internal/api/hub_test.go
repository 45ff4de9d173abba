package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smm/portfolio-engine/internal/api"
	"github.com/smm/portfolio-engine/internal/ledger"
	"github.com/smm/portfolio-engine/internal/metrics"
	"github.com/smm/portfolio-engine/internal/store"
)

func TestHubBroadcastsLedgerEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewHub("*")
	go hub.Run(ctx)

	svc := ledger.NewService(store.NewMemoryStore(seeded), ledger.WithNotifier(hub))
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(svc), hub, "*"))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.WebSocketClients) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(srv.URL+"/api/transactions/buy", "application/json", strings.NewReader(`{"securityId":"4","quantity":1}`))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("buy: status %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e ledger.Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	if e.Type != ledger.EventTradeExecuted || e.Trade == nil || e.Trade.SecurityID != "4" {
		t.Errorf("unexpected event: %s", msg)
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := api.NewHub("http://localhost:5173")
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}
