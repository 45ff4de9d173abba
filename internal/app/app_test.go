package app_test

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/smm/portfolio-engine/internal/app"
	"github.com/smm/portfolio-engine/internal/config"
	"github.com/smm/portfolio-engine/internal/model"
	"github.com/smm/portfolio-engine/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.Type = model.StorageMemory
	cfg.Storage.KeyPrefix = "smm_"
	cfg.Storage.PreferenceFile = filepath.Join(dir, "storage.json")
	cfg.Journal.SQLitePath = filepath.Join(dir, "journal.db")
	return cfg
}

func TestOpen_Defaults(t *testing.T) {
	a, err := app.Open(testContext(t), testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.Backend() != model.StorageMemory {
		t.Errorf("expected memory backend, got %q", a.Backend())
	}
	if a.Redis != nil {
		t.Error("redis client should be nil without a redis url")
	}
	if _, ok := a.Preference.(store.FilePreference); !ok {
		t.Errorf("expected a file preference, got %T", a.Preference)
	}

	// The sqlite journal is wired: trades are listed, not 501.
	if _, err := a.Ledger.Buy(testContext(t), "1", 1); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	trades, err := a.Ledger.Trades(testContext(t), 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("expected one journaled trade, got %v %v", trades, err)
	}
}

func TestOpen_RestoresPreference(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage.RedisURL = "redis://" + mr.Addr()

	a, err := app.Open(testContext(t), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := a.Ledger.SwitchStorage(testContext(t), model.StorageConfig{Type: model.StorageKV}); err != nil {
		t.Fatalf("SwitchStorage: %v", err)
	}
	if _, err := a.Ledger.Buy(testContext(t), "3", 2); err != nil {
		t.Fatalf("Buy: %v", err)
	}
	a.Close()

	// A restart picks the saved backend and its data.
	b, err := app.Open(testContext(t), cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if b.Backend() != model.StorageKV {
		t.Fatalf("expected key-value backend after restart, got %q", b.Backend())
	}
	positions, err := b.Ledger.Positions(testContext(t))
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	found := false
	for _, p := range positions {
		if p.SecurityID == "3" && p.Quantity == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("position 3 not restored: %+v", positions)
	}
}

func TestOpen_FallsBackToMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = model.StoragePostgres
	cfg.Storage.Postgres = model.PostgresConfig{Host: "127.0.0.1", Port: 1, Database: "smm", User: "smm"}

	a, err := app.Open(testContext(t), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	if a.Backend() != model.StorageMemory {
		t.Errorf("expected memory fallback, got %q", a.Backend())
	}
}

func TestOpen_UnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.RedisURL = "redis://127.0.0.1:1"
	a, err := app.Open(testContext(t), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	if a.Redis != nil {
		t.Error("unreachable redis should be disabled")
	}
}

func TestOpen_InvalidRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.RedisURL = "mysql://nope"
	if _, err := app.Open(testContext(t), cfg); err == nil {
		t.Fatal("expected an error for a non-redis url")
	}
}
