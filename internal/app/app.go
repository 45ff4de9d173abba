// Package app assembles the ledger and its collaborators from a Config.
// Both the HTTP server and portfolioctl start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smm/portfolio-engine/internal/config"
	"github.com/smm/portfolio-engine/internal/journal"
	"github.com/smm/portfolio-engine/internal/ledger"
	"github.com/smm/portfolio-engine/internal/model"
	"github.com/smm/portfolio-engine/internal/store"
)

// App holds the opened dependencies. Close releases them.
type App struct {
	Config     *config.Config
	Redis      *redis.Client // nil when redis is not configured or unreachable
	Factory    *store.Factory
	Preference store.Preference
	Ledger     *ledger.Service
}

// Open connects to redis when configured, restores the saved storage
// preference and opens that backend. A backend that fails to open falls
// back to memory with a warning, as does a journal that fails to open.
func Open(ctx context.Context, cfg *config.Config, opts ...ledger.Option) (*App, error) {
	a := &App{Config: cfg}

	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			slog.Warn("redis unreachable, key-value backend disabled", "err", err)
			rdb.Close()
		} else {
			a.Redis = rdb
			slog.Info("connected to redis")
		}
	}

	a.Factory = &store.Factory{
		Redis:     a.Redis,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Postgres:  cfg.PostgresConfig(),
	}
	if a.Redis != nil {
		a.Preference = store.NewRedisPreference(a.Redis)
	} else {
		a.Preference = store.FilePreference{Path: cfg.Storage.PreferenceFile}
	}

	sc := cfg.StorageConfig()
	saved, ok, err := a.Preference.Load(ctx)
	switch {
	case err != nil:
		slog.Warn("storage preference unreadable, using configured backend", "err", err)
	case ok:
		sc = saved
	}

	st, err := a.Factory.Open(ctx, sc)
	if err != nil {
		slog.Warn("storage backend unavailable, falling back to memory (data will not persist)",
			"backend", sc.Type, "err", err)
		st = store.NewMemoryStore(time.Now())
	}
	slog.Info("storage backend ready", "backend", st.Backend())

	var rec journal.Recorder = journal.NewNoopRecorder()
	if path := cfg.Journal.SQLitePath; path != "" {
		sqlite, err := journal.NewSQLiteRecorder(path)
		if err != nil {
			slog.Warn("trade journal disabled", "path", path, "err", err)
		} else {
			rec = sqlite
		}
	}

	base := []ledger.Option{
		ledger.WithJournal(rec),
		ledger.WithFactory(a.Factory),
		ledger.WithPreference(a.Preference),
	}
	a.Ledger = ledger.NewService(st, append(base, opts...)...)
	return a, nil
}

// Backend is the storage type of the active backend.
func (a *App) Backend() model.StorageType {
	return a.Ledger.Backend()
}

// Close closes the ledger, its journal and the redis client.
func (a *App) Close() error {
	err := a.Ledger.Close()
	if a.Redis != nil {
		err = errors.Join(err, a.Redis.Close())
	}
	return err
}
