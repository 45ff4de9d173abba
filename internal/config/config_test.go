package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smm/portfolio-engine/internal/config"
	"github.com/smm/portfolio-engine/internal/model"
)

// clearEnv unsets every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "CORS_ORIGIN", "LOG_LEVEL", "STORAGE_TYPE", "DATABASE_URL", "REDIS_URL",
		"MARKETDATA_BASE_URL", "REFRESH_CRON", "SQLITE_PATH", "CONFIG_PATH",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Server.CORSOrigin != "http://localhost:5173" {
		t.Errorf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Storage.Type != model.StorageMemory || cfg.Storage.KeyPrefix != "smm_" {
		t.Errorf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.Journal.SQLitePath != "data/journal.db" {
		t.Errorf("unexpected journal path %q", cfg.Journal.SQLitePath)
	}
	if cfg.PostgresConfig() != nil {
		t.Error("expected no postgres config by default")
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  port: "9000"
log:
  level: debug
storage:
  type: postgresql
  postgres:
    host: db
    database: smm
    user: app
    password: secret
market_data:
  refresh_cron: "0 0 * * * *"
`)
	t.Setenv("PORT", "9100")
	t.Setenv("SQLITE_PATH", "/tmp/j.db")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("expected env PORT to win, got %q", cfg.Server.Port)
	}
	if cfg.Journal.SQLitePath != "/tmp/j.db" {
		t.Errorf("expected SQLITE_PATH override, got %q", cfg.Journal.SQLitePath)
	}
	if lvl, _ := cfg.LogLevel(); lvl != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", lvl)
	}

	sc := cfg.StorageConfig()
	if sc.Type != model.StoragePostgres || sc.Postgres == nil || sc.Postgres.Port != 5432 || sc.Postgres.Host != "db" {
		t.Errorf("unexpected storage config %+v", sc)
	}
}

func TestLoad_DatabaseURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_TYPE", "postgresql")
	t.Setenv("DATABASE_URL", "postgres://app:pw@db:5432/smm")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.StorageConfig().Postgres.ConnString(); got != "postgres://app:pw@db:5432/smm" {
		t.Errorf("expected DATABASE_URL as conn string, got %q", got)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "server:\n  port: \"http\"\n", "server.port"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad storage", "storage:\n  type: floppy\n", "storage.type"},
		{"kv without redis", "storage:\n  type: localStorage\n", "redis_url"},
		{"postgres without host", "storage:\n  type: postgresql\n", "postgres"},
		{"bad cron", "market_data:\n  refresh_cron: \"every minute\"\n", "refresh_cron"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := config.Load(writeConfig(t, tc.yaml))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	if _, err := config.Load(writeConfig(t, "server: [")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	if config.Path() != config.DefaultPath {
		t.Errorf("expected default path, got %q", config.Path())
	}
	t.Setenv("CONFIG_PATH", "/etc/smm.yaml")
	if config.Path() != "/etc/smm.yaml" {
		t.Errorf("expected CONFIG_PATH, got %q", config.Path())
	}
}
