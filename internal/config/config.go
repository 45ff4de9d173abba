// Package config loads the service configuration from YAML, a .env file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/smm/portfolio-engine/internal/model"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "configs/config.yaml"

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port       string `yaml:"port"`
		CORSOrigin string `yaml:"cors_origin"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Storage struct {
		// Type is the backend used when no preference has been saved.
		Type           model.StorageType    `yaml:"type"`
		Postgres       model.PostgresConfig `yaml:"postgres"`
		RedisURL       string               `yaml:"redis_url"`
		KeyPrefix      string               `yaml:"key_prefix"`
		PreferenceFile string               `yaml:"preference_file"`
	} `yaml:"storage"`
	MarketData struct {
		BaseURL           string  `yaml:"base_url"`
		RefreshCron       string  `yaml:"refresh_cron"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"market_data"`
	Journal struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"journal"`
}

// LoadEnv loads a .env file from the working directory when present.
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ignoring .env file", "err", err)
	}
}

// Path returns CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.Server.CORSOrigin = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = model.StorageType(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("MARKETDATA_BASE_URL"); v != "" {
		cfg.MarketData.BaseURL = v
	}
	if v := os.Getenv("REFRESH_CRON"); v != "" {
		cfg.MarketData.RefreshCron = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Journal.SQLitePath = v
	}

	// Defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.CORSOrigin == "" {
		cfg.Server.CORSOrigin = "http://localhost:5173"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = model.StorageMemory
	}
	if cfg.Storage.Postgres.Port == 0 {
		cfg.Storage.Postgres.Port = 5432
	}
	if cfg.Storage.KeyPrefix == "" {
		cfg.Storage.KeyPrefix = "smm_"
	}
	if cfg.Storage.PreferenceFile == "" {
		cfg.Storage.PreferenceFile = "data/storage_preference.json"
	}
	if cfg.MarketData.BaseURL == "" {
		cfg.MarketData.BaseURL = "https://query1.finance.yahoo.com"
	}
	if cfg.MarketData.RefreshCron == "" {
		cfg.MarketData.RefreshCron = "0 */5 * * * *"
	}
	if cfg.MarketData.RequestsPerSecond == 0 {
		cfg.MarketData.RequestsPerSecond = 2
	}
	if cfg.Journal.SQLitePath == "" {
		cfg.Journal.SQLitePath = "data/journal.db"
	}

	return cfg, nil
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks that all fields hold usable values.
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Server.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("server.port %q is not a valid port", c.Server.Port)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if !c.Storage.Type.Valid() {
		return fmt.Errorf("storage.type %q must be one of memory, localStorage, postgresql", c.Storage.Type)
	}
	if c.Storage.Type == model.StorageKV && c.Storage.RedisURL == "" {
		return fmt.Errorf("storage.redis_url is required for the localStorage backend")
	}
	if c.Storage.Type == model.StoragePostgres && c.PostgresConfig() == nil {
		return fmt.Errorf("storage.postgres.host or DATABASE_URL is required for the postgresql backend")
	}
	if _, err := cronParser.Parse(c.MarketData.RefreshCron); err != nil {
		return fmt.Errorf("market_data.refresh_cron: %w", err)
	}
	if c.MarketData.RequestsPerSecond < 0 {
		return fmt.Errorf("market_data.requests_per_second must be positive")
	}
	return nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
}

// PostgresConfig returns the configured database, or nil when neither a
// host nor a URL is set.
func (c *Config) PostgresConfig() *model.PostgresConfig {
	pg := c.Storage.Postgres
	if pg.URL == "" && pg.Host == "" {
		return nil
	}
	return &pg
}

// StorageConfig is the backend to open when no preference is saved.
func (c *Config) StorageConfig() model.StorageConfig {
	sc := model.StorageConfig{Type: c.Storage.Type}
	if sc.Type == model.StoragePostgres {
		sc.Postgres = c.PostgresConfig()
	}
	return sc
}
