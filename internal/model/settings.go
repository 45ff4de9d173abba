package model

import (
	"fmt"
	"net/url"
	"strconv"
)

// MarketDataSource selects where quotes come from.
type MarketDataSource string

const (
	SourceHardcoded MarketDataSource = "hardcoded"
	SourceOnline    MarketDataSource = "online"
)

// BrokerCredentials authenticate against the online market-data source.
type BrokerCredentials struct {
	ID       int    `json:"id" yaml:"id"`
	DNI      string `json:"dni" yaml:"dni"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

// MarketDataConfig is the market-data part of Settings.
type MarketDataConfig struct {
	Source MarketDataSource   `json:"source"`
	Broker *BrokerCredentials `json:"broker,omitempty"`
}

// StorageType identifies a storage backend.
type StorageType string

const (
	StorageMemory StorageType = "memory"
	// StorageKV is the persisted key-value backend. The wire name is kept
	// as "localStorage" for the UI.
	StorageKV       StorageType = "localStorage"
	StoragePostgres StorageType = "postgresql"
)

// Valid reports whether t names a known backend.
func (t StorageType) Valid() bool {
	switch t {
	case StorageMemory, StorageKV, StoragePostgres:
		return true
	}
	return false
}

// PostgresConfig holds relational backend credentials. URL, when set,
// takes precedence over the individual fields.
type PostgresConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	SSLMode  string `json:"sslMode,omitempty" yaml:"ssl_mode"`
	URL      string `json:"url,omitempty" yaml:"url"`
}

// ConnString returns a pgx connection string.
func (c PostgresConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(c.SSLMode)
	}
	return u.String()
}

// String never includes the password.
func (c PostgresConfig) String() string {
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err == nil {
			return u.Redacted()
		}
		return "postgres://<unparsable>"
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}

// StorageConfig selects and configures a storage backend.
type StorageConfig struct {
	Type     StorageType     `json:"type"`
	Postgres *PostgresConfig `json:"postgresql,omitempty"`
}

const redactedSecret = "********"

// Redacted returns a copy with secrets masked, safe to return to clients.
func (c StorageConfig) Redacted() StorageConfig {
	if c.Postgres == nil {
		return c
	}
	pg := *c.Postgres
	if pg.Password != "" {
		pg.Password = redactedSecret
	}
	if pg.URL != "" {
		if u, err := url.Parse(pg.URL); err == nil {
			pg.URL = u.Redacted()
		}
	}
	c.Postgres = &pg
	return c
}

// Settings is the single, fully replaceable configuration record of a ledger.
type Settings struct {
	MarketData MarketDataConfig `json:"marketData"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
}

// Redacted returns a copy with broker and database secrets masked.
func (s Settings) Redacted() Settings {
	if s.MarketData.Broker != nil {
		b := *s.MarketData.Broker
		if b.Password != "" {
			b.Password = redactedSecret
		}
		s.MarketData.Broker = &b
	}
	if s.Storage != nil {
		st := s.Storage.Redacted()
		s.Storage = &st
	}
	return s
}

// DefaultSettings are the settings of a freshly initialised ledger.
func DefaultSettings() Settings {
	return Settings{MarketData: MarketDataConfig{Source: SourceHardcoded}}
}
