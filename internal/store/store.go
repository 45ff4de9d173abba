// Package store defines the persistence interface for the portfolio ledger.
// Implementations include in-memory (transient), Redis (persisted key-value)
// and PostgreSQL (relational). All three must produce identical observable
// results for the same sequence of calls.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/smm/portfolio-engine/internal/model"
)

var (
	// ErrNotFound is the explicit "absent" signal of single-row reads.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when creating a security whose id exists.
	ErrDuplicate = errors.New("store: duplicate id")

	// ErrNotImplemented is returned by any path a backend cannot serve.
	// Backends never fabricate data for such paths.
	ErrNotImplemented = errors.New("store: not implemented")
)

// Tables is the CRUD capability set every backend implements.
type Tables interface {
	// --- Cash ---

	// GetCashAccount returns a copy of the cash account.
	GetCashAccount(ctx context.Context) (model.CashAccount, error)

	// UpdateCashAccount replaces the balance wholesale. No validation.
	UpdateCashAccount(ctx context.Context, acct model.CashAccount) error

	// --- Catalog ---

	GetSecurities(ctx context.Context) ([]model.Security, error)

	// GetSecurityByID returns ErrNotFound when absent.
	GetSecurityByID(ctx context.Context, id string) (model.Security, error)

	// CreateSecurity appends to the catalog; ErrDuplicate if the id exists.
	CreateSecurity(ctx context.Context, sec model.Security) error

	// --- Positions ---

	GetPositions(ctx context.Context) ([]model.Position, error)

	// GetPositionBySecurityID returns ErrNotFound when absent.
	GetPositionBySecurityID(ctx context.Context, securityID string) (model.Position, error)

	// UpdatePosition upserts by security id.
	UpdatePosition(ctx context.Context, pos model.Position) error

	// DeletePosition removes the position if present; no-op otherwise.
	DeletePosition(ctx context.Context, securityID string) error

	// --- Quotes ---

	// GetQuotes returns the current quote of every security.
	GetQuotes(ctx context.Context) ([]model.Quote, error)

	// GetQuoteBySecurityID returns the current quote or ErrNotFound.
	GetQuoteBySecurityID(ctx context.Context, securityID string) (model.Quote, error)

	// UpdateQuote upserts the current quote and always appends it to the
	// historical log.
	UpdateQuote(ctx context.Context, q model.Quote) error

	// GetQuoteBySecurityIDAndDate returns the historical quote with the
	// greatest timestamp <= at. Equal timestamps resolve to the quote
	// written last. ErrNotFound when none exists at or before at.
	GetQuoteBySecurityIDAndDate(ctx context.Context, securityID string, at time.Time) (model.Quote, error)

	// --- Settings ---

	GetSettings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, s model.Settings) error
	UpdateMarketDataConfig(ctx context.Context, cfg model.MarketDataConfig) error
}

// Store is a storage backend.
type Store interface {
	Tables

	// Atomic runs fn so that either every write made through tx is applied
	// or none is, and no other writer interleaves with fn's reads and writes.
	// Calling Atomic on a tx runs fn inline.
	Atomic(ctx context.Context, fn func(tx Tables) error) error

	// Backend identifies the storage medium.
	Backend() model.StorageType

	// Close releases resources owned by the backend.
	Close() error
}
