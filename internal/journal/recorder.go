// Package journal keeps an append-only record of executed trades, separate
// from the ledger backend.
package journal

import (
	"context"

	"github.com/smm/portfolio-engine/internal/model"
	"github.com/smm/portfolio-engine/internal/store"
)

// DefaultLimit caps Trades when the caller passes a non-positive limit.
const DefaultLimit = 50

// Recorder persists executed trades for later inspection.
type Recorder interface {
	RecordTrade(ctx context.Context, t model.Trade) error
	// Trades returns up to limit trades, newest first.
	Trades(ctx context.Context, limit int) ([]model.Trade, error)
	Close() error
}

// NoopRecorder is used when no journal is configured. It accepts trades and
// reports listing as not implemented rather than returning an empty history.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordTrade(context.Context, model.Trade) error { return nil }
func (n *NoopRecorder) Trades(context.Context, int) ([]model.Trade, error) {
	return nil, store.ErrNotImplemented
}
func (n *NoopRecorder) Close() error { return nil }
