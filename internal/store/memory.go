package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/smm/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-process slices. State lives for the
// lifetime of the process only.
type MemoryStore struct {
	mu sync.RWMutex
	t  memTables
}

// NewMemoryStore creates an in-memory store initialised from the default
// fixture stamped at now.
func NewMemoryStore(now time.Time) *MemoryStore {
	return NewMemoryStoreFrom(DefaultFixture(now))
}

// NewMemoryStoreFrom creates an in-memory store initialised from fx.
func NewMemoryStoreFrom(fx Fixture) *MemoryStore {
	s := &MemoryStore{}
	s.t = memTables{
		cash:       fx.Cash,
		securities: slices.Clone(fx.Securities),
		positions:  slices.Clone(fx.Positions),
		quotes:     slices.Clone(fx.Quotes),
		history:    slices.Clone(fx.Quotes),
		settings:   cloneSettings(fx.Settings),
	}
	return s
}

func (s *MemoryStore) Backend() model.StorageType { return model.StorageMemory }

func (s *MemoryStore) Close() error { return nil }

// Atomic holds the write lock for the whole of fn and restores the tables
// if fn fails.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tables) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.t.clone()
	if err := fn(&s.t); err != nil {
		s.t = saved
		return err
	}
	return nil
}

func (s *MemoryStore) GetCashAccount(ctx context.Context) (model.CashAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetCashAccount(ctx)
}

func (s *MemoryStore) UpdateCashAccount(ctx context.Context, acct model.CashAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.UpdateCashAccount(ctx, acct)
}

func (s *MemoryStore) GetSecurities(ctx context.Context) ([]model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetSecurities(ctx)
}

func (s *MemoryStore) GetSecurityByID(ctx context.Context, id string) (model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetSecurityByID(ctx, id)
}

func (s *MemoryStore) CreateSecurity(ctx context.Context, sec model.Security) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.CreateSecurity(ctx, sec)
}

func (s *MemoryStore) GetPositions(ctx context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetPositions(ctx)
}

func (s *MemoryStore) GetPositionBySecurityID(ctx context.Context, securityID string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetPositionBySecurityID(ctx, securityID)
}

func (s *MemoryStore) UpdatePosition(ctx context.Context, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.UpdatePosition(ctx, pos)
}

func (s *MemoryStore) DeletePosition(ctx context.Context, securityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.DeletePosition(ctx, securityID)
}

func (s *MemoryStore) GetQuotes(ctx context.Context) ([]model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetQuotes(ctx)
}

func (s *MemoryStore) GetQuoteBySecurityID(ctx context.Context, securityID string) (model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetQuoteBySecurityID(ctx, securityID)
}

func (s *MemoryStore) UpdateQuote(ctx context.Context, q model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.UpdateQuote(ctx, q)
}

func (s *MemoryStore) GetQuoteBySecurityIDAndDate(ctx context.Context, securityID string, at time.Time) (model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetQuoteBySecurityIDAndDate(ctx, securityID, at)
}

func (s *MemoryStore) GetSettings(ctx context.Context) (model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t.GetSettings(ctx)
}

func (s *MemoryStore) UpdateSettings(ctx context.Context, st model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.UpdateSettings(ctx, st)
}

func (s *MemoryStore) UpdateMarketDataConfig(ctx context.Context, cfg model.MarketDataConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t.UpdateMarketDataConfig(ctx, cfg)
}

// memTables holds the tables and implements Tables without locking. Every
// read returns copies so callers never alias internal state.
type memTables struct {
	cash       model.CashAccount
	securities []model.Security
	positions  []model.Position
	quotes     []model.Quote
	history    []model.Quote // append-only
	settings   model.Settings
}

func (t *memTables) clone() memTables {
	return memTables{
		cash:       t.cash,
		securities: slices.Clone(t.securities),
		positions:  slices.Clone(t.positions),
		quotes:     slices.Clone(t.quotes),
		history:    slices.Clone(t.history),
		settings:   cloneSettings(t.settings),
	}
}

func (t *memTables) GetCashAccount(context.Context) (model.CashAccount, error) {
	return t.cash, nil
}

func (t *memTables) UpdateCashAccount(_ context.Context, acct model.CashAccount) error {
	t.cash = acct
	return nil
}

func (t *memTables) GetSecurities(context.Context) ([]model.Security, error) {
	return slices.Clone(t.securities), nil
}

func (t *memTables) GetSecurityByID(_ context.Context, id string) (model.Security, error) {
	for _, s := range t.securities {
		if s.ID == id {
			return s, nil
		}
	}
	return model.Security{}, fmt.Errorf("security %s: %w", id, ErrNotFound)
}

func (t *memTables) CreateSecurity(_ context.Context, sec model.Security) error {
	for _, s := range t.securities {
		if s.ID == sec.ID {
			return fmt.Errorf("security %s: %w", sec.ID, ErrDuplicate)
		}
	}
	t.securities = append(t.securities, sec)
	return nil
}

func (t *memTables) GetPositions(context.Context) ([]model.Position, error) {
	return slices.Clone(t.positions), nil
}

func (t *memTables) GetPositionBySecurityID(_ context.Context, securityID string) (model.Position, error) {
	for _, p := range t.positions {
		if p.SecurityID == securityID {
			return p, nil
		}
	}
	return model.Position{}, fmt.Errorf("position %s: %w", securityID, ErrNotFound)
}

func (t *memTables) UpdatePosition(_ context.Context, pos model.Position) error {
	for i, p := range t.positions {
		if p.SecurityID == pos.SecurityID {
			t.positions[i] = pos
			return nil
		}
	}
	t.positions = append(t.positions, pos)
	return nil
}

func (t *memTables) DeletePosition(_ context.Context, securityID string) error {
	t.positions = slices.DeleteFunc(t.positions, func(p model.Position) bool {
		return p.SecurityID == securityID
	})
	return nil
}

func (t *memTables) GetQuotes(context.Context) ([]model.Quote, error) {
	return slices.Clone(t.quotes), nil
}

func (t *memTables) GetQuoteBySecurityID(_ context.Context, securityID string) (model.Quote, error) {
	for _, q := range t.quotes {
		if q.SecurityID == securityID {
			return q, nil
		}
	}
	return model.Quote{}, fmt.Errorf("quote %s: %w", securityID, ErrNotFound)
}

func (t *memTables) UpdateQuote(_ context.Context, q model.Quote) error {
	replaced := false
	for i, existing := range t.quotes {
		if existing.SecurityID == q.SecurityID {
			t.quotes[i] = q
			replaced = true
			break
		}
	}
	if !replaced {
		t.quotes = append(t.quotes, q)
	}
	t.history = append(t.history, q)
	return nil
}

func (t *memTables) GetQuoteBySecurityIDAndDate(_ context.Context, securityID string, at time.Time) (model.Quote, error) {
	q, ok := latestAt(t.history, securityID, at)
	if !ok {
		return model.Quote{}, fmt.Errorf("quote %s at %s: %w", securityID, at.Format(time.RFC3339), ErrNotFound)
	}
	return q, nil
}

func (t *memTables) GetSettings(context.Context) (model.Settings, error) {
	return cloneSettings(t.settings), nil
}

func (t *memTables) UpdateSettings(_ context.Context, s model.Settings) error {
	t.settings = cloneSettings(s)
	return nil
}

func (t *memTables) UpdateMarketDataConfig(_ context.Context, cfg model.MarketDataConfig) error {
	t.settings.MarketData = cloneSettings(model.Settings{MarketData: cfg}).MarketData
	return nil
}

// cloneSettings deep-copies the pointer fields of s.
func cloneSettings(s model.Settings) model.Settings {
	if s.MarketData.Broker != nil {
		b := *s.MarketData.Broker
		s.MarketData.Broker = &b
	}
	if s.Storage != nil {
		st := *s.Storage
		if st.Postgres != nil {
			pg := *st.Postgres
			st.Postgres = &pg
		}
		s.Storage = &st
	}
	return s
}
