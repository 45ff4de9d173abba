// Package ledger implements the portfolio business operations (buy, sell,
// valuation, quote writes and settings) once, over any store.Store.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/smm/portfolio-engine/internal/catalog"
	"github.com/smm/portfolio-engine/internal/journal"
	"github.com/smm/portfolio-engine/internal/metrics"
	"github.com/smm/portfolio-engine/internal/model"
	"github.com/smm/portfolio-engine/internal/store"
)

// Event types published to the Notifier.
const (
	EventQuoteUpdated    = "quote_updated"
	EventTradeExecuted   = "trade_executed"
	EventStorageSwitched = "storage_switched"
)

// Event describes a committed change.
type Event struct {
	Type    string            `json:"type"`
	Trade   *model.Trade      `json:"trade,omitempty"`
	Quotes  []model.Quote     `json:"quotes,omitempty"`
	Backend model.StorageType `json:"backend,omitempty"`
}

// Notifier receives events after they are committed. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// QuoteUpdate is one entry of a quote write.
type QuoteUpdate struct {
	SecurityID string
	Price      decimal.Decimal
}

// SecurityDetail is a catalog entry with its current quote and position,
// either of which may be absent.
type SecurityDetail struct {
	model.Security
	Quote    *model.Quote    `json:"quote,omitempty"`
	Position *model.Position `json:"position,omitempty"`
}

// Snapshot is a full dump of the ledger for debugging.
type Snapshot struct {
	Backend    model.StorageType `json:"backend"`
	Cash       model.CashAccount `json:"cash"`
	Securities []model.Security  `json:"securities"`
	Positions  []model.Position  `json:"positions"`
	Quotes     []model.Quote     `json:"quotes"`
	Settings   model.Settings    `json:"settings"`
	Portfolio  *model.Portfolio  `json:"portfolio,omitempty"`
	TakenAt    time.Time         `json:"takenAt"`
}

// Service runs business operations against the active backend. Mutations
// and backend switches hold the write lock; reads hold the read lock.
type Service struct {
	mu       sync.RWMutex
	store    store.Store
	switchMu sync.Mutex

	journal  journal.Recorder
	factory  *store.Factory
	pref     store.Preference
	notifier Notifier
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithJournal records every executed trade to r.
func WithJournal(r journal.Recorder) Option { return func(s *Service) { s.journal = r } }

// WithFactory enables SwitchStorage.
func WithFactory(f *store.Factory) Option { return func(s *Service) { s.factory = f } }

// WithPreference persists the chosen backend on SwitchStorage.
func WithPreference(p store.Preference) Option { return func(s *Service) { s.pref = p } }

// WithNotifier publishes committed changes to n.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a ledger over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:   st,
		journal: journal.NewNoopRecorder(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	setBackendGauge(st.Backend())
	return s
}

// Backend reports the active storage backend.
func (s *Service) Backend() model.StorageType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Backend()
}

// Close releases the active backend and the journal.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.store.Close(), s.journal.Close())
}

// --- Trades ---

// Buy debits quantity × current price from cash and adds quantity to the
// position, creating it if needed.
func (s *Service) Buy(ctx context.Context, securityID string, quantity int64) (model.Trade, error) {
	return s.trade(ctx, model.SideBuy, securityID, quantity)
}

// Sell credits quantity × current price to cash and decrements the
// position, deleting it at exactly zero.
func (s *Service) Sell(ctx context.Context, securityID string, quantity int64) (model.Trade, error) {
	return s.trade(ctx, model.SideSell, securityID, quantity)
}

func (s *Service) trade(ctx context.Context, side model.TradeSide, securityID string, quantity int64) (model.Trade, error) {
	start := time.Now()
	t, err := s.executeTrade(ctx, side, securityID, quantity)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(side), rejectionReason(err)).Inc()
		return model.Trade{}, err
	}
	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"id", t.ID,
		"side", t.Side,
		"security", t.SecurityID,
		"quantity", t.Quantity,
		"price", t.Price.String(),
		"cash_after", t.CashAfter.String(),
	)

	// The journal is an audit trail; a failure here never undoes the trade.
	if err := s.journal.RecordTrade(ctx, t); err != nil {
		slog.Error("journal record failed", "trade", t.ID, "err", err)
	}
	s.notify(Event{Type: EventTradeExecuted, Trade: &t})
	return t, nil
}

func (s *Service) executeTrade(ctx context.Context, side model.TradeSide, securityID string, quantity int64) (model.Trade, error) {
	if quantity <= 0 {
		return model.Trade{}, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var t model.Trade
	err := s.store.Atomic(ctx, func(tx store.Tables) error {
		price, err := currentPrice(ctx, tx, securityID)
		if err != nil {
			return err
		}
		amount := price.Mul(decimal.NewFromInt(quantity))

		cash, err := tx.GetCashAccount(ctx)
		if err != nil {
			return err
		}
		held, err := heldQuantity(ctx, tx, securityID)
		if err != nil {
			return err
		}

		var balance decimal.Decimal
		var remaining int64
		switch side {
		case model.SideBuy:
			if quantity > math.MaxInt64-held {
				return fmt.Errorf("%w: holding %d, buying %d overflows the position", ErrInvalidQuantity, held, quantity)
			}
			if cash.Balance.LessThan(amount) {
				return fmt.Errorf("%w: cost %s exceeds balance %s", ErrInsufficientFunds, amount, cash.Balance)
			}
			balance = cash.Balance.Sub(amount)
			remaining = held + quantity
		case model.SideSell:
			if held < quantity {
				return fmt.Errorf("%w: holding %d, selling %d", ErrInsufficientHoldings, held, quantity)
			}
			balance = cash.Balance.Add(amount)
			remaining = held - quantity
		}

		if err := tx.UpdateCashAccount(ctx, model.CashAccount{Balance: balance}); err != nil {
			return err
		}
		if remaining == 0 {
			err = tx.DeletePosition(ctx, securityID)
		} else {
			err = tx.UpdatePosition(ctx, model.Position{SecurityID: securityID, Quantity: remaining})
		}
		if err != nil {
			return err
		}

		t = model.Trade{
			ID:         uuid.New().String(),
			Side:       side,
			SecurityID: securityID,
			Quantity:   quantity,
			Price:      price,
			Amount:     amount,
			CashAfter:  balance,
			At:         store.Stamp(s.now()),
		}
		return nil
	})
	return t, err
}

// currentPrice resolves the security and its current quote.
func currentPrice(ctx context.Context, tx store.Tables, securityID string) (decimal.Decimal, error) {
	if _, err := tx.GetSecurityByID(ctx, securityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrSecurityNotFound, securityID)
		}
		return decimal.Zero, err
	}
	q, err := tx.GetQuoteBySecurityID(ctx, securityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrQuoteNotFound, securityID)
		}
		return decimal.Zero, err
	}
	return q.Price, nil
}

func heldQuantity(ctx context.Context, tx store.Tables, securityID string) (int64, error) {
	p, err := tx.GetPositionBySecurityID(ctx, securityID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.Quantity, nil
}

// Trades lists journaled trades, newest first.
func (s *Service) Trades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.journal.Trades(ctx, limit)
}

// --- Valuation ---

// Portfolio joins positions with the catalog and current quotes. A held
// position whose security or quote is missing fails the whole call with
// ErrValuationDataMissing.
func (s *Service) Portfolio(ctx context.Context) (model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p model.Portfolio
	err := s.store.Atomic(ctx, func(tx store.Tables) error {
		var err error
		p, err = portfolio(ctx, tx)
		return err
	})
	if err != nil {
		return model.Portfolio{}, err
	}
	metrics.TotalValuation.Set(p.TotalValuation.InexactFloat64())
	return p, nil
}

func portfolio(ctx context.Context, tx store.Tables) (model.Portfolio, error) {
	cash, err := tx.GetCashAccount(ctx)
	if err != nil {
		return model.Portfolio{}, err
	}
	positions, err := tx.GetPositions(ctx)
	if err != nil {
		return model.Portfolio{}, err
	}
	secs, err := tx.GetSecurities(ctx)
	if err != nil {
		return model.Portfolio{}, err
	}
	quotes, err := tx.GetQuotes(ctx)
	if err != nil {
		return model.Portfolio{}, err
	}

	byID := make(map[string]model.Security, len(secs))
	for _, sec := range secs {
		byID[sec.ID] = sec
	}
	prices := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		prices[q.SecurityID] = q.Price
	}

	total := cash.Balance
	lines := make([]model.PositionLine, 0, len(positions))
	for _, pos := range positions {
		sec, ok := byID[pos.SecurityID]
		if !ok {
			return model.Portfolio{}, fmt.Errorf("%w: security %s", ErrValuationDataMissing, pos.SecurityID)
		}
		price, ok := prices[pos.SecurityID]
		if !ok {
			return model.Portfolio{}, fmt.Errorf("%w: quote %s", ErrValuationDataMissing, pos.SecurityID)
		}
		value := price.Mul(decimal.NewFromInt(pos.Quantity))
		lines = append(lines, model.PositionLine{
			Security:  sec,
			Quantity:  pos.Quantity,
			UnitPrice: price,
			Valuation: value,
		})
		total = total.Add(value)
	}
	if secs == nil {
		secs = []model.Security{}
	}
	return model.Portfolio{Cash: cash, Positions: lines, Securities: secs, TotalValuation: total}, nil
}

// ValuationAt values the current positions at the historical quote at or
// before at. Positions with no such quote contribute zero.
func (s *Service) ValuationAt(ctx context.Context, at time.Time) (model.Valuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at = store.Stamp(at)
	var total decimal.Decimal
	err := s.store.Atomic(ctx, func(tx store.Tables) error {
		cash, err := tx.GetCashAccount(ctx)
		if err != nil {
			return err
		}
		positions, err := tx.GetPositions(ctx)
		if err != nil {
			return err
		}
		total = cash.Balance
		for _, pos := range positions {
			q, err := tx.GetQuoteBySecurityIDAndDate(ctx, pos.SecurityID, at)
			if errors.Is(err, store.ErrNotFound) {
				slog.Debug("no quote history for valuation", "security", pos.SecurityID, "at", at)
				continue
			}
			if err != nil {
				return err
			}
			total = total.Add(q.Price.Mul(decimal.NewFromInt(pos.Quantity)))
		}
		return nil
	})
	if err != nil {
		return model.Valuation{}, err
	}
	return model.Valuation{TotalValuation: total, At: at}, nil
}

// --- Quotes ---

type originKey struct{}

// WithOrigin labels quote writes made with ctx for metrics ("api" by default).
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func originFrom(ctx context.Context) string {
	if o, ok := ctx.Value(originKey{}).(string); ok {
		return o
	}
	return "api"
}

// UpdateQuote sets the current price of a security and appends it to the
// history log, stamped at.
func (s *Service) UpdateQuote(ctx context.Context, securityID string, price decimal.Decimal, at time.Time) (model.Quote, error) {
	quotes, err := s.UpdateQuotes(ctx, []QuoteUpdate{{SecurityID: securityID, Price: price}}, at)
	if err != nil {
		return model.Quote{}, err
	}
	return quotes[0], nil
}

// UpdateQuotes writes every update with one shared timestamp. Either all
// quotes are written or none. Every security must be in the catalog.
func (s *Service) UpdateQuotes(ctx context.Context, updates []QuoteUpdate, at time.Time) ([]model.Quote, error) {
	at = store.Stamp(at)
	quotes := make([]model.Quote, 0, len(updates))
	for _, u := range updates {
		if !u.Price.IsPositive() {
			return nil, fmt.Errorf("%w: %s for security %s", ErrInvalidPrice, u.Price, u.SecurityID)
		}
		quotes = append(quotes, model.Quote{SecurityID: u.SecurityID, Price: u.Price, At: at})
	}
	if len(quotes) == 0 {
		return quotes, nil
	}

	s.mu.Lock()
	err := s.store.Atomic(ctx, func(tx store.Tables) error {
		for _, q := range quotes {
			if _, err := tx.GetSecurityByID(ctx, q.SecurityID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrSecurityNotFound, q.SecurityID)
				}
				return err
			}
			if err := tx.UpdateQuote(ctx, q); err != nil {
				return err
			}
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.QuoteWrites.WithLabelValues(originFrom(ctx)).Add(float64(len(quotes)))
	slog.Info("quotes updated", "count", len(quotes), "at", at, "origin", originFrom(ctx))
	s.notify(Event{Type: EventQuoteUpdated, Quotes: quotes})
	return quotes, nil
}

// Quotes lists the current quote of every security that has one.
func (s *Service) Quotes(ctx context.Context) ([]model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nonNil(s.store.GetQuotes(ctx))
}

// QuoteAt returns the historical quote of a security at or before at.
func (s *Service) QuoteAt(ctx context.Context, securityID string, at time.Time) (model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, err := s.store.GetQuoteBySecurityIDAndDate(ctx, securityID, store.Stamp(at))
	if errors.Is(err, store.ErrNotFound) {
		return model.Quote{}, fmt.Errorf("%w: %s at %s", ErrQuoteNotFound, securityID, at.UTC().Format(time.RFC3339))
	}
	return q, err
}

// --- Catalog and holdings ---

// Cash returns the cash account.
func (s *Service) Cash(ctx context.Context) (model.CashAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetCashAccount(ctx)
}

// Securities lists the catalog.
func (s *Service) Securities(ctx context.Context) ([]model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nonNil(s.store.GetSecurities(ctx))
}

// Positions lists the open positions.
func (s *Service) Positions(ctx context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nonNil(s.store.GetPositions(ctx))
}

// Security returns a catalog entry with its current quote and position.
func (s *Service) Security(ctx context.Context, id string) (SecurityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var detail SecurityDetail
	err := s.store.Atomic(ctx, func(tx store.Tables) error {
		sec, err := tx.GetSecurityByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSecurityNotFound, id)
		}
		if err != nil {
			return err
		}
		detail = SecurityDetail{Security: sec}

		q, err := tx.GetQuoteBySecurityID(ctx, id)
		switch {
		case err == nil:
			detail.Quote = &q
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		p, err := tx.GetPositionBySecurityID(ctx, id)
		switch {
		case err == nil:
			detail.Position = &p
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return nil
	})
	return detail, err
}

// CreateSecurity validates and appends a catalog entry. Duplicate ids
// fail with store.ErrDuplicate.
func (s *Service) CreateSecurity(ctx context.Context, id, symbol, name, typ string) (model.Security, error) {
	sec, err := catalog.Parse(id, symbol, name, typ)
	if err != nil {
		return model.Security{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.CreateSecurity(ctx, sec); err != nil {
		return model.Security{}, err
	}
	slog.Info("security created", "id", sec.ID, "symbol", sec.Symbol, "type", sec.Type)
	return sec, nil
}

// --- Settings ---

// Settings returns the stored settings, secrets included.
func (s *Service) Settings(ctx context.Context) (model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetSettings(ctx)
}

// UpdateMarketData replaces the market-data settings. The online source
// requires broker credentials.
func (s *Service) UpdateMarketData(ctx context.Context, cfg model.MarketDataConfig) (model.Settings, error) {
	switch cfg.Source {
	case model.SourceHardcoded:
	case model.SourceOnline:
		if cfg.Broker == nil || cfg.Broker.User == "" || cfg.Broker.Password == "" {
			return model.Settings{}, fmt.Errorf("%w: online market data requires broker credentials", ErrInvalidSettings)
		}
	default:
		return model.Settings{}, fmt.Errorf("%w: unknown market data source %q", ErrInvalidSettings, cfg.Source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st model.Settings
	err := s.store.Atomic(ctx, func(tx store.Tables) error {
		if err := tx.UpdateMarketDataConfig(ctx, cfg); err != nil {
			return err
		}
		var err error
		st, err = tx.GetSettings(ctx)
		return err
	})
	if err != nil {
		return model.Settings{}, err
	}
	slog.Info("market data settings updated", "source", cfg.Source)
	return st, nil
}

// SwitchStorage opens the backend named by cfg, records cfg in its
// settings and in the preference record, and makes it the active backend.
// On any failure the current backend stays active.
func (s *Service) SwitchStorage(ctx context.Context, cfg model.StorageConfig) (model.Settings, error) {
	if !cfg.Type.Valid() {
		return model.Settings{}, fmt.Errorf("%w: unknown storage type %q", ErrInvalidSettings, cfg.Type)
	}
	if cfg.Type == model.StoragePostgres && cfg.Postgres == nil {
		return model.Settings{}, fmt.Errorf("%w: postgresql storage requires database credentials", ErrInvalidSettings)
	}
	if cfg.Type != model.StoragePostgres {
		cfg.Postgres = nil
	}
	if s.factory == nil {
		return model.Settings{}, ErrStorageSwitchUnavailable
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	current, err := s.Settings(ctx)
	if err != nil {
		return model.Settings{}, err
	}

	// Reopening a memory or key-value backend would only drop or reload
	// the same tables; record the config in place instead.
	if cfg.Type == s.Backend() && cfg.Type != model.StoragePostgres {
		return s.recordStorage(ctx, s.activeStore(), current, cfg)
	}

	next, err := s.factory.Open(ctx, cfg)
	if err != nil {
		return model.Settings{}, fmt.Errorf("open %s backend: %w", cfg.Type, err)
	}
	st, err := s.recordStorage(ctx, next, current, cfg)
	if err != nil {
		next.Close()
		return model.Settings{}, err
	}

	s.mu.Lock()
	prev := s.store
	s.store = next
	s.mu.Unlock()

	if err := prev.Close(); err != nil {
		slog.Warn("closing previous backend failed", "backend", prev.Backend(), "err", err)
	}
	setBackendGauge(cfg.Type)
	slog.Info("storage backend switched", "from", prev.Backend(), "to", cfg.Type)
	s.notify(Event{Type: EventStorageSwitched, Backend: cfg.Type})
	return st, nil
}

// recordStorage writes cfg into st's settings, carrying over the current
// market-data config, then saves the preference record.
func (s *Service) recordStorage(ctx context.Context, st store.Store, current model.Settings, cfg model.StorageConfig) (model.Settings, error) {
	settings := current
	settings.Storage = &cfg
	if err := st.UpdateSettings(ctx, settings); err != nil {
		return model.Settings{}, fmt.Errorf("write settings: %w", err)
	}
	if s.pref != nil {
		if err := s.pref.Save(ctx, cfg); err != nil {
			return model.Settings{}, fmt.Errorf("save storage preference: %w", err)
		}
	}
	return settings, nil
}

func (s *Service) activeStore() store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Snapshot dumps every table. Secrets in settings are redacted; an
// unresolvable portfolio is left out rather than failing the dump.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Backend: s.store.Backend(), TakenAt: store.Stamp(s.now())}
	err := s.store.Atomic(ctx, func(tx store.Tables) error {
		var err error
		if snap.Cash, err = tx.GetCashAccount(ctx); err != nil {
			return err
		}
		if snap.Securities, err = nonNil(tx.GetSecurities(ctx)); err != nil {
			return err
		}
		if snap.Positions, err = nonNil(tx.GetPositions(ctx)); err != nil {
			return err
		}
		if snap.Quotes, err = nonNil(tx.GetQuotes(ctx)); err != nil {
			return err
		}
		settings, err := tx.GetSettings(ctx)
		if err != nil {
			return err
		}
		snap.Settings = settings.Redacted()

		p, err := portfolio(ctx, tx)
		switch {
		case err == nil:
			snap.Portfolio = &p
		case errors.Is(err, ErrValuationDataMissing):
			slog.Warn("snapshot without portfolio", "err", err)
		default:
			return err
		}
		return nil
	})
	return snap, err
}

func (s *Service) notify(e Event) {
	if s.notifier != nil {
		s.notifier.Notify(e)
	}
}

// nonNil keeps empty tables serialising as [] rather than null.
func nonNil[T any](v []T, err error) ([]T, error) {
	if err == nil && v == nil {
		v = []T{}
	}
	return v, err
}

var allBackends = []string{string(model.StorageMemory), string(model.StorageKV), string(model.StoragePostgres)}

func setBackendGauge(t model.StorageType) {
	metrics.SetActiveBackend(string(t), allBackends)
}
