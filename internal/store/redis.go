package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/smm/portfolio-engine/internal/model"
)

// DefaultKeyPrefix namespaces every key written by RedisStore.
const DefaultKeyPrefix = "smm_"

// Logical tables, one serialized JSON record each.
const (
	tableCash       = "cash"
	tableSecurities = "securities"
	tablePositions  = "positions"
	tableQuotes     = "quotes"
	tableHistory    = "historical_quotes"
	tableSettings   = "settings"
)

var allTables = []string{tableCash, tableSecurities, tablePositions, tableQuotes, tableHistory, tableSettings}

// maxTxRetries bounds optimistic transaction retries on WATCH conflicts.
const maxTxRetries = 8

// RedisStore implements Store on a key-value server: every logical table is
// one JSON record under a fixed prefix (smm_cash, smm_positions, ...).
// Each call runs as a WATCH/MULTI transaction over the table keys, so
// several processes may share one Redis safely.
//
// The redis client is owned by the caller; Close does not close it.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	kv     *kvSession // set inside Atomic
}

// NewRedisStore creates a store over rdb and initialises every missing
// table from the default fixture stamped at now. Existing tables are left
// untouched.
func NewRedisStore(ctx context.Context, rdb *redis.Client, prefix string, now time.Time) (*RedisStore, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	s := &RedisStore{rdb: rdb, prefix: prefix}
	if err := s.initializeIfEmpty(ctx, DefaultFixture(now)); err != nil {
		return nil, fmt.Errorf("initialize redis tables: %w", err)
	}
	return s, nil
}

func (s *RedisStore) initializeIfEmpty(ctx context.Context, fx Fixture) error {
	seed := []struct {
		table string
		value any
	}{
		{tableCash, fx.Cash},
		{tableSecurities, fx.Securities},
		{tablePositions, fx.Positions},
		{tableSettings, fx.Settings},
	}
	for _, e := range seed {
		data, err := json.Marshal(e.value)
		if err != nil {
			return err
		}
		if err := s.rdb.SetNX(ctx, s.key(e.table), data, 0).Err(); err != nil {
			return err
		}
	}

	// The history log is seeded together with the current quotes only.
	quotes, err := json.Marshal(fx.Quotes)
	if err != nil {
		return err
	}
	created, err := s.rdb.SetNX(ctx, s.key(tableQuotes), quotes, 0).Result()
	if err != nil {
		return err
	}
	if created {
		return s.rdb.SetNX(ctx, s.key(tableHistory), quotes, 0).Err()
	}
	return nil
}

func (s *RedisStore) Backend() model.StorageType { return model.StorageKV }

func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) key(table string) string { return s.prefix + table }

func (s *RedisStore) keys() []string {
	keys := make([]string, len(allTables))
	for i, t := range allTables {
		keys[i] = s.key(t)
	}
	return keys
}

// Atomic runs fn inside one optimistic transaction. fn may be re-run if
// another client modifies a table concurrently.
func (s *RedisStore) Atomic(ctx context.Context, fn func(tx Tables) error) error {
	if s.kv != nil {
		return fn(s)
	}
	return s.do(ctx, func(kv *kvSession) error {
		return fn(&RedisStore{rdb: s.rdb, prefix: s.prefix, kv: kv})
	})
}

// do runs fn against a session. Outside Atomic it opens a transaction:
// reads go through WATCH, writes are buffered and flushed with MULTI/EXEC.
func (s *RedisStore) do(ctx context.Context, fn func(kv *kvSession) error) error {
	if s.kv != nil {
		return fn(s.kv)
	}

	backoff := retry.WithMaxRetries(maxTxRetries, retry.NewExponential(5*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			kv := &kvSession{prefix: s.prefix, tx: tx, pending: make(map[string][]byte)}
			if err := fn(kv); err != nil {
				return err
			}
			if len(kv.pending) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, key := range kv.order {
					pipe.Set(ctx, key, kv.pending[key], 0)
				}
				return nil
			})
			return err
		}, s.keys()...)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// kvSession is one transaction's view of the tables. Writes are buffered
// and visible to later reads of the same session.
type kvSession struct {
	prefix  string
	tx      *redis.Tx
	pending map[string][]byte
	order   []string
}

// load decodes table into dst. A missing key leaves dst untouched.
func (k *kvSession) load(ctx context.Context, table string, dst any) error {
	key := k.prefix + table
	data, ok := k.pending[key]
	if !ok {
		var err error
		data, err = k.tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (k *kvSession) save(table string, v any) error {
	key := k.prefix + table
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, ok := k.pending[key]; !ok {
		k.order = append(k.order, key)
	}
	k.pending[key] = data
	return nil
}

// --- Cash ---

func (s *RedisStore) GetCashAccount(ctx context.Context) (model.CashAccount, error) {
	var acct model.CashAccount
	err := s.do(ctx, func(kv *kvSession) error {
		return kv.load(ctx, tableCash, &acct)
	})
	return acct, err
}

func (s *RedisStore) UpdateCashAccount(ctx context.Context, acct model.CashAccount) error {
	return s.do(ctx, func(kv *kvSession) error {
		return kv.save(tableCash, acct)
	})
}

// --- Catalog ---

func (s *RedisStore) GetSecurities(ctx context.Context) ([]model.Security, error) {
	var secs []model.Security
	err := s.do(ctx, func(kv *kvSession) error {
		secs = nil
		return kv.load(ctx, tableSecurities, &secs)
	})
	return secs, err
}

func (s *RedisStore) GetSecurityByID(ctx context.Context, id string) (model.Security, error) {
	secs, err := s.GetSecurities(ctx)
	if err != nil {
		return model.Security{}, err
	}
	i := slices.IndexFunc(secs, func(sec model.Security) bool { return sec.ID == id })
	if i < 0 {
		return model.Security{}, fmt.Errorf("security %s: %w", id, ErrNotFound)
	}
	return secs[i], nil
}

func (s *RedisStore) CreateSecurity(ctx context.Context, sec model.Security) error {
	return s.do(ctx, func(kv *kvSession) error {
		var secs []model.Security
		if err := kv.load(ctx, tableSecurities, &secs); err != nil {
			return err
		}
		if slices.ContainsFunc(secs, func(e model.Security) bool { return e.ID == sec.ID }) {
			return fmt.Errorf("security %s: %w", sec.ID, ErrDuplicate)
		}
		return kv.save(tableSecurities, append(secs, sec))
	})
}

// --- Positions ---

func (s *RedisStore) GetPositions(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	err := s.do(ctx, func(kv *kvSession) error {
		positions = nil
		return kv.load(ctx, tablePositions, &positions)
	})
	return positions, err
}

func (s *RedisStore) GetPositionBySecurityID(ctx context.Context, securityID string) (model.Position, error) {
	positions, err := s.GetPositions(ctx)
	if err != nil {
		return model.Position{}, err
	}
	i := slices.IndexFunc(positions, func(p model.Position) bool { return p.SecurityID == securityID })
	if i < 0 {
		return model.Position{}, fmt.Errorf("position %s: %w", securityID, ErrNotFound)
	}
	return positions[i], nil
}

func (s *RedisStore) UpdatePosition(ctx context.Context, pos model.Position) error {
	return s.do(ctx, func(kv *kvSession) error {
		var positions []model.Position
		if err := kv.load(ctx, tablePositions, &positions); err != nil {
			return err
		}
		i := slices.IndexFunc(positions, func(p model.Position) bool { return p.SecurityID == pos.SecurityID })
		if i >= 0 {
			positions[i] = pos
		} else {
			positions = append(positions, pos)
		}
		return kv.save(tablePositions, positions)
	})
}

func (s *RedisStore) DeletePosition(ctx context.Context, securityID string) error {
	return s.do(ctx, func(kv *kvSession) error {
		var positions []model.Position
		if err := kv.load(ctx, tablePositions, &positions); err != nil {
			return err
		}
		kept := slices.DeleteFunc(positions, func(p model.Position) bool { return p.SecurityID == securityID })
		if kept == nil {
			kept = []model.Position{}
		}
		return kv.save(tablePositions, kept)
	})
}

// --- Quotes ---

func (s *RedisStore) GetQuotes(ctx context.Context) ([]model.Quote, error) {
	var quotes []model.Quote
	err := s.do(ctx, func(kv *kvSession) error {
		quotes = nil
		return kv.load(ctx, tableQuotes, &quotes)
	})
	return quotes, err
}

func (s *RedisStore) GetQuoteBySecurityID(ctx context.Context, securityID string) (model.Quote, error) {
	quotes, err := s.GetQuotes(ctx)
	if err != nil {
		return model.Quote{}, err
	}
	i := slices.IndexFunc(quotes, func(q model.Quote) bool { return q.SecurityID == securityID })
	if i < 0 {
		return model.Quote{}, fmt.Errorf("quote %s: %w", securityID, ErrNotFound)
	}
	return quotes[i], nil
}

func (s *RedisStore) UpdateQuote(ctx context.Context, q model.Quote) error {
	return s.do(ctx, func(kv *kvSession) error {
		var quotes, history []model.Quote
		if err := kv.load(ctx, tableQuotes, &quotes); err != nil {
			return err
		}
		if err := kv.load(ctx, tableHistory, &history); err != nil {
			return err
		}
		i := slices.IndexFunc(quotes, func(e model.Quote) bool { return e.SecurityID == q.SecurityID })
		if i >= 0 {
			quotes[i] = q
		} else {
			quotes = append(quotes, q)
		}
		if err := kv.save(tableQuotes, quotes); err != nil {
			return err
		}
		return kv.save(tableHistory, append(history, q))
	})
}

func (s *RedisStore) GetQuoteBySecurityIDAndDate(ctx context.Context, securityID string, at time.Time) (model.Quote, error) {
	var history []model.Quote
	err := s.do(ctx, func(kv *kvSession) error {
		history = nil
		return kv.load(ctx, tableHistory, &history)
	})
	if err != nil {
		return model.Quote{}, err
	}
	q, ok := latestAt(history, securityID, at)
	if !ok {
		return model.Quote{}, fmt.Errorf("quote %s at %s: %w", securityID, at.Format(time.RFC3339), ErrNotFound)
	}
	return q, nil
}

// --- Settings ---

func (s *RedisStore) GetSettings(ctx context.Context) (model.Settings, error) {
	var st model.Settings
	err := s.do(ctx, func(kv *kvSession) error {
		st = model.DefaultSettings()
		return kv.load(ctx, tableSettings, &st)
	})
	return st, err
}

func (s *RedisStore) UpdateSettings(ctx context.Context, st model.Settings) error {
	return s.do(ctx, func(kv *kvSession) error {
		return kv.save(tableSettings, st)
	})
}

func (s *RedisStore) UpdateMarketDataConfig(ctx context.Context, cfg model.MarketDataConfig) error {
	return s.do(ctx, func(kv *kvSession) error {
		st := model.DefaultSettings()
		if err := kv.load(ctx, tableSettings, &st); err != nil {
			return err
		}
		st.MarketData = cfg
		return kv.save(tableSettings, st)
	})
}
