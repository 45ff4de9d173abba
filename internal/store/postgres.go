package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/smm/portfolio-engine/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool     *pgxpool.Pool
	db       querier
	inTx     bool
	ownsPool bool
}

// NewPostgresStore creates a PostgreSQL-backed store over an existing pool.
// The schema must already be migrated; the caller keeps ownership of pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// OpenPostgres connects with cfg, applies migrations and seeds an empty
// database from the default fixture stamped at now. The returned store
// owns its pool.
func OpenPostgres(ctx context.Context, cfg model.PostgresConfig, now time.Time) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg, err)
	}
	if _, err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := NewPostgresStore(pool)
	s.ownsPool = true
	if err := s.Seed(ctx, DefaultFixture(now)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Backend() model.StorageType { return model.StoragePostgres }

func (s *PostgresStore) Close() error {
	if s.ownsPool && !s.inTx {
		s.pool.Close()
	}
	return nil
}

// Seed initialises missing rows from fx. The catalog, positions and quotes
// are seeded together, only when the catalog is empty.
func (s *PostgresStore) Seed(ctx context.Context, fx Fixture) error {
	return s.Atomic(ctx, func(tx Tables) error {
		pg := tx.(*PostgresStore)

		if _, err := pg.db.Exec(ctx,
			`INSERT INTO cash_account (id, balance) VALUES (1, $1::NUMERIC)
			 ON CONFLICT (id) DO NOTHING`, fx.Cash.Balance.String()); err != nil {
			return err
		}
		settings, err := json.Marshal(fx.Settings)
		if err != nil {
			return err
		}
		if _, err := pg.db.Exec(ctx,
			`INSERT INTO settings (id, data) VALUES (1, $1::JSONB)
			 ON CONFLICT (id) DO NOTHING`, string(settings)); err != nil {
			return err
		}

		var n int
		if err := pg.db.QueryRow(ctx, `SELECT count(*) FROM securities`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		for _, sec := range fx.Securities {
			if err := pg.CreateSecurity(ctx, sec); err != nil {
				return err
			}
		}
		for _, p := range fx.Positions {
			if err := pg.UpdatePosition(ctx, p); err != nil {
				return err
			}
		}
		for _, q := range fx.Quotes {
			if err := pg.UpdateQuote(ctx, q); err != nil {
				return err
			}
		}
		return nil
	})
}

// Atomic runs fn in a SERIALIZABLE transaction, retrying serialization
// failures with backoff.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tables) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.withTx(ctx, func(q querier) error {
		return fn(&PostgresStore{pool: s.pool, db: q, inTx: true})
	})
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(q querier) error) error {
	if s.inTx {
		return fn(s.db)
	}
	backoff := retry.WithMaxRetries(maxTxRetries, retry.NewExponential(5*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(tx)
		})
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			return retry.RetryableError(err)
		}
		return err
	})
}

// --- Cash ---

func (s *PostgresStore) GetCashAccount(ctx context.Context) (model.CashAccount, error) {
	var balance string
	err := s.db.QueryRow(ctx, `SELECT balance::TEXT FROM cash_account WHERE id = 1`).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CashAccount{Balance: decimal.Zero}, nil
	}
	if err != nil {
		return model.CashAccount{}, fmt.Errorf("get cash account: %w", err)
	}
	b, err := parseNumeric(balance)
	if err != nil {
		return model.CashAccount{}, err
	}
	return model.CashAccount{Balance: b}, nil
}

func (s *PostgresStore) UpdateCashAccount(ctx context.Context, acct model.CashAccount) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO cash_account (id, balance) VALUES (1, $1::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`,
		acct.Balance.String())
	return err
}

// --- Catalog ---

func (s *PostgresStore) GetSecurities(ctx context.Context) ([]model.Security, error) {
	rows, err := s.db.Query(ctx, `SELECT id, symbol, name, type FROM securities ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secs []model.Security
	for rows.Next() {
		var sec model.Security
		if err := rows.Scan(&sec.ID, &sec.Symbol, &sec.Name, &sec.Type); err != nil {
			return nil, err
		}
		secs = append(secs, sec)
	}
	return secs, rows.Err()
}

func (s *PostgresStore) GetSecurityByID(ctx context.Context, id string) (model.Security, error) {
	var sec model.Security
	err := s.db.QueryRow(ctx,
		`SELECT id, symbol, name, type FROM securities WHERE id = $1`, id).
		Scan(&sec.ID, &sec.Symbol, &sec.Name, &sec.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Security{}, fmt.Errorf("security %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Security{}, fmt.Errorf("get security %s: %w", id, err)
	}
	return sec, nil
}

func (s *PostgresStore) CreateSecurity(ctx context.Context, sec model.Security) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO securities (id, symbol, name, type) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		sec.ID, sec.Symbol, sec.Name, string(sec.Type))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("security %s: %w", sec.ID, ErrDuplicate)
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) GetPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.Query(ctx, `SELECT security_id, quantity FROM positions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.SecurityID, &p.Quantity); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetPositionBySecurityID(ctx context.Context, securityID string) (model.Position, error) {
	var p model.Position
	err := s.db.QueryRow(ctx,
		`SELECT security_id, quantity FROM positions WHERE security_id = $1`, securityID).
		Scan(&p.SecurityID, &p.Quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, fmt.Errorf("position %s: %w", securityID, ErrNotFound)
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("get position %s: %w", securityID, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, pos model.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (security_id, quantity) VALUES ($1, $2)
		 ON CONFLICT (security_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
		pos.SecurityID, pos.Quantity)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, securityID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM positions WHERE security_id = $1`, securityID)
	return err
}

// --- Quotes ---

func (s *PostgresStore) GetQuotes(ctx context.Context) ([]model.Quote, error) {
	rows, err := s.db.Query(ctx, `SELECT security_id, price::TEXT, at FROM quotes ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuotes(rows)
}

func (s *PostgresStore) GetQuoteBySecurityID(ctx context.Context, securityID string) (model.Quote, error) {
	rows, err := s.db.Query(ctx,
		`SELECT security_id, price::TEXT, at FROM quotes WHERE security_id = $1`, securityID)
	if err != nil {
		return model.Quote{}, err
	}
	defer rows.Close()

	quotes, err := scanQuotes(rows)
	if err != nil {
		return model.Quote{}, err
	}
	if len(quotes) == 0 {
		return model.Quote{}, fmt.Errorf("quote %s: %w", securityID, ErrNotFound)
	}
	return quotes[0], nil
}

func (s *PostgresStore) UpdateQuote(ctx context.Context, q model.Quote) error {
	return s.withTx(ctx, func(db querier) error {
		if _, err := db.Exec(ctx,
			`INSERT INTO quotes (security_id, price, at) VALUES ($1, $2::NUMERIC, $3)
			 ON CONFLICT (security_id) DO UPDATE SET price = EXCLUDED.price, at = EXCLUDED.at`,
			q.SecurityID, q.Price.String(), q.At); err != nil {
			return err
		}
		_, err := db.Exec(ctx,
			`INSERT INTO quote_history (security_id, price, at) VALUES ($1, $2::NUMERIC, $3)`,
			q.SecurityID, q.Price.String(), q.At)
		return err
	})
}

func (s *PostgresStore) GetQuoteBySecurityIDAndDate(ctx context.Context, securityID string, at time.Time) (model.Quote, error) {
	rows, err := s.db.Query(ctx,
		`SELECT security_id, price::TEXT, at FROM quote_history
		 WHERE security_id = $1 AND at <= $2
		 ORDER BY at DESC, seq DESC
		 LIMIT 1`, securityID, at)
	if err != nil {
		return model.Quote{}, err
	}
	defer rows.Close()

	quotes, err := scanQuotes(rows)
	if err != nil {
		return model.Quote{}, err
	}
	if len(quotes) == 0 {
		return model.Quote{}, fmt.Errorf("quote %s at %s: %w", securityID, at.Format(time.RFC3339), ErrNotFound)
	}
	return quotes[0], nil
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (model.Settings, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	st := model.DefaultSettings()
	if err := json.Unmarshal(data, &st); err != nil {
		return model.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, st model.Settings) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO settings (id, data) VALUES (1, $1::JSONB)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, string(data))
	return err
}

func (s *PostgresStore) UpdateMarketDataConfig(ctx context.Context, cfg model.MarketDataConfig) error {
	return s.Atomic(ctx, func(tx Tables) error {
		st, err := tx.GetSettings(ctx)
		if err != nil {
			return err
		}
		st.MarketData = cfg
		return tx.UpdateSettings(ctx, st)
	})
}

// pgxRows is the subset of pgx.Rows used by scanQuotes.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanQuotes(rows pgxRows) ([]model.Quote, error) {
	var quotes []model.Quote
	for rows.Next() {
		var q model.Quote
		var priceS string
		if err := rows.Scan(&q.SecurityID, &priceS, &q.At); err != nil {
			return nil, err
		}
		price, err := parseNumeric(priceS)
		if err != nil {
			return nil, err
		}
		q.Price = price
		q.At = q.At.UTC()
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

func parseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}
