package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/smm/portfolio-engine/internal/model"
)

// SQLiteRecorder persists trades to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets the CLI read the journal while the server writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("trade journal opened", "path", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			side        TEXT NOT NULL,
			security_id TEXT NOT NULL,
			quantity    INTEGER NOT NULL,
			price       TEXT NOT NULL,
			amount      TEXT NOT NULL,
			cash_after  TEXT NOT NULL,
			at_us       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_security ON trades(security_id)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// RecordTrade appends t. Decimals are stored as text to keep them exact.
func (r *SQLiteRecorder) RecordTrade(ctx context.Context, t model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO trades (id, side, security_id, quantity, price, amount, cash_after, at_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Side), t.SecurityID, t.Quantity,
		t.Price.String(), t.Amount.String(), t.CashAfter.String(), t.At.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (r *SQLiteRecorder) Trades(ctx context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, side, security_id, quantity, price, amount, cash_after, at_us
		 FROM trades ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var (
			t                        model.Trade
			side                     string
			price, amount, cashAfter string
			atUS                     int64
		)
		if err := rows.Scan(&t.ID, &side, &t.SecurityID, &t.Quantity, &price, &amount, &cashAfter, &atUS); err != nil {
			return nil, err
		}
		t.Side = model.TradeSide(side)
		t.At = time.UnixMicro(atUS).UTC()
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("trade %s amount: %w", t.ID, err)
		}
		if t.CashAfter, err = decimal.NewFromString(cashAfter); err != nil {
			return nil, fmt.Errorf("trade %s cash: %w", t.ID, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
