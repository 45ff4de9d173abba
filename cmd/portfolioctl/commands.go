package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/smm/portfolio-engine/internal/app"
	"github.com/smm/portfolio-engine/internal/config"
	"github.com/smm/portfolio-engine/internal/marketdata"
	"github.com/smm/portfolio-engine/internal/model"
	"github.com/smm/portfolio-engine/internal/store"
)

// loadConfig reads the same configuration as the server. Logs go to
// stderr so stdout stays machine-readable.
func loadConfig() (*config.Config, error) {
	config.LoadEnv()
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := cfg.LogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	decimal.MarshalJSONWithoutQuotes = true
	return cfg, nil
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

// --- migrate ---

type migrateCmd struct {
	url string
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply the postgresql schema migrations" }
func (*migrateCmd) Usage() string {
	return `portfolioctl migrate [-url <postgres url>]

  Applies pending schema migrations. Without -url the database from the
  configuration (storage.postgres or DATABASE_URL) is used.
`
}

func (c *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.url, "url", "", "PostgreSQL connection URL. Overrides the configuration.")
}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := loadConfig()
	if err != nil {
		return fail(err)
	}
	conn := c.url
	if conn == "" {
		pg := cfg.PostgresConfig()
		if pg == nil {
			return fail(fmt.Errorf("no database configured: pass -url or set DATABASE_URL"))
		}
		conn = pg.ConnString()
	}

	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return fail(err)
	}
	defer pool.Close()

	applied, err := store.Migrate(ctx, pool)
	if err != nil {
		return fail(err)
	}
	if len(applied) == 0 {
		fmt.Println("schema is up to date")
		return subcommands.ExitSuccess
	}
	fmt.Printf("applied migrations %v\n", applied)
	return subcommands.ExitSuccess
}

// --- snapshot ---

type snapshotCmd struct{}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "print the active backend's tables as JSON" }
func (*snapshotCmd) Usage() string {
	return `portfolioctl snapshot

  Opens the active backend (the saved storage preference, else the
  configured one) and prints cash, catalog, positions, quotes, settings
  and the current portfolio. Secrets are masked.
`
}
func (*snapshotCmd) SetFlags(*flag.FlagSet) {}

func (*snapshotCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	snap, err := a.Ledger.Snapshot(ctx)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(snap); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

// --- refresh ---

type refreshCmd struct{}

func (*refreshCmd) Name() string     { return "refresh" }
func (*refreshCmd) Synopsis() string { return "fetch online prices once and write them as quotes" }
func (*refreshCmd) Usage() string {
	return `portfolioctl refresh

  Runs one market data refresh. Does nothing unless the market data
  source is set to online.
`
}
func (*refreshCmd) SetFlags(*flag.FlagSet) {}

func (*refreshCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	cfg := a.Config.MarketData
	r := marketdata.NewRefresher(ctx, a.Ledger, marketdata.NewOnlineSource(cfg.BaseURL, cfg.RequestsPerSecond))
	res, err := r.RunOnce(ctx)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(res); err != nil {
		return fail(err)
	}
	if len(res.Failed) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// --- value ---

type valueCmd struct {
	date string
}

func (*valueCmd) Name() string     { return "value" }
func (*valueCmd) Synopsis() string { return "value the current positions at a past date" }
func (*valueCmd) Usage() string {
	return `portfolioctl value [-d <date>]

  Prices the current positions with the last quote at or before the given
  date (YYYY-MM-DD, end of day UTC) or RFC 3339 timestamp. Positions with
  no quote by then count as zero.
`
}

func (c *valueCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.date, "d", "", "Date or timestamp to value at (defaults to now).")
}

func (c *valueCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	at, err := parseDate(c.date)
	if err != nil {
		return fail(err)
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	v, err := a.Ledger.ValuationAt(ctx, at)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(v); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

// parseDate reads a -d flag. A bare date means the end of that day.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	day, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", s)
	}
	return day.Add(24*time.Hour - time.Microsecond), nil
}

// --- trades ---

type tradesCmd struct {
	limit int
	side  string
}

func (*tradesCmd) Name() string     { return "trades" }
func (*tradesCmd) Synopsis() string { return "list journaled trades, newest first" }
func (*tradesCmd) Usage() string {
	return `portfolioctl trades [-n <limit>] [-side buy|sell]
`
}

func (c *tradesCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 20, "Maximum number of trades to print.")
	f.StringVar(&c.side, "side", "", "Only print trades on this side.")
}

func (c *tradesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.side != "" && c.side != string(model.SideBuy) && c.side != string(model.SideSell) {
		return fail(fmt.Errorf("invalid side %q", c.side))
	}
	a, err := openApp(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	trades, err := a.Ledger.Trades(ctx, c.limit)
	if err != nil {
		return fail(err)
	}
	for _, t := range trades {
		if c.side != "" && string(t.Side) != c.side {
			continue
		}
		fmt.Printf("%s  %-4s  %-8s %6d @ %-12s cash %s\n",
			t.At.Format(time.RFC3339), t.Side, t.SecurityID, t.Quantity, t.Price, t.CashAfter)
	}
	return subcommands.ExitSuccess
}
