package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/smm/portfolio-engine/internal/ledger"
	"github.com/smm/portfolio-engine/internal/metrics"
	"github.com/smm/portfolio-engine/internal/model"
)

// DefaultSchedule refreshes every five minutes (six fields, with seconds).
const DefaultSchedule = "0 */5 * * * *"

// Result summarises one refresh run.
type Result struct {
	Skipped bool          `json:"skipped"`
	Updated []model.Quote `json:"updated"`
	Failed  []string      `json:"failed"`
}

// Refresher periodically writes live prices into the ledger when the
// market-data source is set to online.
type Refresher struct {
	Cron   *cron.Cron
	Ledger *ledger.Service
	Source Source
	Now    func() time.Time
	Ctx    context.Context
}

// NewRefresher creates a Refresher. The schedule is registered by Start.
func NewRefresher(ctx context.Context, l *ledger.Service, src Source) *Refresher {
	return &Refresher{
		Cron:   cron.New(cron.WithSeconds()),
		Ledger: l,
		Source: src,
		Now:    time.Now,
		Ctx:    ctx,
	}
}

// Start registers the refresh task on schedule and starts the scheduler.
func (r *Refresher) Start(schedule string) error {
	if _, err := r.Cron.AddFunc(schedule, r.tick); err != nil {
		return fmt.Errorf("register refresh task: %w", err)
	}
	r.Cron.Start()
	slog.Info("market data refresher started", "schedule", schedule, "source", r.Source.Name())
	return nil
}

// Stop stops the scheduler and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.Cron.Stop().Done()
	slog.Info("market data refresher stopped")
}

func (r *Refresher) tick() {
	ctx, cancel := context.WithTimeout(r.Ctx, time.Minute)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		slog.Error("market data refresh failed", "err", err)
	}
}

// RunOnce reads the settings and, for the online source, fetches every
// catalog symbol and writes the prices with one shared timestamp.
// Symbols that fail to fetch are skipped and reported in Result.Failed.
func (r *Refresher) RunOnce(ctx context.Context) (Result, error) {
	settings, err := r.Ledger.Settings(ctx)
	if err != nil {
		metrics.MarketDataRefreshes.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if settings.MarketData.Source != model.SourceOnline {
		metrics.MarketDataRefreshes.WithLabelValues("skipped").Inc()
		return Result{Skipped: true}, nil
	}

	secs, err := r.Ledger.Securities(ctx)
	if err != nil {
		metrics.MarketDataRefreshes.WithLabelValues("error").Inc()
		return Result{}, err
	}

	res := Result{Updated: []model.Quote{}, Failed: []string{}}
	var updates []ledger.QuoteUpdate
	for _, sec := range secs {
		price, err := r.Source.Price(ctx, sec.Symbol, settings.MarketData.Broker)
		if err != nil {
			slog.Warn("price fetch failed", "symbol", sec.Symbol, "err", err)
			res.Failed = append(res.Failed, sec.Symbol)
			continue
		}
		updates = append(updates, ledger.QuoteUpdate{SecurityID: sec.ID, Price: price})
	}

	if len(updates) > 0 {
		quotes, err := r.Ledger.UpdateQuotes(ledger.WithOrigin(ctx, "refresh"), updates, r.Now())
		if err != nil {
			metrics.MarketDataRefreshes.WithLabelValues("error").Inc()
			return Result{}, err
		}
		res.Updated = quotes
	}

	outcome := "ok"
	if len(res.Failed) > 0 {
		outcome = "partial"
	}
	metrics.MarketDataRefreshes.WithLabelValues(outcome).Inc()
	slog.Info("market data refreshed", "updated", len(res.Updated), "failed", len(res.Failed))
	return res, nil
}
