package marketdata_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smm/portfolio-engine/internal/ledger"
	"github.com/smm/portfolio-engine/internal/marketdata"
	"github.com/smm/portfolio-engine/internal/model"
	"github.com/smm/portfolio-engine/internal/store"
)

var seeded = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves fixed prices and records the broker it was given.
type fakeSource struct {
	prices map[string]decimal.Decimal
	broker *model.BrokerCredentials
	calls  int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Price(_ context.Context, symbol string, broker *model.BrokerCredentials) (decimal.Decimal, error) {
	f.calls++
	f.broker = broker
	p, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, errors.New("unavailable")
	}
	return p, nil
}

func newRefresher(t *testing.T, src marketdata.Source) (*marketdata.Refresher, *ledger.Service) {
	t.Helper()
	svc := ledger.NewService(store.NewMemoryStore(seeded))
	r := marketdata.NewRefresher(context.Background(), svc, src)
	r.Now = func() time.Time { return seeded.Add(time.Hour) }
	return r, svc
}

func TestRefresher_HardcodedSkips(t *testing.T) {
	src := &fakeSource{prices: map[string]decimal.Decimal{"AAPL": d(200)}}
	r, _ := newRefresher(t, src)

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !res.Skipped || src.calls != 0 {
		t.Errorf("expected a skipped run with no fetches, got %+v after %d calls", res, src.calls)
	}
}

func TestRefresher_OnlineWritesQuotes(t *testing.T) {
	src := &fakeSource{prices: map[string]decimal.Decimal{
		"AAPL":  d(200),
		"GOOGL": d(2900.5),
		"MSFT":  d(410),
	}}
	r, svc := newRefresher(t, src)
	ctx := context.Background()

	broker := &model.BrokerCredentials{ID: 3, DNI: "20333444", User: "bob", Password: "pw"}
	if _, err := svc.UpdateMarketData(ctx, model.MarketDataConfig{Source: model.SourceOnline, Broker: broker}); err != nil {
		t.Fatalf("UpdateMarketData: %v", err)
	}

	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(res.Updated) != 3 || len(res.Failed) != 1 || res.Failed[0] != "BOND1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if src.broker == nil || src.broker.User != "bob" {
		t.Errorf("expected broker credentials passed to the source, got %+v", src.broker)
	}

	at := seeded.Add(time.Hour)
	for _, q := range res.Updated {
		if !q.At.Equal(at) {
			t.Errorf("expected shared timestamp %s, got %s", at, q.At)
		}
	}

	quotes, _ := svc.Quotes(ctx)
	want := map[string]decimal.Decimal{"1": d(200), "2": d(2900.5), "3": d(1000), "4": d(410)}
	for _, q := range quotes {
		if !q.Price.Equal(want[q.SecurityID]) {
			t.Errorf("security %s: expected %s, got %s", q.SecurityID, want[q.SecurityID], q.Price)
		}
	}

	// The seed price is still in the history log.
	old, err := svc.QuoteAt(ctx, "1", seeded)
	if err != nil || !old.Price.Equal(d(150)) {
		t.Errorf("expected history 150 at seed time, got %v %v", old.Price, err)
	}
}

func TestRefresher_StartRejectsBadSchedule(t *testing.T) {
	r, _ := newRefresher(t, &fakeSource{})
	if err := r.Start("not a cron schedule"); err == nil {
		r.Stop()
		t.Fatal("expected an error for an invalid schedule")
	}
	if err := r.Start(marketdata.DefaultSchedule); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
}
