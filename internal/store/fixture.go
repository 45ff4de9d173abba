package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/smm/portfolio-engine/internal/model"
)

// InitialBalance is the cash balance of a freshly initialised ledger.
var InitialBalance = decimal.NewFromInt(100000)

// Fixture is the initial content every backend starts from.
type Fixture struct {
	Cash       model.CashAccount
	Securities []model.Security
	Quotes     []model.Quote
	Positions  []model.Position
	Settings   model.Settings
}

// DefaultFixture returns the seeded catalog, quotes and positions. Quotes
// are stamped at now and double as the first entries of the history log.
func DefaultFixture(now time.Time) Fixture {
	now = Stamp(now)
	return Fixture{
		Cash: model.CashAccount{Balance: InitialBalance},
		Securities: []model.Security{
			{ID: "1", Symbol: "AAPL", Name: "Apple Inc.", Type: model.SecurityEquity},
			{ID: "2", Symbol: "GOOGL", Name: "Alphabet Inc.", Type: model.SecurityEquity},
			{ID: "3", Symbol: "BOND1", Name: "Government Bond", Type: model.SecurityBond},
			{ID: "4", Symbol: "MSFT", Name: "Microsoft Corp.", Type: model.SecurityEquity},
		},
		Quotes: []model.Quote{
			{SecurityID: "1", Price: decimal.NewFromInt(150), At: now},
			{SecurityID: "2", Price: decimal.NewFromInt(2800), At: now},
			{SecurityID: "3", Price: decimal.NewFromInt(1000), At: now},
			{SecurityID: "4", Price: decimal.NewFromInt(380), At: now},
		},
		Positions: []model.Position{
			{SecurityID: "1", Quantity: 10},
			{SecurityID: "2", Quantity: 5},
		},
		Settings: model.DefaultSettings(),
	}
}

// Stamp normalises a timestamp to UTC at microsecond precision, the
// finest resolution every backend can store.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// latestAt scans an append-only quote log for the entry with the greatest
// timestamp <= at. Later entries win ties.
func latestAt(log []model.Quote, securityID string, at time.Time) (model.Quote, bool) {
	var best model.Quote
	found := false
	for _, q := range log {
		if q.SecurityID != securityID || q.At.After(at) {
			continue
		}
		if !found || !q.At.Before(best.At) {
			best = q
			found = true
		}
	}
	return best, found
}
