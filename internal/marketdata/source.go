// Package marketdata fetches live prices and feeds them into the ledger.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/smm/portfolio-engine/internal/model"
)

// DefaultBaseURL is the public Yahoo Finance chart API.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// ErrNoPrice is returned when the upstream has no usable price for a symbol.
var ErrNoPrice = errors.New("marketdata: no price returned")

// Source returns the latest price of a ticker symbol.
type Source interface {
	Name() string
	Price(ctx context.Context, symbol string, broker *model.BrokerCredentials) (decimal.Decimal, error)
}

// OnlineSource reads regularMarketPrice from a Yahoo-chart compatible
// endpoint. Requests are throttled by a shared rate limiter.
type OnlineSource struct {
	BaseURL string
	Client  *http.Client
	Limiter *rate.Limiter
	// SymbolMap maps catalog symbols to upstream tickers (BOND1 -> ^TNX).
	SymbolMap map[string]string
}

// NewOnlineSource creates a source for baseURL allowing requestsPerSecond.
func NewOnlineSource(baseURL string, requestsPerSecond float64) *OnlineSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OnlineSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 5),
		SymbolMap: map[string]string{
			"BOND1": "^TNX",
		},
	}
}

func (s *OnlineSource) Name() string { return "online" }

func (s *OnlineSource) ticker(symbol string) string {
	if mapped, ok := s.SymbolMap[symbol]; ok {
		return mapped
	}
	return symbol
}

// chartResponse is the subset of the chart API response we read.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string          `json:"symbol"`
				RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Price fetches the current price of symbol. When broker carries a user,
// the request authenticates with the broker credentials.
func (s *OnlineSource) Price(ctx context.Context, symbol string, broker *model.BrokerCredentials) (decimal.Decimal, error) {
	if err := s.Limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", s.BaseURL, url.PathEscape(s.ticker(symbol)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "application/json")
	if broker != nil && broker.User != "" {
		req.SetBasicAuth(broker.User, broker.Password)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s: %w", symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch %s: status %d, body: %s", symbol, resp.StatusCode, truncate(body, 200))
	}

	var chart chartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return decimal.Zero, fmt.Errorf("decode %s: %w", symbol, err)
	}
	if chart.Chart.Error != nil {
		return decimal.Zero, fmt.Errorf("upstream error for %s: %s", symbol, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || !chart.Chart.Result[0].Meta.RegularMarketPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return chart.Chart.Result[0].Meta.RegularMarketPrice, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
