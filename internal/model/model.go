// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal, never float64 for money.
//
// JSON names are camelCase: the browser UI reads these shapes directly.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashAccount is the single cash balance of a ledger.
type CashAccount struct {
	Balance decimal.Decimal `json:"balance"`
}

// SecurityType is the catalog category of a security.
type SecurityType string

const (
	SecurityEquity SecurityType = "acción" // equity-like
	SecurityBond   SecurityType = "bono"   // fixed-income-like
)

// Valid reports whether t is one of the two known categories.
func (t SecurityType) Valid() bool {
	return t == SecurityEquity || t == SecurityBond
}

// Security is an immutable catalog entry.
type Security struct {
	ID     string       `json:"id"`
	Symbol string       `json:"symbol"`
	Name   string       `json:"name"`
	Type   SecurityType `json:"type"`
}

// Position is a held quantity of one security. Quantity is always > 0
// while the position exists; empty positions are deleted.
type Position struct {
	SecurityID string `json:"securityId"`
	Quantity   int64  `json:"quantity"`
}

// Quote is a timestamped price observation for one security.
type Quote struct {
	SecurityID string          `json:"securityId"`
	Price      decimal.Decimal `json:"price"`
	At         time.Time       `json:"at"`
}

// PositionLine is a position enriched with its security and current price.
type PositionLine struct {
	Security  Security        `json:"security"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Valuation decimal.Decimal `json:"valuation"` // quantity * unitPrice
}

// Portfolio is the current valuation view of the ledger.
type Portfolio struct {
	Cash           CashAccount     `json:"cash"`
	Positions      []PositionLine  `json:"positions"`
	Securities     []Security      `json:"securities"`
	TotalValuation decimal.Decimal `json:"totalValuation"` // cash + Σ line valuations
}

// Valuation is the total value of the ledger at an instant.
type Valuation struct {
	TotalValuation decimal.Decimal `json:"totalValuation"`
	At             time.Time       `json:"at"`
}

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Trade is the immutable record of an executed buy or sell.
type Trade struct {
	ID         string          `json:"id"`
	Side       TradeSide       `json:"side"`
	SecurityID string          `json:"securityId"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"` // quantity * price
	CashAfter  decimal.Decimal `json:"cashAfter"`
	At         time.Time       `json:"at"`
}
