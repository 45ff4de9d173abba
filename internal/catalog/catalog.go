// Package catalog handles security catalog entry parsing and validation:
// symbol format, category names, and id assignment.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/smm/portfolio-engine/internal/model"
)

// symbolRegex matches exchange tickers: AAPL, BRK.B, GGAL-BA, AL30.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,14}$`)

// idRegex matches catalog ids. The seeded catalog uses "1".."4".
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

var (
	ErrInvalidSymbol = errors.New("catalog: invalid security symbol")
	ErrInvalidType   = errors.New("catalog: unsupported security type")
	ErrInvalidID     = errors.New("catalog: invalid security id")
	ErrMissingName   = errors.New("catalog: security name is required")
)

// typeAliases maps accepted spellings to the two catalog categories.
var typeAliases = map[string]model.SecurityType{
	"acción": model.SecurityEquity,
	"accion": model.SecurityEquity,
	"equity": model.SecurityEquity,
	"stock":  model.SecurityEquity,
	"bono":   model.SecurityBond,
	"bond":   model.SecurityBond,
}

// ParseType resolves a category name (case-insensitive, with or without
// accent, Spanish or English) to a SecurityType.
func ParseType(s string) (model.SecurityType, error) {
	t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q (expected acción or bono)", ErrInvalidType, s)
	}
	return t, nil
}

// NormalizeSymbol upper-cases and validates a ticker symbol.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return sym, nil
}

// Parse validates and normalises a new catalog entry. When id is empty
// the normalised symbol is used as the id.
func Parse(id, symbol, name, typ string) (model.Security, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return model.Security{}, err
	}
	t, err := ParseType(typ)
	if err != nil {
		return model.Security{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Security{}, ErrMissingName
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = sym
	}
	if !idRegex.MatchString(id) {
		return model.Security{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return model.Security{ID: id, Symbol: sym, Name: name, Type: t}, nil
}
