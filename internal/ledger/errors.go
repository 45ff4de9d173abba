package ledger

import (
	"errors"

	"github.com/smm/portfolio-engine/internal/catalog"
)

// Business-rule failures. Messages are shown to API clients as-is.
var (
	ErrInvalidQuantity      = errors.New("quantity must be a positive integer")
	ErrInvalidPrice         = errors.New("price must be positive")
	ErrSecurityNotFound     = errors.New("security not found")
	ErrQuoteNotFound        = errors.New("quote not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrValuationDataMissing is a data-integrity failure: a held position
	// whose security or current quote cannot be resolved.
	ErrValuationDataMissing = errors.New("ledger: valuation data missing")

	// ErrInvalidSettings rejects settings the ledger cannot act on.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrStorageSwitchUnavailable is returned by SwitchStorage when the
	// service was built without a backend factory.
	ErrStorageSwitchUnavailable = errors.New("ledger: storage switching not configured")
)

// IsValidation reports whether err is a malformed-input failure, as
// opposed to a business-rule or internal one.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSettings) ||
		errors.Is(err, catalog.ErrInvalidSymbol) ||
		errors.Is(err, catalog.ErrInvalidType) ||
		errors.Is(err, catalog.ErrInvalidID) ||
		errors.Is(err, catalog.ErrMissingName)
}

// rejectionReason is the metrics label for a refused trade.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrSecurityNotFound):
		return "security_not_found"
	case errors.Is(err, ErrQuoteNotFound):
		return "quote_not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	}
	return "internal"
}
