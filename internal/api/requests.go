package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/smm/portfolio-engine/internal/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// --- Request types ---

// TradeRequest is the JSON body for POST /api/transactions/{buy,sell}.
// Quantity sign is checked by the ledger.
type TradeRequest struct {
	SecurityID string `json:"securityId" validate:"required,max=64"`
	Quantity   int64  `json:"quantity"`
}

// QuoteRequest is one quote write for PATCH /api/quotes and /api/quotes/bulk.
type QuoteRequest struct {
	SecurityID string          `json:"securityId" validate:"required,max=64"`
	Price      decimal.Decimal `json:"price"`
}

// SecurityRequest is the JSON body for POST /api/securities. An empty id
// defaults to the symbol.
type SecurityRequest struct {
	ID     string `json:"id" validate:"omitempty,max=64"`
	Symbol string `json:"symbol" validate:"required,max=15"`
	Name   string `json:"name" validate:"required,max=200"`
	Type   string `json:"type" validate:"required"`
}

// BrokerRequest carries broker credentials for the online source.
type BrokerRequest struct {
	ID       int    `json:"id" validate:"gte=0"`
	DNI      string `json:"dni" validate:"required,max=32"`
	User     string `json:"user" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

// MarketDataRequest is the JSON body for PATCH /api/settings/market-data.
type MarketDataRequest struct {
	Source string         `json:"source" validate:"required,oneof=hardcoded online"`
	Broker *BrokerRequest `json:"broker" validate:"required_if=Source online"`
}

// PostgresRequest carries database credentials. URL, when set, replaces
// the individual fields.
type PostgresRequest struct {
	Host     string `json:"host" validate:"required_without=URL,max=255"`
	Port     int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Database string `json:"database" validate:"required_without=URL,max=63"`
	User     string `json:"user" validate:"required_without=URL,max=63"`
	Password string `json:"password"`
	SSLMode  string `json:"sslMode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	URL      string `json:"url" validate:"omitempty,url"`
}

// StorageRequest is the JSON body for PATCH /api/settings/storage.
type StorageRequest struct {
	Type     string           `json:"type" validate:"required,oneof=memory localStorage postgresql"`
	Postgres *PostgresRequest `json:"postgresql" validate:"required_if=Type postgresql"`
}

func (r MarketDataRequest) config() model.MarketDataConfig {
	cfg := model.MarketDataConfig{Source: model.MarketDataSource(r.Source)}
	if r.Broker != nil {
		cfg.Broker = &model.BrokerCredentials{
			ID:       r.Broker.ID,
			DNI:      r.Broker.DNI,
			User:     r.Broker.User,
			Password: r.Broker.Password,
		}
	}
	return cfg
}

func (r StorageRequest) config() model.StorageConfig {
	cfg := model.StorageConfig{Type: model.StorageType(r.Type)}
	if r.Postgres != nil && cfg.Type == model.StoragePostgres {
		port := r.Postgres.Port
		if port == 0 {
			port = 5432
		}
		cfg.Postgres = &model.PostgresConfig{
			Host:     r.Postgres.Host,
			Port:     port,
			Database: r.Postgres.Database,
			User:     r.Postgres.User,
			Password: r.Postgres.Password,
			SSLMode:  r.Postgres.SSLMode,
			URL:      r.Postgres.URL,
		}
	}
	return cfg
}

// --- Decoding and validation ---

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in error messages.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// errValidation marks malformed request input.
var errValidation = errors.New("validation failed")

// decode reads a JSON body into dst and validates it. Struct elements of
// a slice are validated one by one.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %s", errValidation, err)
	}

	rv := reflect.Indirect(reflect.ValueOf(dst))
	if rv.Kind() == reflect.Slice {
		if rv.Len() == 0 {
			return fmt.Errorf("%w: at least one entry is required", errValidation)
		}
		for i := 0; i < rv.Len(); i++ {
			if err := validate.Struct(rv.Index(i).Interface()); err != nil {
				return fmt.Errorf("%w: [%d] %s", errValidation, i, describe(err))
			}
		}
		return nil
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", errValidation, describe(err))
	}
	return nil
}

// describe turns validator errors into a short client-facing message.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), strings.SplitN(fe.Namespace(), ".", 2)[0]+".")
		switch fe.Tag() {
		case "required", "required_if", "required_without":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "max", "min", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
