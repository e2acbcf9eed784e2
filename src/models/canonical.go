package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalField names a column of the canonical order schema.
type CanonicalField string

const (
	FieldSymbol         CanonicalField = "symbol"
	FieldSide           CanonicalField = "side"
	FieldQuantity       CanonicalField = "quantity"
	FieldPrice          CanonicalField = "price"
	FieldExecutedAt     CanonicalField = "executed_at"
	FieldTradeDate      CanonicalField = "trade_date"
	FieldOrderID        CanonicalField = "order_id"
	FieldCommission     CanonicalField = "commission"
	FieldFees           CanonicalField = "fees"
	FieldCurrency       CanonicalField = "currency"
	FieldAccount        CanonicalField = "account"
	FieldBrokerMetadata CanonicalField = "broker_metadata"
)

// CanonicalFields lists every mappable field, metadata bucket last.
var CanonicalFields = []CanonicalField{
	FieldSymbol, FieldSide, FieldQuantity, FieldPrice, FieldExecutedAt, FieldTradeDate,
	FieldOrderID, FieldCommission, FieldFees, FieldCurrency, FieldAccount, FieldBrokerMetadata,
}

// RequiredFields must be mapped before rows can be converted. FieldExecutedAt is also
// satisfied by FieldTradeDate.
var RequiredFields = []CanonicalField{FieldSymbol, FieldQuantity, FieldPrice, FieldExecutedAt}

// Valid reports whether f is one of CanonicalFields.
func (f CanonicalField) Valid() bool {
	for _, c := range CanonicalFields {
		if c == f {
			return true
		}
	}
	return false
}

// ParseCanonicalField accepts "executed_at", "executedAt", "Executed At" and similar spellings.
func ParseCanonicalField(s string) (CanonicalField, bool) {
	var b strings.Builder
	prevLower := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
			prevLower = false
		case r >= 'A' && r <= 'Z':
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = r >= 'a' && r <= 'z'
		}
	}
	key := strings.Trim(strings.ReplaceAll(b.String(), "__", "_"), "_")
	switch key {
	case "metadata", "none", "ignore", "unmapped", "":
		return FieldBrokerMetadata, true
	case "date", "trade_date":
		return FieldTradeDate, true
	case "time", "timestamp", "date_time", "datetime", "executed_at":
		return FieldExecutedAt, true
	case "qty":
		return FieldQuantity, true
	case "fee":
		return FieldFees, true
	case "ticker":
		return FieldSymbol, true
	}
	f := CanonicalField(key)
	return f, f.Valid()
}

// CanonicalOrder is a CSV row after type coercion, before it is keyed and persisted.
type CanonicalOrder struct {
	RowNumber     int               `json:"row_number"`
	Symbol        string            `json:"symbol"`
	Side          OrderSide         `json:"side"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         decimal.Decimal   `json:"price"`
	Commission    decimal.Decimal   `json:"commission"`
	Fees          decimal.Decimal   `json:"fees"`
	Currency      string            `json:"currency"`
	Account       string            `json:"account"`
	BrokerOrderID string            `json:"broker_order_id"`
	ExecutedAt    time.Time         `json:"executed_at"`
	Metadata      map[string]string `json:"metadata"`
	RawText       string            `json:"raw_text"`
}
