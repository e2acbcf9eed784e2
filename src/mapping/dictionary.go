package mapping

import (
	"strings"

	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/parsers"
)

// ValueHint describes what the values of a column should look like.
type ValueHint string

const (
	HintText     ValueHint = "text"
	HintSide     ValueHint = "side"
	HintDecimal  ValueHint = "decimal"
	HintDateTime ValueHint = "datetime"
	HintDate     ValueHint = "date"
	HintID       ValueHint = "id"
)

// FieldSpec is one canonical field with its known header spellings (normalized).
type FieldSpec struct {
	Field    models.CanonicalField
	Synonyms []string
	Hint     ValueHint
}

// Dictionary is the ordered list of canonical fields the heuristic mapper knows.
type Dictionary []FieldSpec

// DefaultDictionary covers the exports of the common US and EU retail brokers.
var DefaultDictionary = Dictionary{
	{Field: models.FieldSymbol, Hint: HintText, Synonyms: []string{
		"symbol", "ticker", "instrument", "security", "stock", "underlying", "contract",
		"asset", "product", "market", "sym", "ticker symbol", "security symbol",
	}},
	{Field: models.FieldSide, Hint: HintSide, Synonyms: []string{
		"side", "action", "buy sell", "b s", "direction", "transaction type", "order side",
		"type", "trade type", "buy sell indicator",
	}},
	{Field: models.FieldQuantity, Hint: HintDecimal, Synonyms: []string{
		"quantity", "qty", "shares", "size", "filled qty", "filled", "volume", "contracts",
		"units", "filled quantity", "exec qty", "share quantity", "amount shares", "position",
	}},
	{Field: models.FieldPrice, Hint: HintDecimal, Synonyms: []string{
		"price", "fill price", "avg price", "average price", "execution price", "exec price",
		"avg fill price", "trade price", "t price", "executed price", "price per share",
	}},
	{Field: models.FieldExecutedAt, Hint: HintDateTime, Synonyms: []string{
		"time", "date time", "datetime", "timestamp", "executed at", "execution time",
		"exec time", "fill time", "trade time", "time executed", "activity time", "date and time",
	}},
	{Field: models.FieldTradeDate, Hint: HintDate, Synonyms: []string{
		"date", "trade date", "execution date", "fill date", "activity date", "order date",
	}},
	{Field: models.FieldOrderID, Hint: HintID, Synonyms: []string{
		"order id", "order", "order number", "order no", "exec id", "execution id", "trade id",
		"fill id", "transaction id", "id", "ref", "reference", "order ref",
	}},
	{Field: models.FieldCommission, Hint: HintDecimal, Synonyms: []string{
		"commission", "commissions", "comm", "brokerage", "comm fee", "ib commission",
	}},
	{Field: models.FieldFees, Hint: HintDecimal, Synonyms: []string{
		"fees", "fee", "reg fee", "sec fee", "other fees", "ecn fee", "exchange fee", "taf",
		"regulatory fees", "clearing fee",
	}},
	{Field: models.FieldCurrency, Hint: HintText, Synonyms: []string{
		"currency", "ccy", "curr", "currency code",
	}},
	{Field: models.FieldAccount, Hint: HintText, Synonyms: []string{
		"account", "account id", "acct", "account number", "account name",
	}},
}

// Spec returns the entry for field.
func (d Dictionary) Spec(field models.CanonicalField) (FieldSpec, bool) {
	for _, s := range d {
		if s.Field == field {
			return s, true
		}
	}
	return FieldSpec{}, false
}

// Fits reports whether a raw cell value looks like the hint expects.
func (h ValueHint) Fits(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return false
	}
	switch h {
	case HintDecimal:
		_, err := parsers.ParseDecimal(v, parsers.DecimalAuto)
		return err == nil
	case HintSide:
		_, err := parsers.NormalizeSide(v)
		return err == nil
	case HintDateTime, HintDate:
		_, _, err := parsers.ParseTimestamp(v, parsers.DateOrderAuto, nil)
		return err == nil
	case HintText:
		return strings.IndexFunc(v, isLetter) >= 0
	case HintID:
		return strings.IndexFunc(v, isDigit) >= 0
	default:
		return true
	}
}

// FitRate is the share of non-empty values that fit the hint, and whether any value was seen.
func (h ValueHint) FitRate(values []string) (float64, bool) {
	seen, fit := 0, 0
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		seen++
		if h.Fits(v) {
			fit++
		}
	}
	if seen == 0 {
		return 0, false
	}
	return float64(fit) / float64(seen), true
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127
}
