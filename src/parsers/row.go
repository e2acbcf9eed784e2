package parsers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/security/validation"
)

var decimalFields = []models.CanonicalField{
	models.FieldQuantity, models.FieldPrice, models.FieldCommission, models.FieldFees,
}

// RowConverter coerces data rows into canonical orders under one column mapping. Number
// and date conventions are detected once over the whole file.
type RowConverter struct {
	headers   []string
	columns   map[models.CanonicalField]int
	metadata  []int
	decimals  DecimalConvention
	dateOrder DateOrder
	loc       *time.Location
}

// NewRowConverter prepares a converter. rows are all data rows of the file and are only
// used to detect conventions. loc is the zone for timestamps without an offset.
func NewRowConverter(headers []string, rows [][]string, mapping models.ColumnMapping, loc *time.Location) (*RowConverter, error) {
	if missing := mapping.MissingRequired(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, f := range missing {
			names[i] = string(f)
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(names, ", "))
	}
	if loc == nil {
		loc = time.UTC
	}

	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[h] = i
	}
	rc := &RowConverter{headers: headers, columns: make(map[models.CanonicalField]int), loc: loc}
	for _, f := range models.CanonicalFields {
		if f == models.FieldBrokerMetadata {
			continue
		}
		if h, ok := mapping.HeaderFor(f); ok {
			if i, ok := index[h]; ok {
				rc.columns[f] = i
			}
		}
	}
	for _, h := range mapping.MetadataHeaders() {
		if i, ok := index[h]; ok {
			rc.metadata = append(rc.metadata, i)
		}
	}
	for h := range mapping {
		if _, ok := index[h]; !ok {
			return nil, fmt.Errorf("%w: mapped header %q is not in the file", ErrMissingRequired, h)
		}
	}

	rc.decimals = DetectDecimalConvention(rc.values(rows, decimalFields...))
	rc.dateOrder = DetectDateOrder(rc.values(rows, models.FieldExecutedAt, models.FieldTradeDate))
	return rc, nil
}

func (rc *RowConverter) values(rows [][]string, fields ...models.CanonicalField) []string {
	var out []string
	for _, f := range fields {
		col, ok := rc.columns[f]
		if !ok {
			continue
		}
		for _, row := range rows {
			if col < len(row) {
				out = append(out, row[col])
			}
		}
	}
	return out
}

func (rc *RowConverter) cell(row []string, f models.CanonicalField) string {
	col, ok := rc.columns[f]
	if !ok || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// Convert coerces one data row. line is the row's line number in the file, used in errors.
func (rc *RowConverter) Convert(line int, row []string) (*models.CanonicalOrder, error) {
	rowErr := func(f models.CanonicalField, value string, err error) error {
		return &RowError{Row: line, Field: f, Value: value, Err: err}
	}
	contextID := fmt.Sprintf("row %d", line)

	rawSymbol := rc.cell(row, models.FieldSymbol)
	if err := validation.CheckFormulaInjection(rawSymbol, "symbol", contextID); err != nil {
		return nil, rowErr(models.FieldSymbol, rawSymbol, err)
	}
	symbol := strings.ToUpper(validation.CleanCell(rawSymbol))
	if err := validation.ValidateSymbol(symbol); err != nil {
		return nil, rowErr(models.FieldSymbol, rawSymbol, err)
	}

	rawQty := rc.cell(row, models.FieldQuantity)
	qty, err := ParseDecimal(rawQty, rc.decimals)
	if err != nil {
		return nil, rowErr(models.FieldQuantity, rawQty, err)
	}
	if qty.IsZero() {
		return nil, rowErr(models.FieldQuantity, rawQty, ErrZeroQuantity)
	}

	var side models.OrderSide
	if rawSide := rc.cell(row, models.FieldSide); rawSide != "" {
		if side, err = NormalizeSide(rawSide); err != nil {
			return nil, rowErr(models.FieldSide, rawSide, err)
		}
	} else if qty.IsNegative() {
		side = models.SideSell
	} else {
		side = models.SideBuy
	}
	qty = qty.Abs()

	rawPrice := rc.cell(row, models.FieldPrice)
	price, err := ParseDecimal(rawPrice, rc.decimals)
	if err != nil {
		return nil, rowErr(models.FieldPrice, rawPrice, err)
	}
	if price.IsNegative() {
		return nil, rowErr(models.FieldPrice, rawPrice, ErrNegativePrice)
	}

	commission, err := rc.optionalAmount(row, models.FieldCommission)
	if err != nil {
		return nil, rowErr(models.FieldCommission, rc.cell(row, models.FieldCommission), err)
	}
	fees, err := rc.optionalAmount(row, models.FieldFees)
	if err != nil {
		return nil, rowErr(models.FieldFees, rc.cell(row, models.FieldFees), err)
	}

	executedAt, err := rc.executedAt(row)
	if err != nil {
		return nil, &RowError{Row: line, Field: models.FieldExecutedAt, Value: rc.cell(row, models.FieldExecutedAt), Err: err}
	}

	currency := strings.ToUpper(rc.cell(row, models.FieldCurrency))
	if err := validation.ValidateCurrencyCode(currency); err != nil {
		return nil, rowErr(models.FieldCurrency, currency, err)
	}

	rawAccount := rc.cell(row, models.FieldAccount)
	if err := validation.CheckFormulaInjection(rawAccount, "account", contextID); err != nil {
		return nil, rowErr(models.FieldAccount, rawAccount, err)
	}
	account := validation.CleanCell(rawAccount)

	orderID := validation.CleanCell(rc.cell(row, models.FieldOrderID))
	if err := validation.ValidateOrderID(orderID); err != nil {
		return nil, rowErr(models.FieldOrderID, orderID, err)
	}

	metadata := make(map[string]string, len(rc.metadata))
	for _, col := range rc.metadata {
		if col >= len(row) {
			continue
		}
		if v := validation.CleanCell(row[col]); v != "" {
			metadata[rc.headers[col]] = validation.NeutralizeFormula(v)
		}
	}

	return &models.CanonicalOrder{
		RowNumber:     line,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		Commission:    commission,
		Fees:          fees,
		Currency:      currency,
		Account:       account,
		BrokerOrderID: orderID,
		ExecutedAt:    executedAt,
		Metadata:      metadata,
		RawText:       strings.Join(row, ","),
	}, nil
}

// optionalAmount parses a commission or fee cell. Brokers sign charges either way; the
// stored amount is always positive.
func (rc *RowConverter) optionalAmount(row []string, f models.CanonicalField) (decimal.Decimal, error) {
	raw := rc.cell(row, f)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := ParseDecimal(raw, rc.decimals)
	if err != nil {
		if errors.Is(err, ErrMissingValue) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return d.Abs(), nil
}

// executedAt combines the timestamp and trade date columns. A time-only timestamp takes
// its date from the trade date; a missing timestamp falls back to the trade date.
func (rc *RowConverter) executedAt(row []string) (time.Time, error) {
	rawTS := rc.cell(row, models.FieldExecutedAt)
	rawDate := rc.cell(row, models.FieldTradeDate)

	if rawTS == "" {
		if rawDate == "" {
			return time.Time{}, ErrMissingValue
		}
		t, _, err := ParseTimestamp(rawDate, rc.dateOrder, rc.loc)
		return t, err
	}

	ts, kind, err := ParseTimestamp(rawTS, rc.dateOrder, rc.loc)
	if err != nil {
		return time.Time{}, err
	}
	if kind != KindTime {
		return ts, nil
	}
	if rawDate == "" {
		return time.Time{}, fmt.Errorf("%w: time %q has no trade date", ErrInvalidTimestamp, rawTS)
	}
	day, _, err := ParseTimestamp(rawDate, rc.dateOrder, rc.loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), rc.loc), nil
}
