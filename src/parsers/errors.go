// Package parsers reads broker exports into header/row grids and coerces cells into
// canonical order values.
package parsers

import (
	"errors"
	"fmt"

	"github.com/username/tradejournal/backend/src/models"
)

var (
	ErrEmptyFile        = errors.New("file is empty")
	ErrNoDataRows       = errors.New("file has no data rows")
	ErrMalformedCSV     = errors.New("malformed CSV")
	ErrDuplicateHeader  = errors.New("duplicate header")
	ErrInvalidDecimal   = errors.New("invalid number")
	ErrInvalidTimestamp = errors.New("invalid date or time")
	ErrUnknownSide      = errors.New("unknown side")
	ErrMissingValue     = errors.New("missing value")
	ErrZeroQuantity     = errors.New("quantity is zero")
	ErrNegativePrice    = errors.New("price is negative")
	ErrMissingRequired  = errors.New("required fields are not mapped")
	ErrSpreadsheet      = errors.New("unreadable spreadsheet")
)

// ParseError is a file-level failure: nothing in the file can be trusted.
type ParseError struct {
	Line   int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// RowError is a failure confined to one data row. Row is the 1-based line in the file.
type RowError struct {
	Row   int
	Field models.CanonicalField
	Value string
	Err   error
}

func (e *RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("row %d: %s %q: %v", e.Row, e.Field, e.Value, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }
