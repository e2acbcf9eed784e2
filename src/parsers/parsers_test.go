package parsers

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/security/validation"
	"github.com/xuri/excelize/v2"
)

func TestParseCSV(t *testing.T) {
	t.Run("comma with blank lines", func(t *testing.T) {
		pf, err := ParseCSV("Symbol,Qty\nAAPL, 10 \n\n,\nMSFT,5\n")
		require.NoError(t, err)
		assert.Equal(t, []string{"Symbol", "Qty"}, pf.Headers)
		assert.Equal(t, [][]string{{"AAPL", "10"}, {"MSFT", "5"}}, pf.Rows)
		assert.Equal(t, ',', pf.Delimiter)
	})

	t.Run("semicolon and BOM", func(t *testing.T) {
		pf, err := ParseCSV("\ufeffSymbol;Price\n\"SAP\";\"1,5\"\n")
		require.NoError(t, err)
		assert.Equal(t, ';', pf.Delimiter)
		assert.Equal(t, []string{"Symbol", "Price"}, pf.Headers)
		assert.Equal(t, "1,5", pf.Rows[0][1])
	})

	t.Run("blank header is named", func(t *testing.T) {
		pf, err := ParseCSV("Symbol,,Qty\nAAPL,x,1\n")
		require.NoError(t, err)
		assert.Equal(t, "Column 2", pf.Headers[1])
	})

	t.Run("punctuation headers are named by position", func(t *testing.T) {
		pf, err := ParseCSV("#,Symbol,-,Qty\n1,AAPL,x,10\n")
		require.NoError(t, err)
		assert.Equal(t, []string{"Column 1", "Symbol", "Column 3", "Qty"}, pf.Headers)
	})
}

func TestParseCSVErrors(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantErr  error
		wantLine int
	}{
		{"empty", "  \n", ErrEmptyFile, 0},
		{"header only", "Symbol,Qty\n", ErrNoDataRows, 1},
		{"ragged row", "Symbol,Qty\nAAPL,1\nMSFT\n", ErrMalformedCSV, 3},
		{"unterminated quote", "Symbol,Qty\n\"AAPL,1\n", ErrMalformedCSV, 2},
		{"duplicate header", "Qty,Symbol,qty\n1,A,2\n", ErrDuplicateHeader, 1},
		{"two blank headers", "Symbol,,\nA,1,2\n", ErrDuplicateHeader, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCSV(tt.text)
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want *ParseError, got %T", err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantLine, pe.Line)
		})
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		raw     string
		conv    DecimalConvention
		want    string
		wantErr error
	}{
		{"1,234.56", DecimalAuto, "1234.56", nil},
		{"1.234,56", DecimalAuto, "1234.56", nil},
		{"12,5", DecimalAuto, "12.5", nil},
		{"1,234", DecimalAuto, "1234", nil},
		{"1,234", DecimalComma, "1.234", nil},
		{"(12.50)", DecimalAuto, "-12.5", nil},
		{"$1,000", DecimalAuto, "1000", nil},
		{"-3", DecimalAuto, "-3", nil},
		{"3-", DecimalAuto, "-3", nil},
		{"+0.25", DecimalAuto, "0.25", nil},
		{"", DecimalAuto, "", ErrMissingValue},
		{"--", DecimalAuto, "", ErrMissingValue},
		{"abc", DecimalAuto, "", ErrInvalidDecimal},
		{"1.2.3,4", DecimalPoint, "", ErrInvalidDecimal},
		{"1e20000000", DecimalAuto, "", ErrInvalidDecimal},
		{"1e5", DecimalAuto, "", ErrInvalidDecimal},
		{"2.5E3", DecimalPoint, "", ErrInvalidDecimal},
		{"1234567890123456789012345678901", DecimalAuto, "", ErrInvalidDecimal},
		{"123456789012345678901234.567890", DecimalAuto, "123456789012345678901234.56789", nil},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDecimal(tt.raw, tt.conv)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestDetectDecimalConvention(t *testing.T) {
	assert.Equal(t, DecimalComma, DetectDecimalConvention([]string{"1,5", "2.345,10", "1,234"}))
	assert.Equal(t, DecimalPoint, DetectDecimalConvention([]string{"1.5", "2,345.10"}))
	assert.Equal(t, DecimalAuto, DetectDecimalConvention([]string{"1,234", "10"}))
}

func TestParseTimestamp(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name     string
		raw      string
		order    DateOrder
		loc      *time.Location
		want     time.Time
		wantKind TimestampKind
	}{
		{"iso", "2024-03-01 14:30:00", DateOrderAuto, nil, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), KindDateTime},
		{"rfc3339", "2024-03-01T14:30:00Z", DateOrderAuto, ny, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), KindDateTime},
		{"local zone", "2024-03-01 09:30:00", DateOrderAuto, ny, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), KindDateTime},
		{"zone suffix", "2024-03-01 09:30:00 EST", DateOrderAuto, nil, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), KindDateTime},
		{"month first", "03/04/2024", DateOrderAuto, nil, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), KindDate},
		{"day first", "03/04/2024", DayFirst, nil, time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC), KindDate},
		{"day above twelve", "13/04/2024", DateOrderAuto, nil, time.Date(2024, 4, 13, 0, 0, 0, 0, time.UTC), KindDate},
		{"compact", "20240301;143000", DateOrderAuto, nil, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), KindDateTime},
		{"month name pm", "Mar 1, 2024 2:30:00 PM", DateOrderAuto, nil, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), KindDateTime},
		{"day month name", "1 Mar 2024", DateOrderAuto, nil, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), KindDate},
		{"epoch", "1709303400", DateOrderAuto, nil, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), KindDateTime},
		{"compact date", "20240301", DateOrderAuto, nil, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), KindDate},
		{"offset", "2024-03-01 09:30:00 -0500", DateOrderAuto, nil, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), KindDateTime},
		{"clock only", "14:30:05", DateOrderAuto, nil, time.Date(0, 1, 1, 14, 30, 5, 0, time.UTC), KindTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kind, err := ParseTimestamp(tt.raw, tt.order, tt.loc)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			assert.Equal(t, tt.wantKind, kind)
		})
	}

	for _, raw := range []string{"garbage", "31/02/2024", "2024-13-01", "25:00", "150", "2024", "10.50"} {
		t.Run("invalid "+raw, func(t *testing.T) {
			_, _, err := ParseTimestamp(raw, DateOrderAuto, nil)
			assert.ErrorIs(t, err, ErrInvalidTimestamp)
		})
	}
}

func TestDetectDateOrder(t *testing.T) {
	assert.Equal(t, DayFirst, DetectDateOrder([]string{"03/04/2024", "25/04/2024"}))
	assert.Equal(t, MonthFirst, DetectDateOrder([]string{"04/25/2024"}))
	assert.Equal(t, DateOrderAuto, DetectDateOrder([]string{"2024-04-25", "01/02/2024"}))
}

func TestNormalizeSide(t *testing.T) {
	tests := []struct {
		raw  string
		want models.OrderSide
	}{
		{"BUY", models.SideBuy},
		{"Bought", models.SideBuy},
		{"BTO", models.SideBuy},
		{"b", models.SideBuy},
		{"Buy to Cover", models.SideBuy},
		{"SLD", models.SideSell},
		{"Sell Short", models.SideSell},
		{"S", models.SideSell},
		{"venda", models.SideSell},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeSide(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeSide("LMT")
	assert.ErrorIs(t, err, ErrUnknownSide)
	_, err = NormalizeSide(" ")
	assert.ErrorIs(t, err, ErrMissingValue)
}

func TestRowConverter(t *testing.T) {
	headers := []string{"Symbol", "Side", "Qty", "Price", "Time", "Commission", "Note"}
	rows := [][]string{
		{"aapl", "Bought", "100", "10.50", "2024-03-01 10:00:00", "-1.25", "=SUM(A1)"},
		{"AAPL", "", "-40", "11", "2024-03-02 10:00:00", "", ""},
		{"AAPL", "BUY", "0", "11", "2024-03-02 10:00:00", "", ""},
		{"=CMD", "BUY", "1", "11", "2024-03-02 10:00:00", "", ""},
		{"AAPL", "BUY", "1", "-1", "2024-03-02 10:00:00", "", ""},
	}
	mapping := models.ColumnMapping{
		"Symbol":     {Field: models.FieldSymbol},
		"Side":       {Field: models.FieldSide},
		"Qty":        {Field: models.FieldQuantity},
		"Price":      {Field: models.FieldPrice},
		"Time":       {Field: models.FieldExecutedAt},
		"Commission": {Field: models.FieldCommission},
		"Note":       {Field: models.FieldBrokerMetadata},
	}
	rc, err := NewRowConverter(headers, rows, mapping, time.UTC)
	require.NoError(t, err)

	o, err := rc.Convert(2, rows[0])
	require.NoError(t, err)
	assert.Equal(t, "AAPL", o.Symbol)
	assert.Equal(t, models.SideBuy, o.Side)
	assert.True(t, decimal.NewFromInt(100).Equal(o.Quantity))
	assert.True(t, decimal.RequireFromString("10.5").Equal(o.Price))
	assert.True(t, decimal.RequireFromString("1.25").Equal(o.Commission), "charges are stored positive")
	assert.True(t, o.Fees.IsZero())
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), o.ExecutedAt)
	assert.Equal(t, "'=SUM(A1)", o.Metadata["Note"])
	assert.Equal(t, 2, o.RowNumber)

	o, err = rc.Convert(3, rows[1])
	require.NoError(t, err)
	assert.Equal(t, models.SideSell, o.Side, "negative quantity without side is a sell")
	assert.True(t, decimal.NewFromInt(40).Equal(o.Quantity))

	rowFailures := []struct {
		line  int
		field models.CanonicalField
		err   error
	}{
		{4, models.FieldQuantity, ErrZeroQuantity},
		{5, models.FieldSymbol, validation.ErrValidationFailed},
		{6, models.FieldPrice, ErrNegativePrice},
	}
	for _, f := range rowFailures {
		_, err := rc.Convert(f.line, rows[f.line-2])
		var re *RowError
		require.True(t, errors.As(err, &re), "line %d", f.line)
		assert.Equal(t, f.line, re.Row)
		assert.Equal(t, f.field, re.Field)
		assert.ErrorIs(t, err, f.err)
	}
}

func TestRowConverterCombinesTimeWithTradeDate(t *testing.T) {
	headers := []string{"Ticker", "Shares", "Price", "Trade Date", "Exec Time"}
	rows := [][]string{{"MSFT", "5", "400", "15/03/2024", "09:45:10"}}
	mapping := models.ColumnMapping{
		"Ticker":     {Field: models.FieldSymbol},
		"Shares":     {Field: models.FieldQuantity},
		"Price":      {Field: models.FieldPrice},
		"Trade Date": {Field: models.FieldTradeDate},
		"Exec Time":  {Field: models.FieldExecutedAt},
	}
	rc, err := NewRowConverter(headers, rows, mapping, time.UTC)
	require.NoError(t, err)

	o, err := rc.Convert(2, rows[0])
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 45, 10, 0, time.UTC), o.ExecutedAt)
}

func TestNewRowConverterRejectsIncompleteMapping(t *testing.T) {
	_, err := NewRowConverter([]string{"Symbol", "Qty"}, nil, models.ColumnMapping{
		"Symbol": {Field: models.FieldSymbol},
		"Qty":    {Field: models.FieldQuantity},
	}, nil)
	assert.ErrorIs(t, err, ErrMissingRequired)
}

func TestDecodeText(t *testing.T) {
	t.Run("utf8 with BOM", func(t *testing.T) {
		got, err := DecodeText([]byte("\xef\xbb\xbfSymbol\nA\n"), "text/csv")
		require.NoError(t, err)
		assert.Equal(t, "Symbol\nA\n", got)
	})

	t.Run("windows-1252", func(t *testing.T) {
		got, err := DecodeText([]byte("Pre\xe7o,Qty\n1,2\n"), "text/csv")
		require.NoError(t, err)
		assert.Equal(t, "Preço,Qty\n1,2\n", got)
	})

	t.Run("utf16 little endian", func(t *testing.T) {
		data := []byte{0xFF, 0xFE}
		for _, c := range []byte("a,b\n1,2\n") {
			data = append(data, c, 0)
		}
		got, err := DecodeText(data, "text/plain")
		require.NoError(t, err)
		assert.Equal(t, "a,b\n1,2\n", got)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := DecodeText(nil, "text/csv")
		assert.ErrorIs(t, err, ErrEmptyFile)
	})
}

func TestParseSpreadsheet(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Symbol", "Qty", "Note"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"AAPL", 10, "a, b"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A4", &[]any{"MSFT", 5}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	data := buf.Bytes()
	require.True(t, IsSpreadsheet(data))

	text, err := ParseSpreadsheet(data)
	require.NoError(t, err)
	pf, err := ParseCSV(text)
	require.NoError(t, err)
	assert.Equal(t, []string{"Symbol", "Qty", "Note"}, pf.Headers)
	assert.Equal(t, [][]string{{"AAPL", "10", "a, b"}, {"MSFT", "5", ""}}, pf.Rows)

	_, err = ParseSpreadsheet([]byte("PK\x03\x04not a zip"))
	assert.ErrorIs(t, err, ErrSpreadsheet)
}
