package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckFormulaInjection(t *testing.T) {
	tests := []struct {
		cell    string
		wantErr bool
	}{
		{"AAPL", false},
		{"main account", false},
		{"", false},
		{"=HYPERLINK(\"http://x\")", true},
		{"  +1+1", true},
		{"@SUM(A1)", true},
		{"-2+3", true},
		{"\t=1", true},
		{"=cmd|' /C calc'!A0", true},
	}
	for _, tt := range tests {
		t.Run(tt.cell, func(t *testing.T) {
			err := CheckFormulaInjection(tt.cell, "symbol", "row 1")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidationFailed)
				return
			}
			assert.NoError(t, err)
		})
	}

	err := CheckFormulaInjection("=cmd|' /C calc'!A0", "account", "row 2")
	assert.ErrorContains(t, err, "DDE payload")
}

func TestCheckMarkup(t *testing.T) {
	for _, ok := range []string{"Interactive Brokers", "AT&T Brokerage", "Schwab <3", "a < b"} {
		assert.NoError(t, CheckMarkup(ok, "Broker name"), ok)
	}
	for _, bad := range []string{"<b>Acme</b>", "Acme</title>", "javascript:alert(1)", "<!-- x -->"} {
		assert.ErrorIs(t, CheckMarkup(bad, "Broker name"), ErrValidationFailed, bad)
	}
}

func TestCleanCell(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  AAPL ", "AAPL"},
		{"\ufeffMSFT", "MSFT"},
		{"BRK\u200b.B", "BRK.B"},
		{"\u200eAcme\u200f", "Acme"},
		{"<b>IBM</b>", "IBM"},
		{"AT&T", "AT&T"},
		{"multi\nline cell", "multi line cell"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanCell(tt.in), "%q", tt.in)
	}
}

func TestStripUnprintableKeepsNoteLayout(t *testing.T) {
	assert.Equal(t, "line one\n\tline two", StripUnprintable("line one\r\n\tline\u200b two\x00"))
}

func TestNeutralizeFormula(t *testing.T) {
	assert.Equal(t, "'=1+1", NeutralizeFormula("=1+1"))
	assert.Equal(t, "' @x", NeutralizeFormula(" @x"))
	assert.Equal(t, "memo", NeutralizeFormula("memo"))
}
