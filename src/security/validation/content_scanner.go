package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/username/tradejournal/backend/src/logger"
)

var (
	// Markup that has no business in a broker name, account label or symbol: an opening or
	// closing tag, or a script URL.
	markupRegex = regexp.MustCompile(`(?i)</?[a-z!?]|javascript:|vbscript:|data:\s*text/html`)

	// Spreadsheet triggers at the start of a cell, and DDE payloads such as =cmd|' /C calc'!A0.
	formulaPrefixRegex = regexp.MustCompile(`^[=+\-@\t\r]`)
	ddePayloadRegex    = regexp.MustCompile(`(?i)^[=+\-@].*\|.*!`)
)

func truncateForLog(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// CheckMarkup rejects names and labels that carry HTML or script URLs.
func CheckMarkup(s, fieldName string) error {
	if markupRegex.MatchString(s) {
		logger.L.Warn("Markup rejected", "field", fieldName, "contentPreview", truncateForLog(s, 50))
		return fmt.Errorf("%w: %s must not contain markup", ErrValidationFailed, fieldName)
	}
	return nil
}

// CheckFormulaInjection rejects a text cell that a spreadsheet would evaluate when the
// journal is exported again. Numeric columns are not checked: a leading minus is a sign there.
func CheckFormulaInjection(cell, fieldName, row string) error {
	trimmed := strings.TrimLeft(cell, " ")
	if !formulaPrefixRegex.MatchString(trimmed) {
		return nil
	}
	kind := "formula"
	if ddePayloadRegex.MatchString(trimmed) {
		kind = "DDE payload"
	}
	logger.L.Warn("Spreadsheet formula rejected", "field", fieldName, "row", row, "kind", kind,
		"contentPreview", truncateForLog(cell, 50))
	return fmt.Errorf("%w: %s cell starts a spreadsheet %s", ErrValidationFailed, fieldName, kind)
}
