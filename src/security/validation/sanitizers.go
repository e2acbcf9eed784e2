package validation

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var (
	textPolicy = bluemonday.StrictPolicy()

	// bluemonday escapes these; they are common in symbols and broker names ("AT&T", "O'Neil").
	entityUnescaper = strings.NewReplacer("&amp;", "&", "&#39;", "'", "&#34;", `"`)
)

// SanitizeText drops every tag from user or file supplied text.
func SanitizeText(s string) string {
	return entityUnescaper.Replace(textPolicy.Sanitize(s))
}

// NeutralizeFormula quotes a metadata value that a spreadsheet would evaluate, so the
// original text survives a later CSV export.
func NeutralizeFormula(s string) string {
	if formulaPrefixRegex.MatchString(strings.TrimLeft(s, " ")) {
		return "'" + s
	}
	return s
}

// StripUnprintable drops control characters and the invisible format runes (zero width
// spaces, direction marks, BOMs) that Excel exports leave in cells. Newlines and tabs
// survive for multi-line notes.
func StripUnprintable(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.Is(unicode.Cf, r), unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

// CleanCell reduces a CSV cell to plain single-line text.
func CleanCell(s string) string {
	s = StripUnprintable(SanitizeText(s))
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
