// backend/src/security/validation/field_validator.go
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var ErrValidationFailed = errors.New("validation failed")

const (
	DefaultMaxStringLength = 255
	MaxSymbolLength        = 64
	MaxCurrencyCodeLength  = 3
	MaxOrderIDLength       = 100
	MaxBrokerNameLength    = 100
	MaxNotesLength         = 10000
	MaxTagLength           = 50
	MaxTagsPerItem         = 20
)

// --- String Validators ---

// ValidateStringNotEmpty checks if a string is not empty after trimming.
func ValidateStringNotEmpty(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrValidationFailed, fieldName)
	}
	return nil
}

// ValidateStringMaxLength checks if a string's UTF-8 character count is within max bounds.
func ValidateStringMaxLength(s string, maxLength int, fieldName string) error {
	if utf8.RuneCountInString(s) > maxLength {
		return fmt.Errorf("%w: %s exceeds maximum length of %d characters", ErrValidationFailed, fieldName, maxLength)
	}
	return nil
}

// ValidateStringRegex checks if a string matches a given regex pattern.
func ValidateStringRegex(s string, pattern *regexp.Regexp, fieldName, formatDescription string) error {
	if !pattern.MatchString(s) {
		return fmt.Errorf("%w: %s ('%s') is not in the expected format (%s)", ErrValidationFailed, fieldName, s, formatDescription)
	}
	return nil
}

// --- Specific Format Validators ---

var (
	// Stocks, share classes, futures roots and OCC option symbols.
	symbolRegex       = regexp.MustCompile(`^[A-Z0-9][A-Z0-9 ./:^_\-]*$`)
	currencyCodeRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	orderIDRegex      = regexp.MustCompile(`^[a-zA-Z0-9_.:/#\-]+$`)
)

// ValidateSymbol checks an already uppercased instrument symbol.
func ValidateSymbol(s string) error {
	if err := ValidateStringNotEmpty(s, "Symbol"); err != nil {
		return err
	}
	if err := ValidateStringMaxLength(s, MaxSymbolLength, "Symbol"); err != nil {
		return err
	}
	return ValidateStringRegex(s, symbolRegex, "Symbol", "letters, digits and . / : - _ ^")
}

// ValidateCurrencyCode checks if currency code is 3 uppercase letters.
func ValidateCurrencyCode(s string) error {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	if trimmed == "" {
		return nil
	}
	if err := ValidateStringMaxLength(trimmed, MaxCurrencyCodeLength, "Currency Code"); err != nil {
		return err
	}
	if !currencyCodeRegex.MatchString(trimmed) {
		return fmt.Errorf("%w: Currency Code ('%s') is not in the expected format (3 uppercase letters)", ErrValidationFailed, s)
	}
	return nil
}

// ValidateOrderID checks format and length for a broker order id. Empty is allowed.
func ValidateOrderID(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if err := ValidateStringMaxLength(trimmed, MaxOrderIDLength, "Order ID"); err != nil {
		return err
	}
	return ValidateStringRegex(trimmed, orderIDRegex, "Order ID", "alphanumeric with . : / # - _")
}

// ValidateBrokerName checks a user supplied broker name.
func ValidateBrokerName(s string) error {
	if err := ValidateStringNotEmpty(s, "Broker name"); err != nil {
		return err
	}
	if err := ValidateStringMaxLength(s, MaxBrokerNameLength, "Broker name"); err != nil {
		return err
	}
	return CheckMarkup(s, "Broker name")
}

// ValidateNotes checks free text journal notes.
func ValidateNotes(s string) error {
	return ValidateStringMaxLength(s, MaxNotesLength, "Notes")
}

// ValidateTags checks a tag list and returns it trimmed and de-duplicated.
func ValidateTags(tags []string) ([]string, error) {
	if len(tags) > MaxTagsPerItem {
		return nil, fmt.Errorf("%w: at most %d tags are allowed", ErrValidationFailed, MaxTagsPerItem)
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(SanitizeText(t))
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		if err := ValidateStringMaxLength(t, MaxTagLength, "Tag"); err != nil {
			return nil, err
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	return out, nil
}
