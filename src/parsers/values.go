package parsers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
	"github.com/username/tradejournal/backend/src/models"
)

// DecimalConvention says which character separates the fraction.
type DecimalConvention int

const (
	DecimalAuto  DecimalConvention = iota // decide per value
	DecimalPoint                          // 1,234.56
	DecimalComma                          // 1.234,56
)

var numberCleaner = strings.NewReplacer(
	"$", "", "€", "", "£", "", "¥", "", "'", "", " ", "", "\u00a0", "", "\u202f", "",
)

// maxDecimalDigits bounds the digits of one cell. Exponent notation is not accepted.
const maxDecimalDigits = 30

// ParseDecimal parses a broker number: currency symbols, grouping separators,
// parenthesised negatives and either decimal convention.
func ParseDecimal(raw string, conv DecimalConvention) (decimal.Decimal, error) {
	s := numberCleaner.Replace(strings.TrimSpace(raw))
	if s == "" || s == "-" || s == "--" {
		return decimal.Zero, ErrMissingValue
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	switch {
	case strings.HasPrefix(s, "-"):
		negative = !negative
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasSuffix(s, "-"):
		negative = !negative
		s = s[:len(s)-1]
	}
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, raw)
	}

	if conv == DecimalAuto {
		conv = conventionOf(s)
	}
	switch conv {
	case DecimalComma:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	default:
		s = strings.ReplaceAll(s, ",", "")
	}

	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
		default:
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, raw)
		}
	}
	if digits > maxDecimalDigits {
		return decimal.Zero, fmt.Errorf("%w: %q has more than %d digits", ErrInvalidDecimal, raw, maxDecimalDigits)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidDecimal, raw)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// conventionOf guesses the convention of one value; ambiguous "1,234" reads as grouping.
func conventionOf(s string) DecimalConvention {
	lastComma, lastDot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			return DecimalComma
		}
		return DecimalPoint
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			return DecimalComma
		}
		return DecimalPoint
	case lastDot >= 0 && strings.Count(s, ".") > 1:
		return DecimalComma
	default:
		return DecimalPoint
	}
}

// DetectDecimalConvention votes over the unambiguous values of a file.
func DetectDecimalConvention(values []string) DecimalConvention {
	point, comma := 0, 0
	for _, raw := range values {
		s := numberCleaner.Replace(strings.TrimSpace(raw))
		lastComma, lastDot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
		switch {
		case lastComma >= 0 && lastDot >= 0:
			if lastComma > lastDot {
				comma++
			} else {
				point++
			}
		case lastComma >= 0 && (strings.Count(s, ",") > 1 || len(s)-lastComma-1 == 3):
			// "1,234" or "1,234,567": grouping commas, or a three decimal comma. Not decisive.
		case lastComma >= 0:
			comma++
		case lastDot >= 0 && strings.Count(s, ".") > 1:
			comma++
		case lastDot >= 0 && len(s)-lastDot-1 != 3:
			point++
		}
	}
	switch {
	case comma > point:
		return DecimalComma
	case point > comma:
		return DecimalPoint
	default:
		return DecimalAuto
	}
}

// DateOrder resolves numeric dates such as 03/04/2024.
type DateOrder int

const (
	DateOrderAuto DateOrder = iota // month first unless the first number is above 12
	MonthFirst
	DayFirst
)

// TimestampKind says which parts a parsed value carried.
type TimestampKind int

const (
	KindDateTime TimestampKind = iota
	KindDate
	KindTime
)

var (
	numericDateRe = regexp.MustCompile(`^(\d{1,4})[/.\-](\d{1,2})[/.\-](\d{1,4})(?:[ T,]+(.+))?$`)
	compactDateRe = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})[;, T]+(\d{2}):?(\d{2}):?(\d{2})$`)
	clockRe       = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2})(?:\.(\d{1,9}))?)?\s*([AaPp]\.?[Mm]\.?)?$`)
	plainNumberRe = regexp.MustCompile(`^[+-]?\d+(?:[.,]\d+)?$`)
)

// ParseTimestamp parses the date and time spellings found in broker exports. Values
// without an offset are read in loc (UTC when nil). The kind reports whether only a date
// or only a clock time was present.
func ParseTimestamp(raw string, order DateOrder, loc *time.Location) (time.Time, TimestampKind, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, 0, ErrMissingValue
	}
	invalid := fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)

	if h, mi, sec, ns, ok := parseClock(s); ok {
		return time.Date(0, time.January, 1, h, mi, sec, ns, loc), KindTime, nil
	}
	if zone, rest, ok := splitZone(s); ok {
		loc, s = zone, rest
	}
	if m := compactDateRe.FindStringSubmatch(s); m != nil {
		s = fmt.Sprintf("%s-%s-%s %s:%s:%s", m[1], m[2], m[3], m[4], m[5], m[6])
	}
	// Quantities and prices must not read as years or epochs.
	if plainNumberRe.MatchString(s) && len(s) != 8 && len(s) != 10 && len(s) != 13 {
		return time.Time{}, 0, invalid
	}

	t, err := dateparse.ParseIn(s, loc, dateparse.PreferMonthFirst(!preferDayFirst(s, order)))
	if err != nil {
		return time.Time{}, 0, invalid
	}
	kind := KindDateTime
	if !strings.Contains(s, ":") && !(plainNumberRe.MatchString(s) && len(s) != 8) {
		kind = KindDate
	}
	return t, kind, nil
}

// preferDayFirst applies the column's date order, or reads a first number above 12 as a day.
func preferDayFirst(s string, order DateOrder) bool {
	switch order {
	case DayFirst:
		return true
	case MonthFirst:
		return false
	}
	m := numericDateRe.FindStringSubmatch(s)
	return m != nil && len(m[1]) < 4 && atoi(m[1]) > 12
}

var zoneSuffixes = map[string]string{
	"UTC": "UTC", "GMT": "UTC", "Z": "UTC",
	"ET": "America/New_York", "EST": "America/New_York", "EDT": "America/New_York",
	"CT": "America/Chicago", "CST": "America/Chicago", "CDT": "America/Chicago",
}

// splitZone strips a trailing zone abbreviation such as "EST" and returns its location.
func splitZone(s string) (*time.Location, string, bool) {
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return nil, s, false
	}
	name, ok := zoneSuffixes[strings.ToUpper(s[i+1:])]
	if !ok {
		return nil, s, false
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, s, false
	}
	return loc, strings.TrimSpace(s[:i]), true
}

func parseClock(s string) (h, mi, sec, ns int, ok bool) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, 0, 0, false
	}
	h, mi = atoi(m[1]), atoi(m[2])
	if m[3] != "" {
		sec = atoi(m[3])
	}
	if m[4] != "" {
		frac := m[4] + strings.Repeat("0", 9-len(m[4]))
		ns = atoi(frac)
	}
	if ampm := strings.ToLower(strings.ReplaceAll(m[5], ".", "")); ampm != "" {
		if h < 1 || h > 12 {
			return 0, 0, 0, 0, false
		}
		if ampm == "pm" && h != 12 {
			h += 12
		} else if ampm == "am" && h == 12 {
			h = 0
		}
	}
	if h > 23 || mi > 59 || sec > 59 {
		return 0, 0, 0, 0, false
	}
	return h, mi, sec, ns, true
}

// DetectDateOrder looks for a numeric date whose first or second number is above 12.
func DetectDateOrder(values []string) DateOrder {
	dayFirst, monthFirst := 0, 0
	for _, v := range values {
		m := numericDateRe.FindStringSubmatch(strings.TrimSpace(v))
		if m == nil || len(m[1]) == 4 {
			continue
		}
		a, b := atoi(m[1]), atoi(m[2])
		switch {
		case a > 12 && b <= 12:
			dayFirst++
		case b > 12 && a <= 12:
			monthFirst++
		}
	}
	switch {
	case dayFirst > monthFirst:
		return DayFirst
	case monthFirst > dayFirst:
		return MonthFirst
	default:
		return DateOrderAuto
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var sideWords = map[string]models.OrderSide{
	"buy": models.SideBuy, "b": models.SideBuy, "bot": models.SideBuy, "bought": models.SideBuy,
	"long": models.SideBuy, "bto": models.SideBuy, "btc": models.SideBuy, "cover": models.SideBuy,
	"purchase": models.SideBuy, "compra": models.SideBuy, "achat": models.SideBuy, "kauf": models.SideBuy,
	"sell": models.SideSell, "s": models.SideSell, "sld": models.SideSell, "sold": models.SideSell,
	"short": models.SideSell, "ss": models.SideSell, "sto": models.SideSell, "stc": models.SideSell,
	"sale": models.SideSell, "venda": models.SideSell, "vente": models.SideSell, "verkauf": models.SideSell,
}

// NormalizeSide maps broker spellings ("Bought", "SLD", "Sell Short", "BTC") to BUY or SELL.
func NormalizeSide(raw string) (models.OrderSide, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}), " ")
	if s == "" {
		return "", ErrMissingValue
	}
	if side, ok := sideWords[s]; ok {
		return side, nil
	}
	first := strings.Fields(s)[0]
	switch {
	case strings.HasPrefix(first, "buy"):
		return models.SideBuy, nil
	case strings.HasPrefix(first, "sell"):
		return models.SideSell, nil
	}
	if side, ok := sideWords[first]; ok && len(first) > 2 {
		return side, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSide, raw)
}
