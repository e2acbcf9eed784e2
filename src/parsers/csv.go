package parsers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// ParsedFile is a strictly parsed export: one header row and rectangular data rows.
type ParsedFile struct {
	Headers   []string
	Rows      [][]string
	Delimiter rune
}

var candidateDelimiters = []rune{',', ';', '\t', '|'}

// ParseCSV parses CSV text strictly. Unterminated quotes, rows whose width differs from
// the header, an empty file, a header-only file and duplicate headers are ParseErrors.
// Blank lines and rows with only empty cells are skipped.
func ParseCSV(text string) (*ParsedFile, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Reason: "file is empty", Err: ErrEmptyFile}
	}

	delimiter := sniffDelimiter(text)
	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = delimiter
	reader.FieldsPerRecord = 0
	reader.LazyQuotes = false

	headerRecord, err := reader.Read()
	if err != nil {
		return nil, csvParseError(err)
	}
	headers, err := cleanHeaders(headerRecord)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvParseError(err)
		}
		if isEmptyRecord(record) {
			continue
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		rows = append(rows, record)
	}

	if len(rows) == 0 {
		return nil, &ParseError{Line: 1, Reason: "file has a header row but no data rows", Err: ErrNoDataRows}
	}
	return &ParsedFile{Headers: headers, Rows: rows, Delimiter: delimiter}, nil
}

func csvParseError(err error) error {
	var pe *csv.ParseError
	if !errors.As(err, &pe) {
		return &ParseError{Reason: fmt.Sprintf("cannot read CSV: %v", err), Err: ErrMalformedCSV}
	}
	reason := pe.Err.Error()
	switch {
	case errors.Is(pe.Err, csv.ErrFieldCount):
		reason = "row does not have the same number of fields as the header"
	case errors.Is(pe.Err, csv.ErrQuote), errors.Is(pe.Err, csv.ErrBareQuote):
		reason = "unterminated or misplaced quote"
	}
	line := pe.StartLine
	if line == 0 {
		line = pe.Line
	}
	return &ParseError{Line: line, Reason: reason, Err: fmt.Errorf("%w: %w", ErrMalformedCSV, pe)}
}

// cleanHeaders trims headers, names a single blank header "Column N" and rejects
// duplicates after normalization. Headers made only of punctuation, such as "#", are
// also named by position.
func cleanHeaders(record []string) ([]string, error) {
	headers := make([]string, len(record))
	seen := make(map[string]int, len(record))
	blanks := 0
	for i, h := range record {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			blanks++
			if blanks > 1 {
				return nil, &ParseError{Line: 1, Reason: "more than one blank header", Err: ErrDuplicateHeader}
			}
			h = fmt.Sprintf("Column %d", i+1)
		} else if headerKey(h) == "" {
			h = fmt.Sprintf("Column %d", i+1)
		}
		key := headerKey(h)
		if prev, dup := seen[key]; dup {
			return nil, &ParseError{
				Line:   1,
				Reason: fmt.Sprintf("header %q duplicates %q", h, headers[prev]),
				Err:    ErrDuplicateHeader,
			}
		}
		seen[key] = i
		headers[i] = h
	}
	return headers, nil
}

// headerKey folds a header to lowercase letters and digits.
func headerKey(h string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, h)
}

func isEmptyRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// sniffDelimiter picks the candidate that occurs most often, outside quotes, in the
// header line. Ties keep the earlier candidate; no candidate means a comma.
func sniffDelimiter(text string) rune {
	counts := make(map[rune]int, len(candidateDelimiters))
	inQuotes := false
	for _, r := range text {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes && (r == '\n' || r == '\r') {
			break
		}
		if !inQuotes {
			counts[r]++
		}
	}
	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if counts[d] > bestCount {
			best, bestCount = d, counts[d]
		}
	}
	return best
}
