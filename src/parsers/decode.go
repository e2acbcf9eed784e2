package parsers

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeText turns an uploaded export into UTF-8 text. UTF-8 (with or without BOM) is
// used as is; UTF-16 with a BOM and legacy single byte encodings go through charset
// detection, which falls back to Windows-1252.
func DecodeText(data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", &ParseError{Reason: "file is empty", Err: ErrEmptyFile}
	}
	if bytes.HasPrefix(data, utf8BOM) {
		data = data[len(utf8BOM):]
	}
	if !bytes.HasPrefix(data, utf16LEBOM) && !bytes.HasPrefix(data, utf16BEBOM) && utf8.Valid(data) {
		return string(data), nil
	}

	enc, name, _ := charset.DetermineEncoding(data, contentType)
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", &ParseError{Reason: fmt.Sprintf("cannot decode file as %s", name), Err: fmt.Errorf("%w: %w", ErrMalformedCSV, err)}
	}
	return strings.TrimPrefix(string(decoded), "\ufeff"), nil
}

var (
	utf16LEBOM = []byte{0xFF, 0xFE}
	utf16BEBOM = []byte{0xFE, 0xFF}
)
