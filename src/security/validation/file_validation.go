package validation

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/username/tradejournal/backend/src/logger"
)

const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AllowedClientContentTypes is a map for quick lookup of allowed client-declared MIME types.
var AllowedClientContentTypes = map[string]bool{
	"text/csv":                  true,
	"application/csv":           true,
	"application/vnd.ms-excel":  true, // Often used for CSV by older Excel
	"text/plain":                true, // CSVs are often plain text
	"text/tab-separated-values": true,
	ContentTypeXLSX:             true,
	"application/octet-stream":  false,
}

// ValidateClientContentType checks the Content-Type header provided by the client.
func ValidateClientContentType(contentType string) error {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if allowed, exists := AllowedClientContentTypes[ct]; !exists || !allowed {
		logger.L.Warn("Disallowed client-declared Content-Type", "contentType", contentType)
		return fmt.Errorf("client-declared file type '%s' is not allowed for trade import", contentType)
	}
	return nil
}

var (
	zipMagic     = []byte("PK\x03\x04")
	utf16LEMagic = []byte{0xFF, 0xFE}
	utf16BEMagic = []byte{0xFE, 0xFF}
)

// isBinaryContent checks if a buffer contains null bytes, which text exports never carry
// unless they are UTF-16. Invalid UTF-8 is accepted here: legacy exports are Latin-1 or
// Windows-1252 and are decoded later.
func isBinaryContent(buf []byte) bool {
	if bytes.HasPrefix(buf, utf16LEMagic) || bytes.HasPrefix(buf, utf16BEMagic) {
		return false
	}
	return bytes.IndexByte(buf, 0) != -1
}

// ValidateFileContentByMagicBytes checks the actual file content signature (magic bytes)
// and returns the detected type: ContentTypeXLSX for zip containers, a text type otherwise.
func ValidateFileContentByMagicBytes(file io.ReadSeeker) (string, error) {
	if file == nil {
		return "", fmt.Errorf("file is nil")
	}

	// Read first 1024 bytes (1KB) for detection
	buffer := make([]byte, 1024)
	n, err := io.ReadFull(file, buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("failed to read file for content type checking: %w", err)
	}

	// Reset the read pointer so the parser can read the full file.
	if _, seekErr := file.Seek(0, io.SeekStart); seekErr != nil {
		return "", fmt.Errorf("failed to reset file read pointer: %w", seekErr)
	}

	if n == 0 {
		return "", fmt.Errorf("file is empty")
	}
	head := buffer[:n]

	if bytes.HasPrefix(head, zipMagic) {
		logger.L.Debug("File content type validated", "detectedContentType", ContentTypeXLSX)
		return ContentTypeXLSX, nil
	}

	if isBinaryContent(head) {
		logger.L.Warn("File rejected: Binary content detected in text upload")
		return "application/octet-stream", fmt.Errorf("file appears to be binary or executable, not text/CSV")
	}

	if bytes.HasPrefix(head, utf16LEMagic) || bytes.HasPrefix(head, utf16BEMagic) {
		return "text/plain", nil
	}

	detectedContentType := http.DetectContentType(head)
	detectedContentType = strings.ToLower(strings.Split(detectedContentType, ";")[0])

	// Non UTF-8 text is reported as octet-stream by DetectContentType; it already passed the
	// null byte check, so it is treated as legacy-encoded text.
	allowedDetectedTypes := map[string]bool{
		"text/plain":               true,
		"text/csv":                 true,
		"application/csv":          true,
		"application/octet-stream": true,
	}

	if !allowedDetectedTypes[detectedContentType] {
		logger.L.Warn("Disallowed detected file content type", "detectedContentType", detectedContentType)
		return detectedContentType, fmt.Errorf("detected file content type '%s' is not allowed", detectedContentType)
	}

	logger.L.Debug("File content type validated", "detectedContentType", detectedContentType)
	return "text/plain", nil
}
