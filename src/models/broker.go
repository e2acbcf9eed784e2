package models

import (
	"sort"
	"time"
)

// Broker is a brokerage whose exports we know how to read.
type Broker struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Aliases   []string  `json:"aliases"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldMapping is the decision for one raw CSV header.
type FieldMapping struct {
	Field         CanonicalField `json:"field"`
	Confidence    float64        `json:"confidence"`
	UserCorrected bool           `json:"userCorrected,omitempty"`
}

// ColumnMapping maps raw CSV headers to canonical fields.
type ColumnMapping map[string]FieldMapping

// Clone returns an independent copy.
func (m ColumnMapping) Clone() ColumnMapping {
	out := make(ColumnMapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HeaderFor returns the header mapped to field. When several headers claim it (only
// possible after manual corrections) the most confident one wins, ties by header name.
func (m ColumnMapping) HeaderFor(field CanonicalField) (string, bool) {
	best, found := "", false
	var bestConf float64
	for _, h := range m.sortedHeaders() {
		fm := m[h]
		if fm.Field != field {
			continue
		}
		if !found || fm.Confidence > bestConf {
			best, bestConf, found = h, fm.Confidence, true
		}
	}
	return best, found
}

// MetadataHeaders lists headers routed to the broker metadata bucket, sorted.
func (m ColumnMapping) MetadataHeaders() []string {
	var out []string
	for _, h := range m.sortedHeaders() {
		if m[h].Field == FieldBrokerMetadata || m[h].Field == "" {
			out = append(out, h)
		}
	}
	return out
}

// MissingRequired lists required fields no header maps to.
func (m ColumnMapping) MissingRequired() []CanonicalField {
	var missing []CanonicalField
	for _, f := range RequiredFields {
		if _, ok := m.HeaderFor(f); ok {
			continue
		}
		if f == FieldExecutedAt {
			if _, ok := m.HeaderFor(FieldTradeDate); ok {
				continue
			}
		}
		missing = append(missing, f)
	}
	return missing
}

// CoversHeaders reports whether the mapping has exactly one entry per header.
func (m ColumnMapping) CoversHeaders(headers []string) bool {
	if len(m) != len(headers) {
		return false
	}
	for _, h := range headers {
		if _, ok := m[h]; !ok {
			return false
		}
	}
	return true
}

func (m ColumnMapping) sortedHeaders() []string {
	headers := make([]string, 0, len(m))
	for h := range m {
		headers = append(headers, h)
	}
	sort.Strings(headers)
	return headers
}

// BrokerCsvFormat is a reusable header layout for one broker.
type BrokerCsvFormat struct {
	ID              int64         `json:"id"`
	BrokerID        int64         `json:"broker_id"`
	BrokerName      string        `json:"broker_name,omitempty"`
	FormatName      string        `json:"format_name"`
	Description     string        `json:"description"`
	Headers         []string      `json:"headers"`
	HeaderSignature string        `json:"header_signature"`
	SampleRows      [][]string    `json:"sample_rows"`
	FieldMappings   ColumnMapping `json:"field_mappings"`
	Confidence      float64       `json:"confidence"`
	UsageCount      int64         `json:"usage_count"`
	SuccessCount    int64         `json:"success_count"`
	CreatedBy       int64         `json:"created_by"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// FormatMatch is a registry hit for an uploaded header set.
type FormatMatch struct {
	Format *BrokerCsvFormat `json:"format"`
	Score  float64          `json:"score"`
	Exact  bool             `json:"exact"`
}
