package mapping

import (
	"sort"
	"strings"

	"github.com/username/tradejournal/backend/src/models"
)

const (
	// DefaultMinSimilarity is the lowest fuzzy header score accepted as a match.
	DefaultMinSimilarity = 0.6
	// DefaultMinHintFit is the share of sample values that must look like the field's type.
	DefaultMinHintFit = 0.5
)

// Proposal is a column mapping with its overall confidence.
type Proposal struct {
	Mapping    models.ColumnMapping `json:"mapping"`
	Confidence float64              `json:"confidence"`
	Unmapped   []string             `json:"unmapped"`
}

// HeuristicMapper maps headers to canonical fields from synonyms and sample values.
type HeuristicMapper struct {
	dict          Dictionary
	minSimilarity float64
	minHintFit    float64
}

// NewHeuristicMapper returns a mapper over DefaultDictionary.
func NewHeuristicMapper() *HeuristicMapper {
	return &HeuristicMapper{
		dict:          DefaultDictionary,
		minSimilarity: DefaultMinSimilarity,
		minHintFit:    DefaultMinHintFit,
	}
}

type candidate struct {
	header string
	index  int
	field  models.CanonicalField
	conf   float64
}

// Map proposes a field for every header. samples are data rows in header order.
func (h *HeuristicMapper) Map(headers []string, samples [][]string) Proposal {
	candidates := make([]candidate, 0, len(headers))
	for i, header := range headers {
		c := candidate{header: header, index: i, field: models.FieldBrokerMetadata}
		if field, conf, ok := h.matchHeader(NormalizeHeader(header), columnValues(samples, i)); ok {
			c.field, c.conf = field, conf
		}
		candidates = append(candidates, c)
	}
	return buildProposal(candidates)
}

// matchHeader returns the best field for one normalized header.
func (h *HeuristicMapper) matchHeader(norm string, values []string) (models.CanonicalField, float64, bool) {
	if norm == "" {
		return "", 0, false
	}
	var (
		bestField models.CanonicalField
		bestConf  float64
	)
	for _, spec := range h.dict {
		conf := 0.0
		for _, syn := range spec.Synonyms {
			if syn == norm {
				conf = 1
				break
			}
			if s := Similarity(norm, syn); s > conf {
				conf = s
			}
		}
		if conf < h.minSimilarity {
			continue
		}
		if rate, seen := spec.Hint.FitRate(values); seen && rate < h.minHintFit {
			continue
		}
		if conf > bestConf {
			bestField, bestConf = spec.Field, conf
		}
	}
	return bestField, bestConf, bestConf > 0
}

// buildProposal resolves fields claimed by more than one header: the higher confidence
// keeps the field, ties go to the earlier header, losers fall back to metadata.
func buildProposal(candidates []candidate) Proposal {
	winners := make(map[models.CanonicalField]candidate)
	for _, c := range candidates {
		if c.field == models.FieldBrokerMetadata || c.field == "" {
			continue
		}
		prev, taken := winners[c.field]
		if !taken || c.conf > prev.conf || (c.conf == prev.conf && c.index < prev.index) {
			winners[c.field] = c
		}
	}

	mapping := make(models.ColumnMapping, len(candidates))
	var unmapped []string
	for _, c := range candidates {
		if w, ok := winners[c.field]; ok && w.index == c.index {
			mapping[c.header] = models.FieldMapping{Field: c.field, Confidence: round2(c.conf)}
			continue
		}
		mapping[c.header] = models.FieldMapping{Field: models.FieldBrokerMetadata}
		unmapped = append(unmapped, c.header)
	}
	return Proposal{Mapping: mapping, Confidence: OverallConfidence(mapping), Unmapped: unmapped}
}

// OverallConfidence is the mean confidence over the required fields, a missing field
// counting as zero. A date column stands in for the execution timestamp.
func OverallConfidence(mapping models.ColumnMapping) float64 {
	if len(models.RequiredFields) == 0 {
		return 0
	}
	best := make(map[models.CanonicalField]float64)
	for _, fm := range mapping {
		if fm.Confidence > best[fm.Field] {
			best[fm.Field] = fm.Confidence
		}
	}
	total := 0.0
	for _, f := range models.RequiredFields {
		conf := best[f]
		if f == models.FieldExecutedAt {
			if alt := best[models.FieldTradeDate]; alt > conf {
				conf = alt
			}
		}
		total += conf
	}
	return round2(total / float64(len(models.RequiredFields)))
}

// ApplyFormat re-keys a stored format's mapping onto the headers of an upload whose
// layout matched it. Headers are compared normalized; unknown ones go to metadata.
func ApplyFormat(stored models.ColumnMapping, headers []string) models.ColumnMapping {
	byNorm := make(map[string]models.FieldMapping, len(stored))
	keys := make([]string, 0, len(stored))
	for h := range stored {
		keys = append(keys, h)
	}
	sort.Strings(keys)
	for _, h := range keys {
		n := NormalizeHeader(h)
		if _, dup := byNorm[n]; !dup {
			byNorm[n] = stored[h]
		}
	}

	out := make(models.ColumnMapping, len(headers))
	for _, h := range headers {
		if fm, ok := byNorm[NormalizeHeader(h)]; ok {
			out[h] = fm
			continue
		}
		out[h] = models.FieldMapping{Field: models.FieldBrokerMetadata}
	}
	return out
}

// ApplyCorrections overrides the proposal for the corrected headers. Corrections are
// marked as user decisions with full confidence; a corrected field taken from another
// header moves that header to metadata.
func ApplyCorrections(mapping models.ColumnMapping, corrections map[string]models.CanonicalField) models.ColumnMapping {
	out := mapping.Clone()
	headers := make([]string, 0, len(corrections))
	for h := range corrections {
		headers = append(headers, h)
	}
	sort.Strings(headers)

	for _, h := range headers {
		field := corrections[h]
		if field != models.FieldBrokerMetadata {
			for other, fm := range out {
				if other != h && fm.Field == field && !isCorrected(corrections, other) {
					out[other] = models.FieldMapping{Field: models.FieldBrokerMetadata}
				}
			}
		}
		out[h] = models.FieldMapping{Field: field, Confidence: 1, UserCorrected: true}
	}
	return out
}

func isCorrected(corrections map[string]models.CanonicalField, header string) bool {
	_, ok := corrections[header]
	return ok
}

func columnValues(samples [][]string, col int) []string {
	values := make([]string, 0, len(samples))
	for _, row := range samples {
		if col < len(row) {
			values = append(values, strings.TrimSpace(row[col]))
		}
	}
	return values
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
