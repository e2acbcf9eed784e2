package mapping

import (
	"context"

	"github.com/username/tradejournal/backend/src/models"
)

// AIRequest is what the fallback mapper sees of an upload.
type AIRequest struct {
	Filename   string
	Headers    []string
	SampleRows [][]string
	Heuristic  Proposal
}

// AIProposal is the model's answer. Mapping may omit headers.
type AIProposal struct {
	Broker  string
	Mapping models.ColumnMapping
}

// AIMapper proposes a mapping when the heuristics are not confident enough.
type AIMapper interface {
	ProposeMapping(ctx context.Context, req AIRequest) (*AIProposal, error)
}

// MergeProposal overlays the AI answer on the heuristic proposal. Headers the model did
// not answer keep the heuristic decision; AI headers are matched by normalized name.
func MergeProposal(headers []string, heuristic Proposal, ai *AIProposal) Proposal {
	if ai == nil || len(ai.Mapping) == 0 {
		return heuristic
	}
	answered := make(map[string]models.FieldMapping, len(ai.Mapping))
	for h, fm := range ai.Mapping {
		answered[NormalizeHeader(h)] = fm
	}

	candidates := make([]candidate, 0, len(headers))
	for i, h := range headers {
		c := candidate{header: h, index: i, field: models.FieldBrokerMetadata}
		if fm, ok := answered[NormalizeHeader(h)]; ok {
			if fm.Field.Valid() {
				c.field, c.conf = fm.Field, clamp01(fm.Confidence)
			}
		} else if fm, ok := heuristic.Mapping[h]; ok {
			c.field, c.conf = fm.Field, fm.Confidence
		}
		candidates = append(candidates, c)
	}
	return buildProposal(candidates)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
