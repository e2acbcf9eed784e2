package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

type MappingSource string

const (
	SourceRegistry  MappingSource = "REGISTRY"
	SourceHeuristic MappingSource = "HEURISTIC"
	SourceAI        MappingSource = "AI"
)

// MappingState is either FinalizedMapping or PendingReview.
type MappingState interface {
	mappingStateKind() string
}

// FinalizedMapping is the mapping actually applied to the batch.
type FinalizedMapping struct {
	FormatID int64         `json:"formatId"`
	Source   MappingSource `json:"source"`
	Mapping  ColumnMapping `json:"mapping"`
}

// PendingReview is a proposal waiting for a human decision.
type PendingReview struct {
	ProposedMapping  ColumnMapping `json:"proposedMapping"`
	ProposedBroker   string        `json:"proposedBroker"`
	ProposedMetadata []string      `json:"proposedMetadata"`
	Confidence       float64       `json:"confidence"`
	Source           MappingSource `json:"source"`
	Headers          []string      `json:"headers"`
	SampleRows       [][]string    `json:"sampleRows"`
}

func (FinalizedMapping) mappingStateKind() string { return "finalized" }
func (PendingReview) mappingStateKind() string    { return "pending" }

type mappingEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalMappingState encodes a state as {"kind": ..., "data": ...}. A nil state encodes to nil.
func MarshalMappingState(state MappingState) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(mappingEnvelope{Kind: state.mappingStateKind(), Data: data})
}

// UnmarshalMappingState decodes the envelope written by MarshalMappingState.
func UnmarshalMappingState(raw []byte) (MappingState, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env mappingEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid mapping state: %w", err)
	}
	switch env.Kind {
	case "finalized":
		var f FinalizedMapping
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return nil, fmt.Errorf("invalid finalized mapping: %w", err)
		}
		return f, nil
	case "pending":
		var p PendingReview
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("invalid pending mapping: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown mapping state kind %q", env.Kind)
	}
}

// ImportBatch tracks one upload attempt.
type ImportBatch struct {
	ID              string       `json:"id"`
	UserID          int64        `json:"user_id"`
	Filename        string       `json:"filename"`
	FileSize        int64        `json:"file_size"`
	TotalRecords    int          `json:"total_records"`
	Status          BatchStatus  `json:"status"`
	MappingState    MappingState `json:"-"`
	TempFileContent *string      `json:"-"`
	Errors          []string     `json:"errors"`
	BrokerID        *int64       `json:"broker_id,omitempty"`
	FormatID        *int64       `json:"format_id,omitempty"`
	SuccessCount    int          `json:"success_count"`
	ErrorCount      int          `json:"error_count"`
	SkippedCount    int          `json:"skipped_count"`
	AccountTags     []string     `json:"account_tags"`
	Retryable       bool         `json:"retryable"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// HasContent reports whether the raw file is still held for a later finalize or retry.
func (b *ImportBatch) HasContent() bool {
	return b.TempFileContent != nil
}

// Pending returns the pending proposal when the batch is awaiting review.
func (b *ImportBatch) Pending() (PendingReview, bool) {
	p, ok := b.MappingState.(PendingReview)
	return p, ok
}
