package models

import "time"

type AiCheckStatus string

const (
	AiCheckPending  AiCheckStatus = "PENDING"
	AiCheckReviewed AiCheckStatus = "REVIEWED"
	AiCheckRejected AiCheckStatus = "REJECTED"
)

// AiIngestToCheck audits one AI-assisted mapping decision. It never feeds back into ingestion.
type AiIngestToCheck struct {
	ID            int64                  `json:"id"`
	UserID        int64                  `json:"user_id"`
	ImportBatchID string                 `json:"import_batch_id"`
	BrokerID      *int64                 `json:"broker_id,omitempty"`
	FormatID      *int64                 `json:"format_id,omitempty"`
	OrderIDs      []int64                `json:"order_ids"`
	Status        AiCheckStatus          `json:"status"`
	ReviewerNotes string                 `json:"reviewer_notes"`
	ReviewedBy    *int64                 `json:"reviewed_by,omitempty"`
	Feedback      []AiIngestFeedbackItem `json:"feedback"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// AiIngestFeedbackItem is the AI proposal for one header and what the human did with it.
type AiIngestFeedbackItem struct {
	ID             int64          `json:"id"`
	CheckID        int64          `json:"check_id"`
	Header         string         `json:"header"`
	ProposedField  CanonicalField `json:"proposed_field"`
	Confidence     float64        `json:"confidence"`
	UserCorrected  bool           `json:"user_corrected"`
	CorrectedField CanonicalField `json:"corrected_field,omitempty"`
}
