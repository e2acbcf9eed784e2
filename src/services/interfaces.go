// backend/src/services/interfaces.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/username/tradejournal/backend/src/models"
)

// Define common service errors
var (
	ErrParsingFailed      = errors.New("csv parsing failed")
	ErrAIService          = errors.New("AI mapping service failed")
	ErrBatchNotFound      = errors.New("import batch not found")
	ErrBatchNotPending    = errors.New("import batch is not awaiting review")
	ErrBatchNotRetryable  = errors.New("import batch cannot be retried")
	ErrMappingIncomplete  = errors.New("mapping is missing required fields")
	ErrInvalidCorrection  = errors.New("invalid mapping correction")
	ErrInvalidFormat      = errors.New("invalid broker format")
	ErrFormatNameTaken    = errors.New("format name already exists for broker")
	ErrUploadLimitReached = errors.New("upload limit reached")
	ErrNoRowsImported     = errors.New("no rows could be imported")
	ErrTradeNotFound      = errors.New("trade not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrDeletionConflict   = errors.New("trades share orders with trades outside the request")
	ErrDuplicateOrder     = errors.New("order already imported")
	ErrCheckNotFound      = errors.New("AI ingest check not found")
)

const (
	ckFormatsBySignature   = "formats_sig_%s"
	ckTradeStats           = "trade_stats_user_%d"
	ckFeeDetails           = "fee_details_user_%d"
	DefaultCacheExpiration = 15 * time.Minute
	CacheCleanupInterval   = 30 * time.Minute
)

// BatchError is a failure tied to a persisted import batch. Retryable batches keep their
// file content and can be retried or finalized without re-uploading.
type BatchError struct {
	BatchID   string
	Retryable bool
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("import batch %s: %v", e.BatchID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// UploadRequest is one file handed to the ingestion pipeline.
type UploadRequest struct {
	UserID      int64
	Filename    string
	ContentType string
	Data        []byte
	AccountTags []string
	// BrokerName overrides broker identification from the filename.
	BrokerName  string
}

// UploadResult describes where a batch ended up. PendingReview is set instead of the
// counts when the mapping needs a human decision.
type UploadResult struct {
	ImportBatchID  string                `json:"importBatchId"`
	Status         models.BatchStatus    `json:"status"`
	BrokerID       *int64                `json:"brokerId,omitempty"`
	FormatID       *int64                `json:"formatId,omitempty"`
	MappingSource  models.MappingSource  `json:"mappingSource,omitempty"`
	TotalRecords   int                   `json:"totalRecords"`
	SuccessCount   int                   `json:"successCount"`
	ErrorCount     int                   `json:"errorCount"`
	SkippedCount   int                   `json:"skippedCount"`
	Errors         []string              `json:"errors"`
	OrderIDs       []int64               `json:"orderIds"`
	TradeIDs       []int64               `json:"tradeIds"`
	PendingReview  *models.PendingReview `json:"pendingReview,omitempty"`
	UnmappedFields []string              `json:"unmappedFields,omitempty"`
}

// FinalizeRequest is the human decision on a pending mapping.
type FinalizeRequest struct {
	UserID      int64
	BatchID     string
	Approved    bool
	Corrections map[string]string
	BrokerName  string
	Reason      string
}

// IngestionService is the CSV ingestion pipeline.
type IngestionService interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	FinalizeMappings(ctx context.Context, req FinalizeRequest) (*UploadResult, error)
	RetryMapping(ctx context.Context, userID int64, batchID string) (*UploadResult, error)
	AbandonBatch(ctx context.Context, userID int64, batchID string) error
	GetBatch(ctx context.Context, userID int64, batchID string) (*models.ImportBatch, error)
	CheckUploadQuota(ctx context.Context, userID int64) error
	PurgeStaleBatches(ctx context.Context) (int64, error)
}
