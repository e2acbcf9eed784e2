// backend/src/services/ingestion_service.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/mapping"
	"github.com/username/tradejournal/backend/src/model"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/parsers"
	"github.com/username/tradejournal/backend/src/processors"
	"github.com/username/tradejournal/backend/src/security/validation"
)

const (
	// maxReportedErrors caps the row error messages kept on a batch.
	maxReportedErrors = 50
	// DefaultConfidenceThreshold is the heuristic confidence below which the AI is asked.
	DefaultConfidenceThreshold = 0.7
	DefaultAITimeout           = 30 * time.Second
	DefaultBatchRetention      = 72 * time.Hour
)

// IngestionOptions tunes the pipeline. Zero values fall back to the defaults.
type IngestionOptions struct {
	ConfidenceThreshold float64
	AITimeout           time.Duration
	Location            *time.Location
	UploadLimit         int
	BatchRetention      time.Duration
}

// CsvIngestionService runs uploads through parse, mapping, validation, persistence and
// trade aggregation.
type CsvIngestionService struct {
	db          *database.DB
	log         *slog.Logger
	registry    *BrokerFormatService
	heuristic   *mapping.HeuristicMapper
	ai          mapping.AIMapper
	orders      *processors.OrderProcessor
	aggregator  processors.Aggregator
	reportCache *cache.Cache
	opts        IngestionOptions
}

// NewCsvIngestionService wires the pipeline. aiMapper may be nil, in which case
// low-confidence proposals go to review without an AI pass.
func NewCsvIngestionService(
	db *database.DB,
	log *slog.Logger,
	registry *BrokerFormatService,
	aiMapper mapping.AIMapper,
	reportCache *cache.Cache,
	opts IngestionOptions,
) *CsvIngestionService {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = DefaultAITimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.BatchRetention <= 0 {
		opts.BatchRetention = DefaultBatchRetention
	}
	return &CsvIngestionService{
		db:          db,
		log:         log,
		registry:    registry,
		heuristic:   mapping.NewHeuristicMapper(),
		ai:          aiMapper,
		orders:      processors.NewOrderProcessor(),
		aggregator:  processors.NewTradeAggregator(),
		reportCache: reportCache,
		opts:        opts,
	}
}

var _ IngestionService = (*CsvIngestionService)(nil)

// Upload ingests one file. A known header layout is imported right away; an unseen one
// is parked as a PENDING batch whose proposal is returned for review.
func (s *CsvIngestionService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	log := logger.FromContext(ctx).With("userID", req.UserID, "filename", req.Filename)
	started := time.Now()

	ts := now()
	tags, err := validation.ValidateTags(req.AccountTags)
	if err != nil {
		return nil, err
	}
	batch := &models.ImportBatch{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		Filename:    req.Filename,
		FileSize:    int64(len(req.Data)),
		Status:      models.BatchProcessing,
		AccountTags: tags,
		Errors:      []string{},
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	log = log.With("batchID", batch.ID)

	text, parsed, err := decodeAndParse(req.Data, req.ContentType)
	if err != nil {
		log.Warn("Upload rejected: file could not be parsed", "error", err)
		batch.Status = models.BatchFailed
		batch.Errors = append(batch.Errors, err.Error())
		if saveErr := s.saveBatch(ctx, s.db, batch); saveErr != nil {
			return nil, saveErr
		}
		return nil, &BatchError{BatchID: batch.ID, Err: fmt.Errorf("%w: %w", ErrParsingFailed, err)}
	}
	batch.TotalRecords = len(parsed.Rows)

	result, err := s.route(ctx, batch, text, parsed, req.BrokerName)
	log.Info("Upload processed", "duration", time.Since(started).String(), "status", batchStatus(result), "error", err)
	return result, err
}

func decodeAndParse(data []byte, contentType string) (string, *parsers.ParsedFile, error) {
	var (
		text string
		err  error
	)
	if parsers.IsSpreadsheet(data) {
		text, err = parsers.ParseSpreadsheet(data)
	} else {
		text, err = parsers.DecodeText(data, contentType)
	}
	if err != nil {
		return "", nil, err
	}
	parsed, err := parsers.ParseCSV(text)
	if err != nil {
		return "", nil, err
	}
	return text, parsed, nil
}

// route sends a parsed batch down the registry path when its layout is known, otherwise
// builds a proposal (heuristics, then AI when confidence is low) and parks the batch.
func (s *CsvIngestionService) route(ctx context.Context, batch *models.ImportBatch, text string, parsed *parsers.ParsedFile, brokerOverride string) (*UploadResult, error) {
	log := logger.FromContext(ctx).With("batchID", batch.ID)

	match, err := s.registry.MatchFormat(ctx, parsed.Headers)
	if err != nil {
		return nil, err
	}
	if match != nil {
		f := match.Format
		log.Info("Stored format matched", "formatID", f.ID, "brokerID", f.BrokerID, "score", match.Score, "exact", match.Exact)
		u := &ingestUnit{
			batch:        batch,
			parsed:       parsed,
			source:       models.SourceRegistry,
			mapping:      mapping.ApplyFormat(f.FieldMappings, parsed.Headers),
			brokerID:     f.BrokerID,
			formatID:     f.ID,
			reusedFormat: true,
			content:      &text,
		}
		return s.runUnit(ctx, u, nil)
	}

	samples := parsed.Rows
	if len(samples) > maxSampleRows {
		samples = samples[:maxSampleRows]
	}
	proposal := s.heuristic.Map(parsed.Headers, parsed.Rows)
	source := models.SourceHeuristic

	brokerName := strings.TrimSpace(brokerOverride)
	if brokerName == "" {
		if brokerName, err = s.registry.IdentifyBroker(ctx, batch.Filename, parsed.Headers); err != nil {
			return nil, err
		}
	}

	batch.TempFileContent = &text
	pending := models.PendingReview{
		ProposedMapping:  proposal.Mapping,
		ProposedBroker:   brokerName,
		ProposedMetadata: nonNil(proposal.Mapping.MetadataHeaders()),
		Confidence:       proposal.Confidence,
		Source:           source,
		Headers:          parsed.Headers,
		SampleRows:       samples,
	}

	if proposal.Confidence < s.opts.ConfidenceThreshold && s.ai != nil {
		aiProposal, aiErr := s.askAI(ctx, batch.Filename, parsed.Headers, samples, proposal)
		if aiErr != nil {
			log.Error("AI mapping failed, batch kept for retry", "error", aiErr)
			batch.Status = models.BatchFailed
			batch.Retryable = true
			batch.MappingState = pending
			batch.Errors = append(batch.Errors, "AI mapping failed: "+aiErr.Error()+"; retry the mapping or review the heuristic proposal")
			if err := s.saveBatch(ctx, s.db, batch); err != nil {
				return nil, err
			}
			return nil, &BatchError{BatchID: batch.ID, Retryable: true, Err: fmt.Errorf("%w: %w", ErrAIService, aiErr)}
		}
		merged := mapping.MergeProposal(parsed.Headers, proposal, aiProposal)
		pending.ProposedMapping = merged.Mapping
		pending.ProposedMetadata = nonNil(merged.Mapping.MetadataHeaders())
		pending.Confidence = merged.Confidence
		pending.Source = models.SourceAI
		if aiProposal.Broker != "" && strings.TrimSpace(brokerOverride) == "" {
			pending.ProposedBroker = aiProposal.Broker
		}
		proposal = merged
	}

	batch.Status = models.BatchPending
	batch.Retryable = false
	batch.MappingState = pending
	if err := s.saveBatch(ctx, s.db, batch); err != nil {
		return nil, err
	}
	log.Info("Mapping awaiting review", "source", pending.Source, "confidence", pending.Confidence, "broker", pending.ProposedBroker)
	return &UploadResult{
		ImportBatchID:  batch.ID,
		Status:         batch.Status,
		MappingSource:  pending.Source,
		TotalRecords:   batch.TotalRecords,
		Errors:         batch.Errors,
		OrderIDs:       []int64{},
		TradeIDs:       []int64{},
		PendingReview:  &pending,
		UnmappedFields: nonNil(proposal.Unmapped),
	}, nil
}

func (s *CsvIngestionService) askAI(ctx context.Context, filename string, headers []string, samples [][]string, heuristic mapping.Proposal) (*mapping.AIProposal, error) {
	aiCtx, cancel := context.WithTimeout(ctx, s.opts.AITimeout)
	defer cancel()
	return s.ai.ProposeMapping(aiCtx, mapping.AIRequest{
		Filename:   filename,
		Headers:    headers,
		SampleRows: samples,
		Heuristic:  heuristic,
	})
}

// FinalizeMappings applies the human decision on a pending batch. Rejection fails the
// batch and drops its content; approval stores the corrected mapping as a broker format
// and imports the file under it.
func (s *CsvIngestionService) FinalizeMappings(ctx context.Context, req FinalizeRequest) (*UploadResult, error) {
	batch, err := s.GetBatch(ctx, req.UserID, req.BatchID)
	if err != nil {
		return nil, err
	}
	pending, ok := batch.Pending()
	awaiting := batch.Status == models.BatchPending || (batch.Status == models.BatchFailed && batch.Retryable)
	if !ok || !awaiting || !batch.HasContent() {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchNotPending, batch.ID, batch.Status)
	}
	log := logger.FromContext(ctx).With("batchID", batch.ID, "userID", req.UserID)

	if !req.Approved {
		return s.rejectBatch(ctx, batch, pending, req.Reason)
	}

	corrections, err := parseCorrections(req.Corrections, pending.Headers)
	if err != nil {
		return nil, err
	}
	final := mapping.ApplyCorrections(pending.ProposedMapping, corrections)
	if missing := final.MissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMappingIncomplete, missing)
	}

	parsed, err := parsers.ParseCSV(*batch.TempFileContent)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParsingFailed, err)
	}

	brokerName := strings.TrimSpace(req.BrokerName)
	if brokerName == "" {
		brokerName = pending.ProposedBroker
	}

	u := &ingestUnit{
		batch:    batch,
		parsed:   parsed,
		source:   pending.Source,
		mapping:  final,
		proposal: &pending,
		content:  batch.TempFileContent,
	}
	resolve := func(ctx context.Context, tx *sql.Tx, u *ingestUnit) error {
		if err := s.claimBatch(ctx, tx, batch.ID, false); err != nil {
			return err
		}
		broker, err := s.registry.FindOrCreateBroker(ctx, tx, brokerName)
		if err != nil {
			return err
		}
		if pending.ProposedBroker != "" && pending.ProposedBroker != UnknownBroker &&
			NormalizeBrokerName(pending.ProposedBroker) != NormalizeBrokerName(broker.Name) {
			if err := s.registry.AddBrokerAlias(ctx, tx, broker.ID, pending.ProposedBroker); err != nil {
				log.Warn("Could not record broker alias", "alias", pending.ProposedBroker, "error", err)
			}
		}
		u.brokerID = broker.ID

		existing, err := s.registry.ExistingFormat(ctx, tx, broker.ID, parsed.Headers)
		if err != nil {
			return err
		}
		if existing != nil {
			log.Info("Reusing format created since upload", "formatID", existing.ID)
			u.formatID, u.reusedFormat = existing.ID, true
			return nil
		}
		f, err := s.registry.CreateFormat(ctx, tx, NewFormat{
			BrokerID:   broker.ID,
			BrokerName: broker.Name,
			Headers:    parsed.Headers,
			SampleRows: pending.SampleRows,
			Mapping:    final,
			CreatedBy:  req.UserID,
		})
		if err != nil {
			return err
		}
		u.formatID = f.ID
		return nil
	}
	return s.runUnit(ctx, u, resolve)
}

func parseCorrections(raw map[string]string, headers []string) (map[string]models.CanonicalField, error) {
	known := make(map[string]bool, len(headers))
	for _, h := range headers {
		known[h] = true
	}
	out := make(map[string]models.CanonicalField, len(raw))
	for header, value := range raw {
		if !known[header] {
			return nil, fmt.Errorf("%w: header %q is not in the file", ErrInvalidCorrection, header)
		}
		field, ok := models.ParseCanonicalField(value)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a canonical field", ErrInvalidCorrection, value)
		}
		out[header] = field
	}
	return out, nil
}

func (s *CsvIngestionService) rejectBatch(ctx context.Context, batch *models.ImportBatch, pending models.PendingReview, reason string) (*UploadResult, error) {
	reason = strings.TrimSpace(validation.SanitizeText(reason))
	msg := "mapping rejected by user"
	if reason != "" {
		msg += ": " + reason
	}
	batch.Status = models.BatchFailed
	batch.Retryable = false
	batch.TempFileContent = nil
	batch.Errors = append(batch.Errors, msg)

	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.claimBatch(ctx, tx, batch.ID, false); err != nil {
			return err
		}
		if err := s.saveBatch(ctx, tx, batch); err != nil {
			return err
		}
		if pending.Source != models.SourceAI {
			return nil
		}
		ts := now()
		check := &models.AiIngestToCheck{
			UserID:        batch.UserID,
			ImportBatchID: batch.ID,
			Status:        models.AiCheckPending,
			ReviewerNotes: msg,
			Feedback:      feedbackItems(pending, nil),
			CreatedAt:     ts,
			UpdatedAt:     ts,
		}
		return model.InsertAiIngestCheck(ctx, tx, check)
	})
	if errors.Is(err, ErrBatchNotPending) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("error rejecting batch %s: %w", batch.ID, err)
	}
	logger.FromContext(ctx).Info("Mapping rejected", "batchID", batch.ID, "reason", reason)
	return resultFor(batch, nil, nil), nil
}

// RetryMapping re-runs format matching and mapping for a batch whose AI call failed.
func (s *CsvIngestionService) RetryMapping(ctx context.Context, userID int64, batchID string) (*UploadResult, error) {
	batch, err := s.GetBatch(ctx, userID, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != models.BatchFailed || !batch.Retryable || !batch.HasContent() {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchNotRetryable, batch.ID, batch.Status)
	}
	text := *batch.TempFileContent
	parsed, err := parsers.ParseCSV(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParsingFailed, err)
	}
	var override string
	if pending, ok := batch.Pending(); ok && pending.ProposedBroker != UnknownBroker {
		override = pending.ProposedBroker
	}
	if err := s.claimBatch(ctx, s.db, batch.ID, true); err != nil {
		if errors.Is(err, ErrBatchNotPending) {
			return nil, fmt.Errorf("%w: batch %s was taken by another request", ErrBatchNotRetryable, batch.ID)
		}
		return nil, err
	}
	batch.Status = models.BatchProcessing

	res, err := s.route(ctx, batch, text, parsed, override)
	var batchErr *BatchError
	if err != nil && !errors.As(err, &batchErr) {
		batch.Status = models.BatchFailed
		batch.Retryable = true
		batch.TempFileContent = &text
		if saveErr := s.saveBatch(context.WithoutCancel(ctx), s.db, batch); saveErr != nil {
			logger.FromContext(ctx).Error("Could not release batch after failed retry", "batchID", batch.ID, "error", saveErr)
		}
	}
	return res, err
}

// claimBatch marks the batch PROCESSING unless another request already took it.
func (s *CsvIngestionService) claimBatch(ctx context.Context, q database.Querier, batchID string, retryOnly bool) error {
	ok, err := model.ClaimImportBatch(ctx, q, batchID, retryOnly, now())
	if err != nil {
		return fmt.Errorf("error claiming batch %s: %w", batchID, err)
	}
	if !ok {
		return fmt.Errorf("%w: batch %s was taken by another request", ErrBatchNotPending, batchID)
	}
	return nil
}

// AbandonBatch fails a batch that still holds file content and drops the content.
func (s *CsvIngestionService) AbandonBatch(ctx context.Context, userID int64, batchID string) error {
	batch, err := s.GetBatch(ctx, userID, batchID)
	if err != nil {
		return err
	}
	if !batch.HasContent() || batch.Status == models.BatchCompleted {
		return fmt.Errorf("%w: batch %s is %s", ErrBatchNotPending, batch.ID, batch.Status)
	}
	batch.Status = models.BatchFailed
	batch.Retryable = false
	batch.TempFileContent = nil
	batch.Errors = append(batch.Errors, "abandoned by user")
	if err := s.saveBatch(ctx, s.db, batch); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("Batch abandoned", "batchID", batch.ID, "userID", userID)
	return nil
}

// GetBatch returns the user's batch or ErrBatchNotFound.
func (s *CsvIngestionService) GetBatch(ctx context.Context, userID int64, batchID string) (*models.ImportBatch, error) {
	if _, err := uuid.Parse(batchID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	batch, err := model.GetImportBatch(ctx, s.db, batchID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && batch.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading batch %s: %w", batchID, err)
	}
	return batch, nil
}

// CheckUploadQuota fails with ErrUploadLimitReached once the user completed UploadLimit
// imports in the last 24 hours. A limit of zero disables the check.
func (s *CsvIngestionService) CheckUploadQuota(ctx context.Context, userID int64) error {
	if s.opts.UploadLimit <= 0 {
		return nil
	}
	count, err := model.CountUploadsSince(ctx, s.db, userID, now().Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("error counting uploads: %w", err)
	}
	if count >= s.opts.UploadLimit {
		return fmt.Errorf("%w: %d imports in the last 24 hours", ErrUploadLimitReached, count)
	}
	return nil
}

// PurgeStaleBatches fails batches that have held file content for longer than the
// retention period and drops the content.
func (s *CsvIngestionService) PurgeStaleBatches(ctx context.Context) (int64, error) {
	ts := now()
	reason := fmt.Sprintf("expired after %s without a decision", s.opts.BatchRetention)
	n, err := model.ExpireStaleBatches(ctx, s.db, ts.Add(-s.opts.BatchRetention), ts, reason)
	if err != nil {
		return 0, fmt.Errorf("error purging stale batches: %w", err)
	}
	if n > 0 {
		s.log.Info("Stale import batches expired", "count", n)
	}
	return n, nil
}

func (s *CsvIngestionService) saveBatch(ctx context.Context, q database.Querier, batch *models.ImportBatch) error {
	batch.UpdatedAt = now()
	if err := model.SaveImportBatch(ctx, q, batch); err != nil {
		return fmt.Errorf("error saving import batch %s: %w", batch.ID, err)
	}
	return nil
}

func (s *CsvIngestionService) invalidateUserCache(userID int64) {
	invalidateUserCache(s.reportCache, userID)
}

func batchStatus(r *UploadResult) models.BatchStatus {
	if r == nil {
		return models.BatchFailed
	}
	return r.Status
}

func resultFor(batch *models.ImportBatch, orderIDs, tradeIDs []int64) *UploadResult {
	r := &UploadResult{
		ImportBatchID: batch.ID,
		Status:        batch.Status,
		BrokerID:      batch.BrokerID,
		FormatID:      batch.FormatID,
		TotalRecords:  batch.TotalRecords,
		SuccessCount:  batch.SuccessCount,
		ErrorCount:    batch.ErrorCount,
		SkippedCount:  batch.SkippedCount,
		Errors:        nonNil(batch.Errors),
		OrderIDs:      nonNil(orderIDs),
		TradeIDs:      nonNil(tradeIDs),
	}
	if f, ok := batch.MappingState.(models.FinalizedMapping); ok {
		r.MappingSource = f.Source
	}
	return r
}

func sortedKeys(m map[models.PositionKey]bool) []models.PositionKey {
	keys := make([]models.PositionKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].BrokerID != keys[j].BrokerID {
			return keys[i].BrokerID < keys[j].BrokerID
		}
		if keys[i].Account != keys[j].Account {
			return keys[i].Account < keys[j].Account
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}
