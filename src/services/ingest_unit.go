package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/model"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/parsers"
)

// ingestUnit is one batch travelling through validate, persist, aggregate and complete
// inside a single transaction.
type ingestUnit struct {
	tx           *sql.Tx
	batch        *models.ImportBatch
	parsed       *parsers.ParsedFile
	source       models.MappingSource
	mapping      models.ColumnMapping
	proposal     *models.PendingReview
	content      *string
	brokerID     int64
	formatID     int64
	reusedFormat bool

	rows      []models.CanonicalOrder
	rowErrors []string
	orderIDs  []int64
	tradeIDs  []int64
	skipped   int
	touched   map[models.PositionKey]bool
}

// resolveFunc runs first inside the transaction and settles the unit's broker and format.
type resolveFunc func(ctx context.Context, tx *sql.Tx, u *ingestUnit) error

// runUnit commits the whole import or nothing. A file in which no row survives validation
// rolls back and leaves the batch FAILED. Any other failure leaves it FAILED and retryable
// with its content kept, except a lost claim or an incomplete mapping, which leave the
// stored batch as it was.
func (s *CsvIngestionService) runUnit(ctx context.Context, u *ingestUnit, resolve resolveFunc) (*UploadResult, error) {
	log := logger.FromContext(ctx).With("batchID", u.batch.ID)
	snapshot := *u.batch

	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		u.tx = tx
		if resolve != nil {
			if err := resolve(ctx, tx, u); err != nil {
				return err
			}
		}
		u.batch.Status = models.BatchProcessing
		u.batch.BrokerID, u.batch.FormatID = &u.brokerID, &u.formatID
		if err := s.saveBatch(ctx, tx, u.batch); err != nil {
			return err
		}
		if err := s.validate(u); err != nil {
			return err
		}
		if err := s.persist(ctx, u); err != nil {
			return err
		}
		if err := s.aggregate(ctx, u); err != nil {
			return err
		}
		return s.complete(ctx, u)
	})

	if errors.Is(err, ErrNoRowsImported) {
		failed := snapshot
		failed.Status = models.BatchFailed
		failed.Retryable = false
		failed.TempFileContent = nil
		failed.ErrorCount = u.batch.ErrorCount
		failed.Errors = append(append([]string{}, snapshot.Errors...), u.rowErrors...)
		failed.Errors = append(failed.Errors, ErrNoRowsImported.Error())
		if saveErr := s.saveBatch(ctx, s.db, &failed); saveErr != nil {
			return nil, saveErr
		}
		log.Warn("Import failed: no row passed validation", "rowErrors", failed.ErrorCount)
		*u.batch = failed
		return nil, &BatchError{BatchID: failed.ID, Err: err}
	}
	if err != nil {
		*u.batch = snapshot
		if errors.Is(err, ErrBatchNotPending) || errors.Is(err, ErrMappingIncomplete) || u.content == nil {
			return nil, err
		}
		failed := snapshot
		failed.Status = models.BatchFailed
		failed.Retryable = true
		failed.TempFileContent = u.content
		failed.Errors = append(append([]string{}, snapshot.Errors...), "import failed: "+err.Error())
		if saveErr := s.saveBatch(context.WithoutCancel(ctx), s.db, &failed); saveErr != nil {
			log.Error("Could not record failed import", "error", saveErr, "cause", err)
			return nil, err
		}
		log.Error("Import failed, batch kept for retry", "error", err)
		*u.batch = failed
		return nil, &BatchError{BatchID: failed.ID, Retryable: true, Err: err}
	}

	s.invalidateUserCache(u.batch.UserID)
	log.Info("Import completed",
		"source", u.source, "brokerID", u.brokerID, "formatID", u.formatID,
		"success", u.batch.SuccessCount, "errors", u.batch.ErrorCount, "skipped", u.batch.SkippedCount,
		"trades", len(u.tradeIDs))
	return resultFor(u.batch, u.orderIDs, u.tradeIDs), nil
}

// validate converts every data row. Failed rows are counted and reported, never fatal.
func (s *CsvIngestionService) validate(u *ingestUnit) error {
	conv, err := parsers.NewRowConverter(u.parsed.Headers, u.parsed.Rows, u.mapping, s.opts.Location)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMappingIncomplete, err)
	}
	u.rows = u.rows[:0]
	u.rowErrors = u.rowErrors[:0]
	u.batch.ErrorCount = 0
	for i, row := range u.parsed.Rows {
		order, err := conv.Convert(i+1, row)
		if err != nil {
			u.batch.ErrorCount++
			if len(u.rowErrors) < maxReportedErrors {
				u.rowErrors = append(u.rowErrors, err.Error())
			}
			continue
		}
		u.rows = append(u.rows, *order)
	}
	if len(u.rows) == 0 {
		return ErrNoRowsImported
	}
	return nil
}

// persist inserts the orders; rows already imported by an earlier batch are skipped.
func (s *CsvIngestionService) persist(ctx context.Context, u *ingestUnit) error {
	u.touched = make(map[models.PositionKey]bool)
	orders := s.orders.Process(u.rows, u.batch.UserID, u.brokerID, u.batch.ID)
	for i := range orders {
		o := &orders[i]
		if len(u.batch.AccountTags) > 0 {
			o.Tags = append([]string{}, u.batch.AccountTags...)
		}
		o.CreatedAt = now()
		inserted, err := model.InsertOrderIgnore(ctx, u.tx, o)
		if err != nil {
			return fmt.Errorf("error inserting order %s: %w", o.OrderKey, err)
		}
		if !inserted {
			u.skipped++
			logger.FromContext(ctx).Debug("Order skipped", "orderKey", o.OrderKey, "reason", ErrDuplicateOrder)
			continue
		}
		u.orderIDs = append(u.orderIDs, o.ID)
		u.touched[o.PositionKey()] = true
	}
	return nil
}

// aggregate rebuilds the trades of every position that received new orders.
func (s *CsvIngestionService) aggregate(ctx context.Context, u *ingestUnit) error {
	for _, key := range sortedKeys(u.touched) {
		ids, err := s.reconcileTrades(ctx, u.tx, u.batch.UserID, key)
		if err != nil {
			return fmt.Errorf("error aggregating %s: %w", key.Symbol, err)
		}
		u.tradeIDs = append(u.tradeIDs, ids...)
	}
	return nil
}

// complete records the outcome: batch counts and state, upload history, format usage and
// the AI audit entry.
func (s *CsvIngestionService) complete(ctx context.Context, u *ingestUnit) error {
	b := u.batch
	b.Status = models.BatchCompleted
	b.Retryable = false
	b.TempFileContent = nil
	b.SuccessCount = len(u.orderIDs)
	b.SkippedCount = u.skipped
	b.Errors = append(b.Errors, u.rowErrors...)
	b.MappingState = models.FinalizedMapping{FormatID: u.formatID, Source: u.source, Mapping: u.mapping}
	if err := s.saveBatch(ctx, u.tx, b); err != nil {
		return err
	}

	if err := model.InsertUploadHistory(ctx, u.tx, b.UserID, b.ID, b.Filename, b.FileSize, now()); err != nil {
		return fmt.Errorf("error recording upload history: %w", err)
	}
	if u.reusedFormat {
		s.registry.UpdateFormatUsage(ctx, u.tx, u.formatID, b.ErrorCount == 0)
	}
	if u.source == models.SourceAI && u.proposal != nil {
		ts := now()
		check := &models.AiIngestToCheck{
			UserID:        b.UserID,
			ImportBatchID: b.ID,
			BrokerID:      b.BrokerID,
			FormatID:      b.FormatID,
			OrderIDs:      append([]int64{}, u.orderIDs...),
			Status:        models.AiCheckPending,
			Feedback:      feedbackItems(*u.proposal, u.mapping),
			CreatedAt:     ts,
			UpdatedAt:     ts,
		}
		if err := model.InsertAiIngestCheck(ctx, u.tx, check); err != nil {
			return fmt.Errorf("error recording AI ingest check: %w", err)
		}
	}
	return nil
}

// feedbackItems compares the proposed field of every header with the applied mapping.
// A nil final mapping records the proposal alone.
func feedbackItems(p models.PendingReview, final models.ColumnMapping) []models.AiIngestFeedbackItem {
	items := make([]models.AiIngestFeedbackItem, 0, len(p.Headers))
	for _, h := range p.Headers {
		proposed, ok := p.ProposedMapping[h]
		if !ok {
			continue
		}
		item := models.AiIngestFeedbackItem{Header: h, ProposedField: proposed.Field, Confidence: proposed.Confidence}
		if applied, ok := final[h]; ok && applied.UserCorrected && applied.Field != proposed.Field {
			item.UserCorrected = true
			item.CorrectedField = applied.Field
		}
		items = append(items, item)
	}
	return items
}

// reconcileTrades re-aggregates every order of one position and brings the stored trades
// in line. Trades whose fingerprint is unchanged are kept with their id, notes and tags;
// the rest are replaced. A replacement inherits the journal of a removed trade that
// opened with the same entry order. It returns the ids of the position's trades.
func (s *CsvIngestionService) reconcileTrades(ctx context.Context, tx *sql.Tx, userID int64, key models.PositionKey) ([]int64, error) {
	orders, err := model.GetOrdersForPosition(ctx, tx, userID, key)
	if err != nil {
		return nil, err
	}
	existing, err := model.GetTradesForPosition(ctx, tx, userID, key)
	if err != nil {
		return nil, err
	}
	fresh := s.aggregator.Aggregate(orders)

	byFingerprint := make(map[string]models.Trade, len(existing))
	for _, t := range existing {
		byFingerprint[t.Fingerprint] = t
	}

	var ids []int64
	var toInsert []models.Trade
	kept := make(map[int64]bool)
	for _, t := range fresh {
		if old, ok := byFingerprint[t.Fingerprint]; ok {
			kept[old.ID] = true
			ids = append(ids, old.ID)
			continue
		}
		toInsert = append(toInsert, t)
	}

	var vanished []int64
	heirs := make(map[string]models.Trade)
	for _, t := range existing {
		if kept[t.ID] {
			continue
		}
		vanished = append(vanished, t.ID)
		if k := lineageKey(t); k != "" {
			if _, taken := heirs[k]; !taken {
				heirs[k] = t
			}
		}
	}
	if len(vanished) > 0 {
		if _, err := model.DeleteTrades(ctx, tx, userID, vanished); err != nil {
			return nil, err
		}
	}

	for i := range toInsert {
		t := &toInsert[i]
		ts := now()
		t.CreatedAt, t.UpdatedAt = ts, ts
		if old, ok := heirs[lineageKey(*t)]; ok {
			t.Notes, t.NotesChanges, t.Tags = old.Notes, old.NotesChanges, old.Tags
			delete(heirs, lineageKey(*t))
		}
		if err := model.InsertTrade(ctx, tx, t); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// lineageKey identifies a trade across re-aggregations by direction and first entry order.
func lineageKey(t models.Trade) string {
	for _, l := range t.Orders {
		if l.Role == models.RoleEntry {
			return fmt.Sprintf("%s:%d", t.Side, l.OrderID)
		}
	}
	return ""
}
