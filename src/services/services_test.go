package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/mapping"
	"github.com/username/tradejournal/backend/src/model"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/parsers"
	"github.com/username/tradejournal/backend/src/processors"
)

const testUser int64 = 42

const simpleCSV = `Symbol,Qty,Price,Side,Time
AAPL,100,150.00,BUY,2024-03-01 09:30:00
AAPL,100,155.00,SELL,2024-03-01 10:30:00
`

const partialExitCSV = `Symbol,Qty,Price,Side,Time
AAPL,1000,10,BUY,2024-03-01 09:30:00
AAPL,400,12,SELL,2024-03-01 10:30:00
AAPL,600,11,SELL,2024-03-01 11:30:00
`

type stubAIMapper struct {
	mu       sync.Mutex
	err      error
	proposal *mapping.AIProposal
	calls    int
}

func (m *stubAIMapper) ProposeMapping(ctx context.Context, req mapping.AIRequest) (*mapping.AIProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.proposal, nil
}

type testEnv struct {
	db        *database.DB
	registry  *BrokerFormatService
	ingestion *CsvIngestionService
	trades    *TradeService
	audit     *AiIngestService
}

func newTestEnv(t *testing.T, ai mapping.AIMapper, opts IngestionOptions) *testEnv {
	t.Helper()
	log := logger.Discard()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.RunMigrations())

	formatCache := cache.New(DefaultCacheExpiration, CacheCleanupInterval)
	reportCache := cache.New(DefaultCacheExpiration, CacheCleanupInterval)
	registry := NewBrokerFormatService(db, log, formatCache, 0)

	return &testEnv{
		db:        db,
		registry:  registry,
		ingestion: NewCsvIngestionService(db, log, registry, ai, reportCache, opts),
		trades:    NewTradeService(db, log, processors.NewFeeProcessor(), reportCache),
		audit:     NewAiIngestService(db, log),
	}
}

func (e *testEnv) upload(t *testing.T, filename, body string) (*UploadResult, error) {
	t.Helper()
	return e.ingestion.Upload(context.Background(), UploadRequest{
		UserID:      testUser,
		Filename:    filename,
		ContentType: "text/csv",
		Data:        []byte(body),
	})
}

// importFile uploads a new layout and approves its proposal under broker.
func (e *testEnv) importFile(t *testing.T, broker, body string) *UploadResult {
	t.Helper()
	pending, err := e.upload(t, "trades.csv", body)
	require.NoError(t, err)
	require.NotNil(t, pending.PendingReview)

	res, err := e.ingestion.FinalizeMappings(context.Background(), FinalizeRequest{
		UserID:     testUser,
		BatchID:    pending.ImportBatchID,
		Approved:   true,
		BrokerName: broker,
	})
	require.NoError(t, err)
	return res
}

func TestUpload_UnseenLayoutThenRegistry(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	res, err := env.upload(t, "trades.csv", simpleCSV)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, res.Status)
	require.NotNil(t, res.PendingReview)
	assert.Equal(t, models.SourceHeuristic, res.PendingReview.Source)
	assert.Equal(t, UnknownBroker, res.PendingReview.ProposedBroker)
	assert.Equal(t, []string{"Symbol", "Qty", "Price", "Side", "Time"}, res.PendingReview.Headers)
	assert.Len(t, res.PendingReview.SampleRows, 2)
	assert.Equal(t, 2, res.TotalRecords)

	batch, err := env.ingestion.GetBatch(ctx, testUser, res.ImportBatchID)
	require.NoError(t, err)
	assert.True(t, batch.HasContent())
	_, isPending := batch.Pending()
	assert.True(t, isPending)

	final, err := env.ingestion.FinalizeMappings(ctx, FinalizeRequest{
		UserID:     testUser,
		BatchID:    res.ImportBatchID,
		Approved:   true,
		BrokerName: "Acme Securities",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, final.Status)
	assert.Equal(t, models.SourceHeuristic, final.MappingSource)
	assert.Equal(t, 2, final.SuccessCount)
	assert.Len(t, final.OrderIDs, 2)
	assert.Len(t, final.TradeIDs, 1)
	require.NotNil(t, final.BrokerID)
	require.NotNil(t, final.FormatID)

	formats, err := env.registry.ListFormats(ctx, *final.BrokerID)
	require.NoError(t, err)
	require.Len(t, formats, 1)
	assert.Equal(t, "Format 1", formats[0].FormatName)
	assert.Equal(t, int64(0), formats[0].UsageCount)

	batch, err = env.ingestion.GetBatch(ctx, testUser, res.ImportBatchID)
	require.NoError(t, err)
	assert.False(t, batch.HasContent())
	finalized, ok := batch.MappingState.(models.FinalizedMapping)
	require.True(t, ok)
	assert.Equal(t, *final.FormatID, finalized.FormatID)

	again, err := env.upload(t, "other.csv", simpleCSV)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, again.Status)
	assert.Equal(t, models.SourceRegistry, again.MappingSource)
	assert.Equal(t, *final.FormatID, *again.FormatID)
	assert.Equal(t, 0, again.SuccessCount)
	assert.Equal(t, 2, again.SkippedCount, "rows already imported are skipped")

	orders, err := model.ListOrders(ctx, env.db, testUser)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	formats, err = env.registry.ListFormats(ctx, *final.BrokerID)
	require.NoError(t, err)
	require.Len(t, formats, 1)
	assert.Equal(t, int64(1), formats[0].UsageCount)
	assert.Equal(t, int64(1), formats[0].SuccessCount)

	trades, err := env.trades.ListTrades(ctx, testUser, models.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeClosed, trades[0].Status)
	assert.Equal(t, "500", trades[0].RealizedPnL.String())
}

func TestFinalize_SecondLayoutGetsNextFormatName(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	first := env.importFile(t, "Acme", simpleCSV)

	pending, err := env.upload(t, "trades.csv", "Ticker,Units,Cost,Action,Day,Memo\nMSFT,10,400,BUY,2024-03-04,first\n")
	require.NoError(t, err)
	require.NotNil(t, pending.PendingReview)

	res, err := env.ingestion.FinalizeMappings(ctx, FinalizeRequest{
		UserID:   testUser,
		BatchID:  pending.ImportBatchID,
		Approved: true,
		Corrections: map[string]string{
			"Ticker": "symbol",
			"Units":  "quantity",
			"Cost":   "price",
			"Action": "side",
			"Day":    "trade_date",
			"Memo":   "metadata",
		},
		BrokerName: "ACME",
	})
	require.NoError(t, err)
	assert.Equal(t, *first.BrokerID, *res.BrokerID, "broker names resolve case-insensitively")

	formats, err := env.registry.ListFormats(ctx, *first.BrokerID)
	require.NoError(t, err)
	names := make([]string, 0, len(formats))
	for _, f := range formats {
		names = append(names, f.FormatName)
	}
	assert.ElementsMatch(t, []string{"Format 1", "Format 2"}, names)

	orders, err := model.GetOrdersByIDs(ctx, env.db, testUser, res.OrderIDs)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "first", orders[0].Metadata["Memo"])
}

func TestFinalize_InvalidCorrections(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	pending, err := env.upload(t, "trades.csv", simpleCSV)
	require.NoError(t, err)

	tests := []struct {
		name        string
		corrections map[string]string
		wantErr     error
	}{
		{"unknown header", map[string]string{"Strike": "price"}, ErrInvalidCorrection},
		{"unknown field", map[string]string{"Qty": "strike"}, ErrInvalidCorrection},
		{"required field dropped", map[string]string{"Price": "metadata"}, ErrMappingIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ingestion.FinalizeMappings(ctx, FinalizeRequest{
				UserID:      testUser,
				BatchID:     pending.ImportBatchID,
				Approved:    true,
				Corrections: tt.corrections,
			})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	batch, err := env.ingestion.GetBatch(ctx, testUser, pending.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, batch.Status, "a refused decision leaves the batch pending")
}

func TestUpload_ParseFailure(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})

	_, err := env.upload(t, "trades.csv", "Symbol,Qty\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParsingFailed)

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.False(t, batchErr.Retryable)

	var parseErr *parsers.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, 1, parseErr.Line)

	batch, err := env.ingestion.GetBatch(context.Background(), testUser, batchErr.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, batch.Status)
	assert.False(t, batch.HasContent())
	assert.NotEmpty(t, batch.Errors)
}

func TestUpload_NoValidRowsFailsBatch(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	pending, err := env.upload(t, "trades.csv", "Symbol,Qty,Price,Side,Time\nAAPL,0,150,BUY,2024-03-01 09:30:00\n")
	require.NoError(t, err)

	_, err = env.ingestion.FinalizeMappings(ctx, FinalizeRequest{
		UserID:     testUser,
		BatchID:    pending.ImportBatchID,
		Approved:   true,
		BrokerName: "Acme",
	})
	assert.ErrorIs(t, err, ErrNoRowsImported)

	batch, err := env.ingestion.GetBatch(ctx, testUser, pending.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, batch.Status)
	assert.Equal(t, 1, batch.ErrorCount)
	assert.Nil(t, batch.FormatID, "the format created in the rolled back unit is gone")

	formats, err := env.registry.ListFormats(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, formats)
}

func TestUpload_AIFailureKeepsBatchForRetry(t *testing.T) {
	ai := &stubAIMapper{err: errors.New("upstream timeout")}
	env := newTestEnv(t, ai, IngestionOptions{ConfidenceThreshold: 1.01})
	ctx := context.Background()

	_, err := env.upload(t, "trades.csv", simpleCSV)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAIService)

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.True(t, batchErr.Retryable)

	batch, err := env.ingestion.GetBatch(ctx, testUser, batchErr.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, batch.Status)
	assert.True(t, batch.Retryable)
	assert.True(t, batch.HasContent())

	ai.mu.Lock()
	ai.err = nil
	ai.proposal = &mapping.AIProposal{
		Broker: "Acme",
		Mapping: models.ColumnMapping{
			"Symbol": {Field: models.FieldSymbol, Confidence: 0.95},
			"Qty":    {Field: models.FieldQuantity, Confidence: 0.9},
			"Price":  {Field: models.FieldPrice, Confidence: 0.9},
			"Side":   {Field: models.FieldSide, Confidence: 0.9},
			"Time":   {Field: models.FieldExecutedAt, Confidence: 0.85},
		},
	}
	ai.mu.Unlock()

	retried, err := env.ingestion.RetryMapping(ctx, testUser, batchErr.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, retried.Status)
	require.NotNil(t, retried.PendingReview)
	assert.Equal(t, models.SourceAI, retried.PendingReview.Source)
	assert.Equal(t, "Acme", retried.PendingReview.ProposedBroker)
	assert.Equal(t, 2, ai.calls)

	_, err = env.ingestion.RetryMapping(ctx, testUser, batchErr.BatchID)
	assert.ErrorIs(t, err, ErrBatchNotRetryable)

	final, err := env.ingestion.FinalizeMappings(ctx, FinalizeRequest{
		UserID:      testUser,
		BatchID:     batchErr.BatchID,
		Approved:    true,
		Corrections: map[string]string{"Time": "executed_at"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, final.Status)
	assert.Equal(t, models.SourceAI, final.MappingSource)

	checks, err := env.audit.ListChecks(ctx, models.AiCheckPending)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, batchErr.BatchID, checks[0].ImportBatchID)
	assert.ElementsMatch(t, final.OrderIDs, checks[0].OrderIDs)
	assert.Len(t, checks[0].Feedback, 5)
	for _, item := range checks[0].Feedback {
		assert.False(t, item.UserCorrected, "re-confirming the proposed field is not a correction: %s", item.Header)
	}

	acc, err := env.audit.Accuracy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Checks)
	assert.Equal(t, 5, acc.Fields)
	assert.Equal(t, 1.0, acc.AcceptedRatio)

	require.NoError(t, env.audit.ReviewCheck(ctx, checks[0].ID, models.AiCheckReviewed, "looks right", 1))
	reviewed, err := env.audit.ListChecks(ctx, models.AiCheckReviewed)
	require.NoError(t, err)
	require.Len(t, reviewed, 1)
	assert.Equal(t, "looks right", reviewed[0].ReviewerNotes)
	require.NotNil(t, reviewed[0].ReviewedBy)

	assert.ErrorIs(t, env.audit.ReviewCheck(ctx, 9999, models.AiCheckRejected, "", 1), ErrCheckNotFound)
}

func TestFinalize_RejectRecordsAIAudit(t *testing.T) {
	ai := &stubAIMapper{proposal: &mapping.AIProposal{
		Mapping: models.ColumnMapping{"Time": {Field: models.FieldExecutedAt, Confidence: 0.9}},
	}}
	env := newTestEnv(t, ai, IngestionOptions{ConfidenceThreshold: 1.01})
	ctx := context.Background()

	pending, err := env.upload(t, "trades.csv", simpleCSV)
	require.NoError(t, err)
	require.Equal(t, models.SourceAI, pending.PendingReview.Source)

	res, err := env.ingestion.FinalizeMappings(ctx, FinalizeRequest{
		UserID:   testUser,
		BatchID:  pending.ImportBatchID,
		Approved: false,
		Reason:   "wrong columns",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, res.Status)

	batch, err := env.ingestion.GetBatch(ctx, testUser, pending.ImportBatchID)
	require.NoError(t, err)
	assert.False(t, batch.HasContent())
	assert.Contains(t, batch.Errors, "mapping rejected by user: wrong columns")

	checks, err := env.audit.ListChecks(ctx, "")
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "mapping rejected by user: wrong columns", checks[0].ReviewerNotes)
	assert.Empty(t, checks[0].OrderIDs)

	_, err = env.ingestion.FinalizeMappings(ctx, FinalizeRequest{UserID: testUser, BatchID: pending.ImportBatchID, Approved: true})
	assert.ErrorIs(t, err, ErrBatchNotPending)
}

func TestAbandonAndPurge(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{BatchRetention: time.Hour})
	ctx := context.Background()

	abandoned, err := env.upload(t, "trades.csv", simpleCSV)
	require.NoError(t, err)
	require.NoError(t, env.ingestion.AbandonBatch(ctx, testUser, abandoned.ImportBatchID))
	assert.ErrorIs(t, env.ingestion.AbandonBatch(ctx, testUser, abandoned.ImportBatchID), ErrBatchNotPending)

	stale, err := env.upload(t, "trades.csv", simpleCSV)
	require.NoError(t, err)
	fresh, err := env.upload(t, "trades.csv", simpleCSV)
	require.NoError(t, err)

	_, err = env.db.ExecContext(ctx, `UPDATE import_batches SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-2*time.Hour).Truncate(time.Second), stale.ImportBatchID)
	require.NoError(t, err)

	n, err := env.ingestion.PurgeStaleBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	batch, err := env.ingestion.GetBatch(ctx, testUser, stale.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, batch.Status)
	assert.False(t, batch.HasContent())

	batch, err = env.ingestion.GetBatch(ctx, testUser, fresh.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, batch.Status)
}

func TestGetBatch_OtherUserOrBadID(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	res, err := env.upload(t, "trades.csv", simpleCSV)
	require.NoError(t, err)

	_, err = env.ingestion.GetBatch(ctx, testUser+1, res.ImportBatchID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
	_, err = env.ingestion.GetBatch(ctx, testUser, "not-a-uuid")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestCheckUploadQuota(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{UploadLimit: 1})
	ctx := context.Background()

	require.NoError(t, env.ingestion.CheckUploadQuota(ctx, testUser))
	env.importFile(t, "Acme", simpleCSV)
	assert.ErrorIs(t, env.ingestion.CheckUploadQuota(ctx, testUser), ErrUploadLimitReached)
	assert.NoError(t, env.ingestion.CheckUploadQuota(ctx, testUser+1))
}

func TestRegistry_ConcurrentFormatNames(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	var broker *models.Broker
	require.NoError(t, env.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		broker, err = env.registry.FindOrCreateBroker(ctx, tx, "Interactive  Brokers")
		return err
	}))

	const workers = 5
	names := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			extra := fmt.Sprintf("Extra %d", i)
			headers := []string{"Symbol", "Qty", "Price", "Time", extra}
			err := env.db.InTx(ctx, func(tx *sql.Tx) error {
				f, err := env.registry.CreateFormat(ctx, tx, NewFormat{
					BrokerID:   broker.ID,
					BrokerName: broker.Name,
					Headers:    headers,
					Mapping: models.ColumnMapping{
						"Symbol": {Field: models.FieldSymbol, Confidence: 1},
						"Qty":    {Field: models.FieldQuantity, Confidence: 1},
						"Price":  {Field: models.FieldPrice, Confidence: 1},
						"Time":   {Field: models.FieldExecutedAt, Confidence: 1},
						extra:    {Field: models.FieldBrokerMetadata},
					},
					CreatedBy: testUser,
				})
				if err != nil {
					return err
				}
				names[i] = f.FormatName
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.ElementsMatch(t, []string{"Format 1", "Format 2", "Format 3", "Format 4", "Format 5"}, names)

	require.NoError(t, env.db.InTx(ctx, func(tx *sql.Tx) error {
		same, err := env.registry.FindOrCreateBroker(ctx, tx, "interactive brokers")
		if err != nil {
			return err
		}
		assert.Equal(t, broker.ID, same.ID)
		return nil
	}))
}

func TestRegistry_CreateFormatValidation(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	err := env.db.InTx(ctx, func(tx *sql.Tx) error {
		broker, err := env.registry.FindOrCreateBroker(ctx, tx, "Acme")
		if err != nil {
			return err
		}
		_, err = env.registry.CreateFormat(ctx, tx, NewFormat{
			BrokerID: broker.ID,
			Headers:  []string{"Symbol", "Qty"},
			Mapping:  models.ColumnMapping{"Symbol": {Field: models.FieldSymbol}},
		})
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestRegistry_MatchFormat(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()
	env.importFile(t, "Acme", simpleCSV)

	tests := []struct {
		name      string
		headers   []string
		wantMatch bool
		wantExact bool
	}{
		{"same headers reordered", []string{"Time", "Side", "Price", "Qty", "Symbol"}, true, true},
		{"case and spacing", []string{" symbol ", "QTY", "price", "side", "time"}, true, true},
		{"extra column", []string{"Symbol", "Qty", "Price", "Side", "Time", "Note"}, false, false},
		{"unrelated", []string{"Date", "Amount", "Description"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := env.registry.MatchFormat(ctx, tt.headers)
			require.NoError(t, err)
			if !tt.wantMatch {
				assert.Nil(t, match)
				return
			}
			require.NotNil(t, match)
			assert.Equal(t, tt.wantExact, match.Exact)
		})
	}
}

func TestIdentifyBroker(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()
	env.importFile(t, "Interactive Brokers", simpleCSV)

	tests := []struct {
		filename string
		want     string
	}{
		{"interactive_brokers_2024.csv", "Interactive Brokers"},
		{"webull_orders_2024-03.csv", "Webull"},
		{"trades.csv", UnknownBroker},
		{"2024-03-01.csv", UnknownBroker},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := env.registry.IdentifyBroker(ctx, tt.filename, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeleteTrades_Conflicts(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()
	env.importFile(t, "Acme", partialExitCSV)

	trades, err := env.trades.ListTrades(ctx, testUser, models.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	ids := []int64{trades[0].ID, trades[1].ID}

	_, err = env.trades.DeleteTrades(ctx, testUser, ids[:1])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeletionConflict)
	var conflict *DeletionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 1, conflict.SharedOrderCount)
	assert.Equal(t, []int64{ids[1]}, conflict.ConflictingTradeIDs)
	require.Len(t, conflict.SharedOrders, 1)
	assert.Equal(t, []int64{ids[0]}, conflict.SharedOrders[0].RequestedTradeIDs)

	remaining, err := env.trades.ListTrades(ctx, testUser, models.TradeFilter{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "a refused deletion changes nothing")

	_, err = env.trades.DeleteTrades(ctx, testUser, []int64{ids[0], 9999})
	assert.ErrorIs(t, err, ErrTradeNotFound)

	result, err := env.trades.DeleteTrades(ctx, testUser, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.DeletedTrades)
	assert.Equal(t, int64(3), result.DeletedOrders)

	orders, err := model.ListOrders(ctx, env.db, testUser)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestReimportKeepsJournal(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	env.importFile(t, "Acme", "Symbol,Qty,Price,Side,Time\nAAPL,100,150,BUY,2024-03-01 09:30:00\n")
	trades, err := env.trades.ListTrades(ctx, testUser, models.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	openID := trades[0].ID
	assert.Equal(t, models.TradeOpen, trades[0].Status)

	require.NoError(t, env.trades.SaveNotesDraft(ctx, testUser, openID, "breakout entry"))
	tr, err := env.trades.GetTrade(ctx, testUser, openID)
	require.NoError(t, err)
	assert.Empty(t, tr.Notes)
	require.NotNil(t, tr.NotesChanges)
	require.NoError(t, env.trades.CommitNotes(ctx, testUser, openID))

	tags, err := env.trades.UpdateTradeTags(ctx, testUser, openID, []string{"momentum", "Momentum", " "})
	require.NoError(t, err)
	assert.Equal(t, []string{"momentum"}, tags)

	res, err := env.upload(t, "second.csv", "Symbol,Qty,Price,Side,Time\nAAPL,100,160,SELL,2024-03-02 15:00:00\n")
	require.NoError(t, err)
	assert.Equal(t, models.SourceRegistry, res.MappingSource)

	trades, err = env.trades.ListTrades(ctx, testUser, models.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	closed := trades[0]
	assert.Equal(t, models.TradeClosed, closed.Status)
	assert.Equal(t, "breakout entry", closed.Notes)
	assert.Equal(t, []string{"momentum"}, closed.Tags)
	assert.Equal(t, "1000", closed.RealizedPnL.String())

	assert.NotEqual(t, openID, closed.ID)
	_, err = env.trades.GetTrade(ctx, testUser, openID)
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestTradeService_StatsAndFees(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()
	env.importFile(t, "Acme", `Symbol,Qty,Price,Side,Time,Commission
AAPL,100,150,BUY,2024-03-01 09:30:00,1.00
AAPL,100,155,SELL,2024-03-01 10:30:00,1.00
MSFT,10,400,BUY,2024-03-01 09:35:00,0.50
MSFT,10,390,SELL,2024-03-01 09:40:00,0.50
TSLA,5,200,BUY,2024-03-04 09:30:00,0
`)

	stats, err := env.trades.GetStats(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.OpenTrades)
	assert.Equal(t, 1, stats.Winners)
	assert.Equal(t, 1, stats.Losers)
	assert.Equal(t, 50.0, stats.WinRate)
	assert.Equal(t, "397", stats.NetPnL.String())
	assert.Equal(t, 1, stats.ByHoldingPeriod[models.HoldingScalp])
	assert.Equal(t, 1, stats.ByHoldingPeriod[models.HoldingIntraday])

	fees, err := env.trades.GetFeeDetails(ctx, testUser)
	require.NoError(t, err)
	assert.Len(t, fees, 4)
	for _, f := range fees {
		assert.True(t, f.Amount.IsNegative())
		assert.Equal(t, "Trade Commission", f.Category)
	}

	filtered, err := env.trades.ListTrades(ctx, testUser, models.TradeFilter{Symbol: "msft"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "MSFT", filtered[0].Symbol)

	open, err := env.trades.ListTrades(ctx, testUser, models.TradeFilter{Status: models.TradeOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.NotEqual(t, models.HoldingUndefined, open[0].HoldingPeriod, "open trades are classified against now")

	orders, err := model.ListOrders(ctx, env.db, testUser)
	require.NoError(t, err)
	tags, err := env.trades.UpdateOrderTags(ctx, testUser, orders[0].ID, []string{"earnings"})
	require.NoError(t, err)
	assert.Equal(t, []string{"earnings"}, tags)
	_, err = env.trades.UpdateOrderTags(ctx, testUser+1, orders[0].ID, []string{"x"})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFinalize_OnlyOnce(t *testing.T) {
	approve := func(env *testEnv, batchID string) (*UploadResult, error) {
		return env.ingestion.FinalizeMappings(context.Background(), FinalizeRequest{
			UserID:     testUser,
			BatchID:    batchID,
			Approved:   true,
			BrokerName: "Acme",
		})
	}
	assertSingleImport := func(t *testing.T, env *testEnv, res *UploadResult) {
		t.Helper()
		ctx := context.Background()
		uploads, err := model.CountUploadsSince(ctx, env.db, testUser, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, uploads)

		require.NotNil(t, res.BrokerID)
		formats, err := env.registry.ListFormats(ctx, *res.BrokerID)
		require.NoError(t, err)
		require.Len(t, formats, 1)
		assert.Equal(t, int64(0), formats[0].UsageCount, "a format created by the batch is not counted as reused")
	}

	t.Run("sequential", func(t *testing.T) {
		env := newTestEnv(t, nil, IngestionOptions{})
		pending, err := env.upload(t, "trades.csv", simpleCSV)
		require.NoError(t, err)

		res, err := approve(env, pending.ImportBatchID)
		require.NoError(t, err)
		_, err = approve(env, pending.ImportBatchID)
		assert.ErrorIs(t, err, ErrBatchNotPending)

		assertSingleImport(t, env, res)
	})

	t.Run("concurrent", func(t *testing.T) {
		env := newTestEnv(t, nil, IngestionOptions{})
		pending, err := env.upload(t, "trades.csv", partialExitCSV)
		require.NoError(t, err)

		const callers = 4
		results := make([]*UploadResult, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = approve(env, pending.ImportBatchID)
			}(i)
		}
		wg.Wait()

		var winner *UploadResult
		for i, err := range errs {
			if err == nil {
				require.Nil(t, winner, "only one finalize may succeed")
				winner = results[i]
				continue
			}
			assert.ErrorIs(t, err, ErrBatchNotPending)
		}
		require.NotNil(t, winner)
		assert.Equal(t, models.BatchCompleted, winner.Status)
		assert.Equal(t, 3, winner.SuccessCount)

		assertSingleImport(t, env, winner)
		orders, err := model.ListOrders(context.Background(), env.db, testUser)
		require.NoError(t, err)
		assert.Len(t, orders, 3)
	})

	t.Run("reject after approve", func(t *testing.T) {
		env := newTestEnv(t, nil, IngestionOptions{})
		pending, err := env.upload(t, "trades.csv", simpleCSV)
		require.NoError(t, err)

		res, err := approve(env, pending.ImportBatchID)
		require.NoError(t, err)
		_, err = env.ingestion.FinalizeMappings(context.Background(), FinalizeRequest{
			UserID:  testUser,
			BatchID: pending.ImportBatchID,
		})
		assert.ErrorIs(t, err, ErrBatchNotPending)

		batch, err := env.ingestion.GetBatch(context.Background(), testUser, res.ImportBatchID)
		require.NoError(t, err)
		assert.Equal(t, models.BatchCompleted, batch.Status)
	})
}

func TestFinalize_StorageFailureKeepsBatchForRetry(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()

	pending, err := env.upload(t, "trades.csv", simpleCSV)
	require.NoError(t, err)

	_, err = env.db.ExecContext(ctx, `ALTER TABLE upload_history RENAME TO upload_history_off`)
	require.NoError(t, err)

	_, err = env.ingestion.FinalizeMappings(ctx, FinalizeRequest{
		UserID:     testUser,
		BatchID:    pending.ImportBatchID,
		Approved:   true,
		BrokerName: "Acme",
	})
	require.Error(t, err)
	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr), "want *BatchError, got %T", err)
	assert.True(t, batchErr.Retryable)
	assert.Equal(t, pending.ImportBatchID, batchErr.BatchID)

	batch, err := env.ingestion.GetBatch(ctx, testUser, pending.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, batch.Status)
	assert.True(t, batch.Retryable)
	assert.True(t, batch.HasContent())
	require.NotEmpty(t, batch.Errors)
	assert.Contains(t, batch.Errors[len(batch.Errors)-1], "import failed")

	orders, err := model.ListOrders(ctx, env.db, testUser)
	require.NoError(t, err)
	assert.Empty(t, orders, "the failed unit of work is rolled back")

	_, err = env.db.ExecContext(ctx, `ALTER TABLE upload_history_off RENAME TO upload_history`)
	require.NoError(t, err)

	res, err := env.ingestion.FinalizeMappings(ctx, FinalizeRequest{
		UserID:     testUser,
		BatchID:    pending.ImportBatchID,
		Approved:   true,
		BrokerName: "Acme",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, res.Status)
	assert.Equal(t, 2, res.SuccessCount)
}

func TestUpload_RegistryFailureRecordsBatch(t *testing.T) {
	env := newTestEnv(t, nil, IngestionOptions{})
	ctx := context.Background()
	env.importFile(t, "Acme", simpleCSV)

	_, err := env.db.ExecContext(ctx, `ALTER TABLE upload_history RENAME TO upload_history_off`)
	require.NoError(t, err)

	_, err = env.upload(t, "again.csv", partialExitCSV)
	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr), "want *BatchError, got %T", err)

	batch, err := env.ingestion.GetBatch(ctx, testUser, batchErr.BatchID)
	require.NoError(t, err, "the failed batch is stored")
	assert.Equal(t, models.BatchFailed, batch.Status)
	assert.True(t, batch.Retryable)
	assert.True(t, batch.HasContent())

	_, err = env.db.ExecContext(ctx, `ALTER TABLE upload_history_off RENAME TO upload_history`)
	require.NoError(t, err)

	res, err := env.ingestion.RetryMapping(ctx, testUser, batchErr.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, res.Status)
	assert.Equal(t, models.SourceRegistry, res.MappingSource)
	assert.Equal(t, 3, res.SuccessCount)

	_, err = env.ingestion.RetryMapping(ctx, testUser, batchErr.BatchID)
	assert.ErrorIs(t, err, ErrBatchNotRetryable)
}
