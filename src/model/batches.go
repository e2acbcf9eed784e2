package model

import (
	"context"
	"database/sql"
	"time"

	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/models"
)

// SaveImportBatch inserts the batch or overwrites every mutable column of an existing one.
func SaveImportBatch(ctx context.Context, q database.Querier, b *models.ImportBatch) error {
	state, err := models.MarshalMappingState(b.MappingState)
	if err != nil {
		return err
	}
	var stateArg any
	if state != nil {
		stateArg = string(state)
	}
	if b.Errors == nil {
		b.Errors = []string{}
	}
	errs, err := toJSON(b.Errors)
	if err != nil {
		return err
	}
	if b.AccountTags == nil {
		b.AccountTags = []string{}
	}
	tags, err := toJSON(b.AccountTags)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO import_batches (id, user_id, filename, file_size, total_records, status, mapping_state,
			temp_file_content, errors, broker_id, format_id, success_count, error_count, skipped_count,
			account_tags, retryable, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_records = excluded.total_records,
			status = excluded.status,
			mapping_state = excluded.mapping_state,
			temp_file_content = excluded.temp_file_content,
			errors = excluded.errors,
			broker_id = excluded.broker_id,
			format_id = excluded.format_id,
			success_count = excluded.success_count,
			error_count = excluded.error_count,
			skipped_count = excluded.skipped_count,
			account_tags = excluded.account_tags,
			retryable = excluded.retryable,
			updated_at = excluded.updated_at`
	_, err = q.ExecContext(ctx, query,
		b.ID, b.UserID, b.Filename, b.FileSize, b.TotalRecords, string(b.Status), stateArg,
		b.TempFileContent, errs, b.BrokerID, b.FormatID, b.SuccessCount, b.ErrorCount, b.SkippedCount,
		tags, b.Retryable, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

// GetImportBatch returns sql.ErrNoRows for an unknown id.
func GetImportBatch(ctx context.Context, q database.Querier, id string) (*models.ImportBatch, error) {
	query := `
		SELECT id, user_id, filename, file_size, total_records, status, mapping_state, temp_file_content,
			errors, broker_id, format_id, success_count, error_count, skipped_count, account_tags, retryable,
			created_at, updated_at
		FROM import_batches WHERE id = ?`
	var (
		b                  models.ImportBatch
		status             string
		state, content     sql.NullString
		errs, tags         string
		brokerID, formatID sql.NullInt64
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&b.ID,
		&b.UserID,
		&b.Filename,
		&b.FileSize,
		&b.TotalRecords,
		&status,
		&state,
		&content,
		&errs,
		&brokerID,
		&formatID,
		&b.SuccessCount,
		&b.ErrorCount,
		&b.SkippedCount,
		&tags,
		&b.Retryable,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	if state.Valid {
		if b.MappingState, err = models.UnmarshalMappingState([]byte(state.String)); err != nil {
			return nil, err
		}
	}
	if content.Valid {
		c := content.String
		b.TempFileContent = &c
	}
	if brokerID.Valid {
		b.BrokerID = &brokerID.Int64
	}
	if formatID.Valid {
		b.FormatID = &formatID.Int64
	}
	if err := fromJSON(errs, &b.Errors); err != nil {
		return nil, err
	}
	if err := fromJSON(tags, &b.AccountTags); err != nil {
		return nil, err
	}
	return &b, nil
}

// ExpireStaleBatches fails every PENDING or FAILED batch still holding file content that was
// last touched before cutoff, dropping the content and appending reason to its errors.
func ExpireStaleBatches(ctx context.Context, q database.Querier, cutoff, now time.Time, reason string) (int64, error) {
	query := `
		UPDATE import_batches
		SET status = 'FAILED', temp_file_content = NULL, retryable = 0,
			errors = json_insert(errors, '$[#]', ?), updated_at = ?
		WHERE temp_file_content IS NOT NULL
		  AND status IN ('PENDING', 'FAILED')
		  AND updated_at < ?`
	res, err := q.ExecContext(ctx, query, reason, now, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClaimImportBatch moves a batch that still holds its file content to PROCESSING when it is
// PENDING, or FAILED and retryable. With retryOnly set only the latter qualifies. It
// returns false when the batch was not in a claimable state.
func ClaimImportBatch(ctx context.Context, q database.Querier, id string, retryOnly bool, now time.Time) (bool, error) {
	query := `
		UPDATE import_batches
		SET status = 'PROCESSING', updated_at = ?
		WHERE id = ?
		  AND temp_file_content IS NOT NULL
		  AND ((status = 'PENDING' AND ? = 0) OR (status = 'FAILED' AND retryable = 1))`
	res, err := q.ExecContext(ctx, query, now, id, retryOnly)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
