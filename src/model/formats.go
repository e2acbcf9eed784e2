package model

import (
	"context"
	"time"

	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/models"
)

const formatColumns = `f.id, f.broker_id, b.name, f.format_name, f.description, f.headers, f.header_signature,
	f.sample_rows, f.field_mappings, f.confidence, f.usage_count, f.success_count, f.created_by,
	f.created_at, f.updated_at`

const formatFrom = ` FROM broker_csv_formats f JOIN brokers b ON b.id = f.broker_id`

func scanFormat(s rowScanner) (*models.BrokerCsvFormat, error) {
	var (
		f                                  models.BrokerCsvFormat
		headers, sampleRows, fieldMappings string
	)
	if err := s.Scan(
		&f.ID,
		&f.BrokerID,
		&f.BrokerName,
		&f.FormatName,
		&f.Description,
		&headers,
		&f.HeaderSignature,
		&sampleRows,
		&fieldMappings,
		&f.Confidence,
		&f.UsageCount,
		&f.SuccessCount,
		&f.CreatedBy,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := fromJSON(headers, &f.Headers); err != nil {
		return nil, err
	}
	if err := fromJSON(sampleRows, &f.SampleRows); err != nil {
		return nil, err
	}
	if err := fromJSON(fieldMappings, &f.FieldMappings); err != nil {
		return nil, err
	}
	return &f, nil
}

func queryFormats(ctx context.Context, q database.Querier, query string, args ...any) ([]models.BrokerCsvFormat, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var formats []models.BrokerCsvFormat
	for rows.Next() {
		f, err := scanFormat(rows)
		if err != nil {
			return nil, err
		}
		formats = append(formats, *f)
	}
	return formats, rows.Err()
}

// CountFormatsForBroker is the basis for the next generated format name.
func CountFormatsForBroker(ctx context.Context, q database.Querier, brokerID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM broker_csv_formats WHERE broker_id = ?`, brokerID).Scan(&n)
	return n, err
}

// InsertFormat stores a new format and sets its ID. A (broker_id, format_name) clash is
// returned as the driver's unique constraint error.
func InsertFormat(ctx context.Context, q database.Querier, f *models.BrokerCsvFormat) error {
	headers, err := toJSON(f.Headers)
	if err != nil {
		return err
	}
	sampleRows, err := toJSON(f.SampleRows)
	if err != nil {
		return err
	}
	fieldMappings, err := toJSON(f.FieldMappings)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO broker_csv_formats (broker_id, format_name, description, headers, header_signature,
			sample_rows, field_mappings, confidence, usage_count, success_count, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, query,
		f.BrokerID, f.FormatName, f.Description, headers, f.HeaderSignature,
		sampleRows, fieldMappings, f.Confidence, f.UsageCount, f.SuccessCount, f.CreatedBy, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

// GetFormatByID returns sql.ErrNoRows for an unknown id.
func GetFormatByID(ctx context.Context, q database.Querier, id int64) (*models.BrokerCsvFormat, error) {
	return scanFormat(q.QueryRowContext(ctx, `SELECT `+formatColumns+formatFrom+` WHERE f.id = ?`, id))
}

// GetFormatsBySignature returns every format with exactly this header signature, most
// used first, then oldest.
func GetFormatsBySignature(ctx context.Context, q database.Querier, signature string) ([]models.BrokerCsvFormat, error) {
	query := `SELECT ` + formatColumns + formatFrom + ` WHERE f.header_signature = ? ORDER BY f.usage_count DESC, f.id ASC`
	return queryFormats(ctx, q, query, signature)
}

// ListFormats returns all formats, or those of one broker when brokerID > 0.
func ListFormats(ctx context.Context, q database.Querier, brokerID int64) ([]models.BrokerCsvFormat, error) {
	if brokerID > 0 {
		return queryFormats(ctx, q, `SELECT `+formatColumns+formatFrom+` WHERE f.broker_id = ? ORDER BY f.id`, brokerID)
	}
	return queryFormats(ctx, q, `SELECT `+formatColumns+formatFrom+` ORDER BY f.id`)
}

// IncrementFormatUsage bumps usage_count, and success_count when the import had no row errors.
func IncrementFormatUsage(ctx context.Context, q database.Querier, formatID int64, success bool, now time.Time) error {
	successInc := 0
	if success {
		successInc = 1
	}
	query := `
		UPDATE broker_csv_formats
		SET usage_count = usage_count + 1, success_count = success_count + ?, updated_at = ?
		WHERE id = ?`
	_, err := q.ExecContext(ctx, query, successInc, now, formatID)
	return err
}
