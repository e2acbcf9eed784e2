package model

import (
	"context"
	"database/sql"
	"time"

	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/models"
)

// InsertAiIngestCheck stores an audit record with its feedback items and sets the IDs.
func InsertAiIngestCheck(ctx context.Context, q database.Querier, c *models.AiIngestToCheck) error {
	if c.OrderIDs == nil {
		c.OrderIDs = []int64{}
	}
	orderIDs, err := toJSON(c.OrderIDs)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO ai_ingest_checks (user_id, import_batch_id, broker_id, format_id, order_ids, status,
			reviewer_notes, reviewed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, query,
		c.UserID, c.ImportBatchID, c.BrokerID, c.FormatID, orderIDs, string(c.Status),
		c.ReviewerNotes, c.ReviewedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	for i := range c.Feedback {
		item := &c.Feedback[i]
		item.CheckID = c.ID
		res, err := q.ExecContext(ctx, `
			INSERT INTO ai_ingest_feedback_items (check_id, header, proposed_field, confidence, user_corrected, corrected_field)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.CheckID, item.Header, string(item.ProposedField), item.Confidence, item.UserCorrected, string(item.CorrectedField),
		)
		if err != nil {
			return err
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

// ListAiIngestChecks returns audit records, optionally filtered by status, newest first.
func ListAiIngestChecks(ctx context.Context, q database.Querier, status models.AiCheckStatus) ([]models.AiIngestToCheck, error) {
	query := `
		SELECT id, user_id, import_batch_id, broker_id, format_id, order_ids, status, reviewer_notes, reviewed_by,
			created_at, updated_at
		FROM ai_ingest_checks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []models.AiIngestToCheck
	for rows.Next() {
		var (
			c                            models.AiIngestToCheck
			brokerID, formatID, reviewer sql.NullInt64
			orderIDs, st                 string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.ImportBatchID, &brokerID, &formatID, &orderIDs, &st,
			&c.ReviewerNotes, &reviewer, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Status = models.AiCheckStatus(st)
		if brokerID.Valid {
			c.BrokerID = &brokerID.Int64
		}
		if formatID.Valid {
			c.FormatID = &formatID.Int64
		}
		if reviewer.Valid {
			c.ReviewedBy = &reviewer.Int64
		}
		if err := fromJSON(orderIDs, &c.OrderIDs); err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range checks {
		items, err := getFeedbackItems(ctx, q, checks[i].ID)
		if err != nil {
			return nil, err
		}
		checks[i].Feedback = items
	}
	return checks, nil
}

func getFeedbackItems(ctx context.Context, q database.Querier, checkID int64) ([]models.AiIngestFeedbackItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, check_id, header, proposed_field, confidence, user_corrected, corrected_field
		FROM ai_ingest_feedback_items WHERE check_id = ? ORDER BY id`, checkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.AiIngestFeedbackItem{}
	for rows.Next() {
		var (
			it                  models.AiIngestFeedbackItem
			proposed, corrected string
		)
		if err := rows.Scan(&it.ID, &it.CheckID, &it.Header, &proposed, &it.Confidence, &it.UserCorrected, &corrected); err != nil {
			return nil, err
		}
		it.ProposedField = models.CanonicalField(proposed)
		it.CorrectedField = models.CanonicalField(corrected)
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReviewAiIngestCheck records an admin decision. Returns sql.ErrNoRows for an unknown id.
func ReviewAiIngestCheck(ctx context.Context, q database.Querier, id int64, status models.AiCheckStatus, notes string, reviewerID int64, now time.Time) error {
	return execOne(ctx, q,
		`UPDATE ai_ingest_checks SET status = ?, reviewer_notes = ?, reviewed_by = ?, updated_at = ? WHERE id = ?`,
		string(status), notes, reviewerID, now, id)
}
