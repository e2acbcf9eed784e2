package model

import (
	"context"
	"time"

	"github.com/username/tradejournal/backend/src/database"
)

// InsertUploadHistory records one completed import against the user's quota.
func InsertUploadHistory(ctx context.Context, q database.Querier, userID int64, batchID, filename string, fileSize int64, now time.Time) error {
	query := `
		INSERT INTO upload_history (user_id, import_batch_id, filename, file_size, created_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query, userID, batchID, filename, fileSize, now)
	return err
}

// CountUploadsSince counts the user's completed imports at or after since.
func CountUploadsSince(ctx context.Context, q database.Querier, userID int64, since time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_history WHERE user_id = ? AND created_at >= ?`, userID, since).Scan(&n)
	return n, err
}
