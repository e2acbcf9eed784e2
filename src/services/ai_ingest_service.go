package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/username/tradejournal/backend/src/database"
	"github.com/username/tradejournal/backend/src/model"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/security/validation"
)

// AiAccuracy summarizes how often humans kept the AI's proposed fields.
type AiAccuracy struct {
	Checks        int     `json:"checks"`
	Fields        int     `json:"fields"`
	Corrected     int     `json:"corrected"`
	AcceptedRatio float64 `json:"acceptedRatio"`
}

// AiIngestService exposes the AI mapping audit trail to admins. Nothing here feeds back
// into ingestion.
type AiIngestService struct {
	db  *database.DB
	log *slog.Logger
}

func NewAiIngestService(db *database.DB, log *slog.Logger) *AiIngestService {
	return &AiIngestService{db: db, log: log}
}

// ListChecks returns audit records, all of them when status is empty.
func (s *AiIngestService) ListChecks(ctx context.Context, status models.AiCheckStatus) ([]models.AiIngestToCheck, error) {
	if status != "" && status != models.AiCheckPending && status != models.AiCheckReviewed && status != models.AiCheckRejected {
		return nil, fmt.Errorf("%w: unknown status %q", validation.ErrValidationFailed, status)
	}
	checks, err := model.ListAiIngestChecks(ctx, s.db, status)
	if err != nil {
		return nil, fmt.Errorf("error listing AI ingest checks: %w", err)
	}
	return nonNil(checks), nil
}

// ReviewCheck marks a check REVIEWED or REJECTED.
func (s *AiIngestService) ReviewCheck(ctx context.Context, checkID int64, status models.AiCheckStatus, notes string, reviewerID int64) error {
	if status != models.AiCheckReviewed && status != models.AiCheckRejected {
		return fmt.Errorf("%w: review status must be %s or %s", validation.ErrValidationFailed, models.AiCheckReviewed, models.AiCheckRejected)
	}
	notes = validation.StripUnprintable(validation.SanitizeText(notes))
	if err := validation.ValidateNotes(notes); err != nil {
		return err
	}
	err := model.ReviewAiIngestCheck(ctx, s.db, checkID, status, notes, reviewerID, now())
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrCheckNotFound, checkID)
	}
	if err != nil {
		return fmt.Errorf("error reviewing AI ingest check %d: %w", checkID, err)
	}
	s.log.Info("AI ingest check reviewed", "checkID", checkID, "status", status, "reviewerID", reviewerID)
	return nil
}

// Accuracy counts, over every recorded check, the proposed fields a human overrode.
func (s *AiIngestService) Accuracy(ctx context.Context) (*AiAccuracy, error) {
	checks, err := s.ListChecks(ctx, "")
	if err != nil {
		return nil, err
	}
	acc := &AiAccuracy{Checks: len(checks)}
	for _, c := range checks {
		for _, item := range c.Feedback {
			acc.Fields++
			if item.UserCorrected {
				acc.Corrected++
			}
		}
	}
	if acc.Fields > 0 {
		acc.AcceptedRatio = roundFloat(float64(acc.Fields-acc.Corrected)/float64(acc.Fields), 4)
	}
	return acc, nil
}
