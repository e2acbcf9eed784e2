package handlers

import (
	"errors"
	"net/http"

	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/parsers"
	"github.com/username/tradejournal/backend/src/security/validation"
	"github.com/username/tradejournal/backend/src/services"
	"github.com/username/tradejournal/backend/src/utils"
)

type batchErrorResponse struct {
	Error         string `json:"error"`
	ImportBatchID string `json:"importBatchId"`
	Retryable     bool   `json:"retryable"`
	Line          int    `json:"line,omitempty"`
}

type conflictResponse struct {
	Error string `json:"error"`
	*services.DeletionConflictError
}

// writeServiceError maps service errors to status codes. Errors with detail get a
// structured body; everything else is {"error": ...}.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctxLogger := logger.FromContext(r.Context())

	var conflict *services.DeletionConflictError
	if errors.As(err, &conflict) {
		utils.WriteJSON(w, http.StatusConflict, conflictResponse{Error: conflict.Error(), DeletionConflictError: conflict})
		return
	}

	var batchErr *services.BatchError
	if errors.As(err, &batchErr) {
		resp := batchErrorResponse{Error: err.Error(), ImportBatchID: batchErr.BatchID, Retryable: batchErr.Retryable}
		var parseErr *parsers.ParseError
		if errors.As(err, &parseErr) {
			resp.Line = parseErr.Line
		}
		var status int
		switch {
		case errors.Is(err, services.ErrAIService):
			status = http.StatusBadGateway
		case errors.Is(err, services.ErrNoRowsImported):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, services.ErrParsingFailed):
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
			resp.Error = "import failed; the batch can be retried"
		}
		ctxLogger.Warn("Import batch failed", "batchID", batchErr.BatchID, "status", status, "error", err)
		utils.WriteJSON(w, status, resp)
		return
	}

	switch {
	case errors.Is(err, services.ErrUploadLimitReached):
		utils.SendJSONError(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, services.ErrBatchNotFound),
		errors.Is(err, services.ErrTradeNotFound),
		errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrCheckNotFound):
		utils.SendJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, services.ErrBatchNotPending), errors.Is(err, services.ErrBatchNotRetryable):
		utils.SendJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrMappingIncomplete):
		utils.SendJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrInvalidCorrection),
		errors.Is(err, services.ErrParsingFailed),
		errors.Is(err, validation.ErrValidationFailed):
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		ctxLogger.Error("Unhandled service error", "path", r.URL.Path, "error", err)
		utils.SendJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}
