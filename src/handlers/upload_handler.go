// backend/src/handlers/upload_handler.go
package handlers

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/security/validation"
	"github.com/username/tradejournal/backend/src/services"
	"github.com/username/tradejournal/backend/src/utils"
)

//go:embed templates/trade_import_template.csv
var importTemplate []byte

const templateFilename = "trade_import_template.csv"

type UploadHandler struct {
	ingestion     services.IngestionService
	maxUploadSize int64
}

func NewUploadHandler(ingestion services.IngestionService, maxUploadSize int64) *UploadHandler {
	return &UploadHandler{ingestion: ingestion, maxUploadSize: maxUploadSize}
}

// HandleUpload accepts a multipart form with a "file" field or a raw CSV body with
// ?filename=. Completed imports answer 200, batches awaiting review 202.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}
	ctxLogger := logger.FromContext(r.Context())

	if err := h.ingestion.CheckUploadQuota(r.Context(), userID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	req, status, err := h.readUpload(w, r)
	if err != nil {
		ctxLogger.Warn("Upload request rejected", "error", err)
		utils.SendJSONError(w, err.Error(), status)
		return
	}
	req.UserID = userID

	ctxLogger.Info("Processing upload request", "filename", req.Filename, "size", len(req.Data), "contentType", req.ContentType)
	result, err := h.ingestion.Upload(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status = http.StatusOK
	if result.PendingReview != nil {
		status = http.StatusAccepted
	}
	utils.WriteJSON(w, status, result)
}

// readUpload extracts the file and options from either request shape.
func (h *UploadHandler) readUpload(w http.ResponseWriter, r *http.Request) (services.UploadRequest, int, error) {
	var req services.UploadRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+1<<20)
		if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
			return req, http.StatusBadRequest, fmt.Errorf("failed to parse upload or file too large (max %d MB)", h.maxUploadSize/(1024*1024))
		}
		file, fileHeader, err := r.FormFile("file")
		if err != nil {
			return req, http.StatusBadRequest, fmt.Errorf("failed to retrieve file from request; ensure the 'file' field is used")
		}
		defer file.Close()

		if fileHeader.Size > h.maxUploadSize {
			return req, http.StatusRequestEntityTooLarge, fmt.Errorf("file too large, max %d MB", h.maxUploadSize/(1024*1024))
		}
		clientContentType := fileHeader.Header.Get("Content-Type")
		if clientContentType != "" {
			if err := validation.ValidateClientContentType(clientContentType); err != nil {
				return req, http.StatusBadRequest, err
			}
		}
		detected, err := validation.ValidateFileContentByMagicBytes(file)
		if err != nil {
			return req, http.StatusBadRequest, err
		}
		data, err := io.ReadAll(file)
		if err != nil {
			return req, http.StatusBadRequest, fmt.Errorf("failed to read uploaded file: %w", err)
		}

		req.Filename = filepath.Base(fileHeader.Filename)
		req.ContentType = detected
		if clientContentType != "" && detected != validation.ContentTypeXLSX {
			req.ContentType = clientContentType
		}
		req.Data = data
		req.AccountTags = splitList(r.FormValue("accountTags"))
		req.BrokerName = strings.TrimSpace(r.FormValue("brokerName"))
		return req, 0, nil
	}

	if err := validation.ValidateClientContentType(r.Header.Get("Content-Type")); err != nil {
		return req, http.StatusUnsupportedMediaType, err
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxUploadSize+1))
	if err != nil {
		return req, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(data)) > h.maxUploadSize {
		return req, http.StatusRequestEntityTooLarge, fmt.Errorf("file too large, max %d MB", h.maxUploadSize/(1024*1024))
	}
	if _, err := validation.ValidateFileContentByMagicBytes(bytes.NewReader(data)); err != nil {
		return req, http.StatusBadRequest, err
	}

	q := r.URL.Query()
	req.Filename = filepath.Base(strings.TrimSpace(q.Get("filename")))
	if req.Filename == "" || req.Filename == "." {
		req.Filename = "upload.csv"
	}
	req.ContentType = r.Header.Get("Content-Type")
	req.Data = data
	req.AccountTags = splitList(q.Get("accountTags"))
	req.BrokerName = strings.TrimSpace(q.Get("brokerName"))
	return req, 0, nil
}

type finalizeRequest struct {
	Approved    *bool             `json:"approved"`
	Corrections map[string]string `json:"corrections"`
	BrokerName  string            `json:"brokerName"`
	Reason      string            `json:"reason"`
}

func (h *UploadHandler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	batchID := chi.URLParam(r, "batchID")

	var body finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Approved == nil {
		utils.SendJSONError(w, "approved is required", http.StatusBadRequest)
		return
	}
	if body.BrokerName != "" {
		if err := validation.ValidateBrokerName(body.BrokerName); err != nil {
			utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	logger.FromContext(r.Context()).Info("Finalizing mapping", "batchID", batchID, "approved", *body.Approved, "corrections", len(body.Corrections))
	result, err := h.ingestion.FinalizeMappings(r.Context(), services.FinalizeRequest{
		UserID:      userID,
		BatchID:     batchID,
		Approved:    *body.Approved,
		Corrections: body.Corrections,
		BrokerName:  body.BrokerName,
		Reason:      validation.SanitizeText(body.Reason),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, result)
}

func (h *UploadHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	result, err := h.ingestion.RetryMapping(r.Context(), userID, chi.URLParam(r, "batchID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.PendingReview != nil {
		status = http.StatusAccepted
	}
	utils.WriteJSON(w, status, result)
}

func (h *UploadHandler) HandleAbandon(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if err := h.ingestion.AbandonBatch(r.Context(), userID, chi.URLParam(r, "batchID")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchResponse struct {
	*models.ImportBatch
	PendingReview    *models.PendingReview    `json:"pendingReview,omitempty"`
	FinalizedMapping *models.FinalizedMapping `json:"finalizedMapping,omitempty"`
}

func (h *UploadHandler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	batch, err := h.ingestion.GetBatch(r.Context(), userID, chi.URLParam(r, "batchID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := batchResponse{ImportBatch: batch}
	switch state := batch.MappingState.(type) {
	case models.PendingReview:
		resp.PendingReview = &state
	case models.FinalizedMapping:
		resp.FinalizedMapping = &state
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

// HandleGetTemplate serves the canonical import layout.
func (h *UploadHandler) HandleGetTemplate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", templateFilename))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(importTemplate); err != nil {
		logger.FromContext(r.Context()).Error("Error writing import template", "error", err)
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
