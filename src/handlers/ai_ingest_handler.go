package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/services"
	"github.com/username/tradejournal/backend/src/utils"
)

// AiIngestHandler exposes the AI mapping audit trail to admins.
type AiIngestHandler struct {
	audit *services.AiIngestService
}

func NewAiIngestHandler(audit *services.AiIngestService) *AiIngestHandler {
	return &AiIngestHandler{audit: audit}
}

func (h *AiIngestHandler) HandleListChecks(w http.ResponseWriter, r *http.Request) {
	status := models.AiCheckStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	checks, err := h.audit.ListChecks(r.Context(), status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, checks)
}

type reviewRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (h *AiIngestHandler) HandleReviewCheck(w http.ResponseWriter, r *http.Request) {
	reviewerID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	checkID, ok := pathID(w, r, "checkID")
	if !ok {
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	status := models.AiCheckStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if err := h.audit.ReviewCheck(r.Context(), checkID, status, req.Notes, reviewerID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AiIngestHandler) HandleAccuracy(w http.ResponseWriter, r *http.Request) {
	acc, err := h.audit.Accuracy(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, acc)
}
