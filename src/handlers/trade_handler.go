// backend/src/handlers/trade_handler.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/models"
	"github.com/username/tradejournal/backend/src/services"
	"github.com/username/tradejournal/backend/src/utils"
)

const maxTradesPerDelete = 500

type TradeHandler struct {
	trades *services.TradeService
}

func NewTradeHandler(trades *services.TradeService) *TradeHandler {
	return &TradeHandler{trades: trades}
}

func (h *TradeHandler) HandleListTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	filter, err := parseTradeFilter(r)
	if err != nil {
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	trades, err := h.trades.ListTrades(r.Context(), userID, filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, trades)
}

func parseTradeFilter(r *http.Request) (models.TradeFilter, error) {
	q := r.URL.Query()
	filter := models.TradeFilter{Symbol: strings.TrimSpace(q.Get("symbol"))}

	switch status := models.TradeStatus(strings.ToUpper(q.Get("status"))); status {
	case "":
	case models.TradeOpen, models.TradeClosed:
		filter.Status = status
	default:
		return filter, fmt.Errorf("invalid status %q", q.Get("status"))
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, fmt.Errorf("invalid %s date, expected YYYY-MM-DD", p.key)
		}
		if p.key == "to" {
			t = t.AddDate(0, 0, 1)
		}
		*p.dst = &t
	}
	for _, p := range []struct {
		key string
		dst *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid %s", p.key)
		}
		*p.dst = n
	}
	return filter, nil
}

func (h *TradeHandler) HandleGetTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	tradeID, ok := pathID(w, r, "tradeID")
	if !ok {
		return
	}
	trade, err := h.trades.GetTrade(r.Context(), userID, tradeID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, trade)
}

// HandleGetStats serves the journal summary with ETag revalidation.
func (h *TradeHandler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	stats, err := h.trades.GetStats(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeWithETag(w, r, stats)
}

type deleteTradesRequest struct {
	TradeIDs []int64 `json:"tradeIds"`
}

// HandleDeleteTrades deletes trades together with their orders, or answers 409 with the
// trades that share those orders.
func (h *TradeHandler) HandleDeleteTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	var req deleteTradesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.TradeIDs) == 0 {
		utils.SendJSONError(w, "tradeIds cannot be empty", http.StatusBadRequest)
		return
	}
	if len(req.TradeIDs) > maxTradesPerDelete {
		utils.SendJSONError(w, fmt.Sprintf("at most %d trades can be deleted at once", maxTradesPerDelete), http.StatusBadRequest)
		return
	}

	res, err := h.trades.DeleteTrades(r.Context(), userID, req.TradeIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("Trades deleted", "deletedTrades", res.DeletedTrades, "deletedOrders", res.DeletedOrders)
	w.WriteHeader(http.StatusNoContent)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *TradeHandler) HandleSaveNotesDraft(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	tradeID, ok := pathID(w, r, "tradeID")
	if !ok {
		return
	}
	var req notesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.trades.SaveNotesDraft(r.Context(), userID, tradeID, req.Notes); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TradeHandler) HandleCommitNotes(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	tradeID, ok := pathID(w, r, "tradeID")
	if !ok {
		return
	}
	if err := h.trades.CommitNotes(r.Context(), userID, tradeID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	trade, err := h.trades.GetTrade(r.Context(), userID, tradeID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, trade)
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (h *TradeHandler) HandleUpdateTradeTags(w http.ResponseWriter, r *http.Request) {
	h.updateTags(w, r, "tradeID", h.trades.UpdateTradeTags)
}

func (h *TradeHandler) HandleUpdateOrderTags(w http.ResponseWriter, r *http.Request) {
	h.updateTags(w, r, "orderID", h.trades.UpdateOrderTags)
}

type tagUpdater func(ctx context.Context, userID, id int64, tags []string) ([]string, error)

func (h *TradeHandler) updateTags(w http.ResponseWriter, r *http.Request, param string, update tagUpdater) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(w, r, param)
	if !ok {
		return
	}
	var req tagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	tags, err := update(r.Context(), userID, id, req.Tags)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, tagsRequest{Tags: tags})
}

// pathID parses a positive integer URL parameter, answering 400 when it is not one.
func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		utils.SendJSONError(w, fmt.Sprintf("invalid %s", param), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeWithETag answers 304 when the client already holds the current representation.
func writeWithETag(w http.ResponseWriter, r *http.Request, payload any) {
	ctxLogger := logger.FromContext(r.Context())
	currentETag, etagErr := utils.GenerateETag(payload)
	if etagErr != nil {
		ctxLogger.Error("Failed to generate ETag", "path", r.URL.Path, "error", etagErr)
	}

	w.Header().Set("Cache-Control", "no-cache, private")
	if etagErr == nil && currentETag != "" {
		quotedETag := fmt.Sprintf("\"%s\"", currentETag)
		w.Header().Set("ETag", quotedETag)
		for _, cETag := range strings.Split(r.Header.Get("If-None-Match"), ",") {
			if strings.TrimSpace(cETag) == quotedETag {
				ctxLogger.Debug("ETag match", "path", r.URL.Path, "etag", currentETag)
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	utils.WriteJSON(w, http.StatusOK, payload)
}
