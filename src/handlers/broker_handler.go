package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/username/tradejournal/backend/src/services"
	"github.com/username/tradejournal/backend/src/utils"
)

type BrokerHandler struct {
	registry *services.BrokerFormatService
}

func NewBrokerHandler(registry *services.BrokerFormatService) *BrokerHandler {
	return &BrokerHandler{registry: registry}
}

// HandleListBrokers searches brokers by name or alias; without ?q= it lists all of them.
func (h *BrokerHandler) HandleListBrokers(w http.ResponseWriter, r *http.Request) {
	brokers, err := h.registry.SearchBrokers(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, brokers)
}

func (h *BrokerHandler) HandleListFormats(w http.ResponseWriter, r *http.Request) {
	var brokerID int64
	if raw := r.URL.Query().Get("brokerId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			utils.SendJSONError(w, "Invalid brokerId", http.StatusBadRequest)
			return
		}
		brokerID = id
	}
	formats, err := h.registry.ListFormats(r.Context(), brokerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, formats)
}
