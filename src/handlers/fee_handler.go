package handlers

import (
	"net/http"

	"github.com/username/tradejournal/backend/src/logger"
	"github.com/username/tradejournal/backend/src/services"
	"github.com/username/tradejournal/backend/src/utils"
)

type FeeHandler struct {
	trades *services.TradeService
}

func NewFeeHandler(trades *services.TradeService) *FeeHandler {
	return &FeeHandler{trades: trades}
}

func (h *FeeHandler) HandleGetFeeDetails(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	logger.FromContext(r.Context()).Info("Handling GetFeeDetails request")

	feeDetails, err := h.trades.GetFeeDetails(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeWithETag(w, r, feeDetails)
}
