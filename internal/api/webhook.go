package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/Knarf49/leganizebackend/internal/risk"
)

type WebhookHandler struct {
	svc RoomService
}

func NewWebhookHandler(svc RoomService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// SummaryCallback receives a summary produced asynchronously by the summary
// service and ends the room with it.
func (h *WebhookHandler) SummaryCallback(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := DecodeJSON(w, r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	roomID := risk.ExtractRoomID(body)
	if roomID == "" {
		WriteError(w, http.StatusBadRequest, "roomId not found in webhook payload")
		return
	}
	summary := risk.ExtractSummary(body)
	if summary == "" {
		// Keep whatever the service sent rather than ending with nothing.
		raw, _ := json.MarshalIndent(body, "", "  ")
		summary = string(raw)
	}

	log := hlog.FromRequest(r).With().Str("room_id", roomID).Logger()
	if err := h.svc.CompleteSummary(r.Context(), roomID, summary); err != nil {
		if errors.Is(err, ErrInvalidRoom) {
			WriteError(w, http.StatusNotFound, "Room not found")
			return
		}
		log.Error().Err(err).Msg("summary webhook failed")
		WriteError(w, http.StatusInternalServerError, "Failed to process summary webhook")
		return
	}
	log.Info().Int("summary_length", len(summary)).Msg("summary received via webhook")

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"roomId":        roomID,
		"summaryLength": len(summary),
	})
}
