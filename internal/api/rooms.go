package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/Knarf49/leganizebackend/internal/database"
)

// RoomReader is the read side of room persistence used by the HTTP handlers.
type RoomReader interface {
	ValidateRoom(ctx context.Context, id, token string, requireActive bool) (*database.Room, error)
	GetRoom(ctx context.Context, id string) (*database.Room, error)
	ListTranscriptChunks(ctx context.Context, roomID string) ([]database.TranscriptChunk, error)
	ListLegalRisks(ctx context.Context, roomID string) ([]database.LegalRisk, error)
}

func isRoomAccessError(err error) bool {
	return errors.Is(err, database.ErrRoomNotFound) ||
		errors.Is(err, database.ErrInvalidToken) ||
		errors.Is(err, database.ErrRoomEnded)
}

type RoomsHandler struct {
	rooms RoomReader
	svc   RoomService
}

func NewRoomsHandler(rooms RoomReader, svc RoomService) *RoomsHandler {
	return &RoomsHandler{rooms: rooms, svc: svc}
}

type chunkRequest struct {
	Text    string `json:"text"`
	IsFinal *bool  `json:"isFinal"`
}

// SubmitChunk accepts already-transcribed text for a room. Partial
// (isFinal=false) transcripts are acknowledged and dropped.
func (h *RoomsHandler) SubmitChunk(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		WriteError(w, http.StatusUnauthorized, "Missing access token")
		return
	}
	var req chunkRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		WriteError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.IsFinal != nil && !*req.IsFinal {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": true})
		return
	}

	roomID := chi.URLParam(r, "id")
	// The pipeline may call out to the LLM services; a client hang-up must
	// not abort a pass halfway.
	err := h.svc.SubmitText(context.WithoutCancel(r.Context()), roomID, token, req.Text)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, ErrInvalidRoom):
		WriteError(w, http.StatusUnauthorized, "Invalid room or access token")
	default:
		hlog.FromRequest(r).Error().Err(err).Str("room_id", roomID).Msg("chunk ingest failed")
		WriteError(w, http.StatusInternalServerError, "Failed to process chunk")
	}
}

type roomSummaryResponse struct {
	Room        *database.Room             `json:"room"`
	Transcripts []database.TranscriptChunk `json:"transcripts"`
	LegalRisks  []database.LegalRisk       `json:"legalRisks"`
	Metadata    summaryMetadata            `json:"metadata"`
}

type summaryMetadata struct {
	TranscriptCount int  `json:"transcriptCount"`
	LegalRiskCount  int  `json:"legalRiskCount"`
	HasSummary      bool `json:"hasSummary"`
}

// GetSummary returns a room with its transcript and findings.
func (h *RoomsHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	ctx := r.Context()

	room, err := h.rooms.GetRoom(ctx, roomID)
	if errors.Is(err, database.ErrRoomNotFound) {
		WriteError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "Failed to fetch room summary", err.Error())
		return
	}
	transcripts, err := h.rooms.ListTranscriptChunks(ctx, roomID)
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "Failed to fetch room summary", err.Error())
		return
	}
	risks, err := h.rooms.ListLegalRisks(ctx, roomID)
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "Failed to fetch room summary", err.Error())
		return
	}
	if transcripts == nil {
		transcripts = []database.TranscriptChunk{}
	}
	if risks == nil {
		risks = []database.LegalRisk{}
	}

	WriteJSON(w, http.StatusOK, roomSummaryResponse{
		Room:        room,
		Transcripts: transcripts,
		LegalRisks:  risks,
		Metadata: summaryMetadata{
			TranscriptCount: len(transcripts),
			LegalRiskCount:  len(risks),
			HasSummary:      room.FinalSummary != nil && *room.FinalSummary != "",
		},
	})
}
