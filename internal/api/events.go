package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

type EventsHandler struct {
	live  LiveDataSource
	rooms RoomReader
}

func NewEventsHandler(live LiveDataSource, rooms RoomReader) *EventsHandler {
	return &EventsHandler{live: live, rooms: rooms}
}

// StreamRoomEvents opens an SSE connection and pushes the room's status
// events. The room access token is required; ended rooms may still be
// watched so clients see the final summary.
func (h *EventsHandler) StreamRoomEvents(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}
	roomID := chi.URLParam(r, "id")
	if _, err := h.rooms.ValidateRoom(r.Context(), roomID, roomToken(r), false); err != nil {
		writeRoomError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := EventFilter{RoomID: roomID}
	if v := r.URL.Query().Get("types"); v != "" {
		filter.Types = strings.Split(v, ",")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The stream outlives the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	var replayed uint64
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			writeSSE(w, e)
			replayed = eventSeq(e.ID)
		}
	}
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	log := hlog.FromRequest(r).With().Str("room_id", roomID).Logger()
	log.Info().Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if replayed != 0 && eventSeq(event.ID) <= replayed {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// eventSeq returns the publish sequence number encoded in an event ID
// ("<unix-ms>-<seq>"), or 0 if the ID is not in that form.
func eventSeq(id string) uint64 {
	_, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, e RoomEvent) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

// writeRoomError maps room lookup errors to HTTP statuses.
func writeRoomError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRoom), isRoomAccessError(err):
		WriteError(w, http.StatusForbidden, "Invalid room or access token")
	default:
		WriteError(w, http.StatusInternalServerError, "room lookup failed")
	}
}
