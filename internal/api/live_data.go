package api

import (
	"context"
	"encoding/json"
	"errors"
)

// LiveDataSource provides real-time room events from the ingest service to
// the API layer. The service implements this interface; api owns it so
// there is no import cycle.
type LiveDataSource interface {
	// Subscribe returns a channel that receives events matching the filter,
	// and a cancel function to unsubscribe.
	Subscribe(filter EventFilter) (<-chan RoomEvent, func())

	// ReplaySince returns buffered events after the given event ID (for Last-Event-ID recovery).
	ReplaySince(lastEventID string, filter EventFilter) []RoomEvent
}

// RoomService accepts client input for a room.
type RoomService interface {
	LiveDataSource

	// EnqueueAudio validates the room and queues the chunk for transcription.
	EnqueueAudio(ctx context.Context, chunk AudioChunk) (int, error)

	// SubmitText stores already-transcribed text and runs risk analysis on it.
	SubmitText(ctx context.Context, roomID, accessToken, text string) error

	// Join registers a live client in a room. The returned leave func must
	// be called once when the client goes away.
	Join(ctx context.Context, roomID, accessToken string) (leave func(), err error)

	// CompleteSummary records a summary delivered asynchronously and ends the room.
	CompleteSummary(ctx context.Context, roomID, summary string) error
}

// ErrInvalidRoom is returned by RoomService for unknown rooms, wrong access
// tokens and rooms that have already ended.
var ErrInvalidRoom = errors.New("invalid room or access token")

// AudioChunk is one client audio upload.
type AudioChunk struct {
	RoomID      string
	AccessToken string
	Audio       []byte
	MimeType    string
	IsFinal     bool
}

// EventFilter specifies which events a subscriber wants to receive.
// An empty RoomID matches every room.
type EventFilter struct {
	RoomID string
	Types  []string
}

// RoomEvent is a status event ready for transmission.
type RoomEvent struct {
	ID        string `json:"event_id"`
	RoomID    string `json:"roomId"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      []byte `json:"-"` // pre-serialized JSON object payload
}

// Flat returns the event as a single JSON object: the payload fields with
// type and roomId added. WebSocket clients receive this shape.
func (e RoomEvent) Flat() ([]byte, error) {
	m := map[string]any{}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &m); err != nil {
			return nil, err
		}
	}
	m["type"] = e.Type
	m["roomId"] = e.RoomID
	if _, ok := m["timestamp"]; !ok {
		m["timestamp"] = e.Timestamp
	}
	return json.Marshal(m)
}
