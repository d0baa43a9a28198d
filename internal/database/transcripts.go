package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TranscriptChunk is one persisted unit of transcribed text.
type TranscriptChunk struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertTranscriptChunk appends a transcript chunk to a room.
func (db *DB) InsertTranscriptChunk(ctx context.Context, roomID, content string) (*TranscriptChunk, error) {
	c := TranscriptChunk{
		ID:      uuid.NewString(),
		RoomID:  roomID,
		Content: content,
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO transcript_chunks (id, room_id, content)
		VALUES ($1::uuid, $2, $3)
		RETURNING created_at
	`, c.ID, c.RoomID, c.Content).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transcript chunk: %w", err)
	}
	return &c, nil
}

// ListTranscriptChunks returns all chunks of a room ordered by creation time.
func (db *DB) ListTranscriptChunks(ctx context.Context, roomID string) ([]TranscriptChunk, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id::text, room_id, content, created_at
		FROM transcript_chunks
		WHERE room_id = $1
		ORDER BY created_at, id
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TranscriptChunk
	for rows.Next() {
		var c TranscriptChunk
		if err := rows.Scan(&c.ID, &c.RoomID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if result == nil {
		result = []TranscriptChunk{}
	}
	return result, rows.Err()
}
