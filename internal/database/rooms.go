package database

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Room statuses.
const (
	RoomActive = "ACTIVE"
	RoomEnded  = "ENDED"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrInvalidToken = errors.New("invalid room access token")
	ErrRoomEnded    = errors.New("room has ended")
)

// Room is one meeting session.
type Room struct {
	ID           string     `json:"id"`
	AccessToken  string     `json:"-"`
	Status       string     `json:"status"`
	CompanyType  string     `json:"company_type"`
	ThreadID     string     `json:"thread_id"`
	FinalSummary *string    `json:"final_summary,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// GetRoom loads a room by id. Returns ErrRoomNotFound if it does not exist.
func (db *DB) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := db.Pool.QueryRow(ctx, `
		SELECT id, access_token, status, company_type, thread_id,
			final_summary, created_at, ended_at
		FROM rooms
		WHERE id = $1
	`, id).Scan(
		&r.ID, &r.AccessToken, &r.Status, &r.CompanyType, &r.ThreadID,
		&r.FinalSummary, &r.CreatedAt, &r.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return &r, nil
}

// ValidateRoom loads a room and checks the caller's access token.
// With requireActive set, an ENDED room yields ErrRoomEnded.
func (db *DB) ValidateRoom(ctx context.Context, id, token string, requireActive bool) (*Room, error) {
	r, err := db.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tokenMatches(r.AccessToken, token) {
		return nil, ErrInvalidToken
	}
	if requireActive && r.Status != RoomActive {
		return nil, ErrRoomEnded
	}
	return r, nil
}

// tokenMatches compares in constant time. An empty stored token never matches.
func tokenMatches(stored, given string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

// EndRoom marks a room ENDED with the given final summary and returns the
// recorded end time. Calling it on an already ended room overwrites the summary.
func (db *DB) EndRoom(ctx context.Context, id, summary string) (time.Time, error) {
	var endedAt time.Time
	err := db.Pool.QueryRow(ctx, `
		UPDATE rooms SET
			status = 'ENDED',
			final_summary = $2,
			ended_at = COALESCE(ended_at, now())
		WHERE id = $1
		RETURNING ended_at
	`, id, summary).Scan(&endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrRoomNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("end room %s: %w", id, err)
	}
	return endedAt, nil
}
