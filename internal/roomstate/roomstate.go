// Package roomstate holds the per-room risk window buffer and cooldown
// marker. Both live in a shared store so they survive process restarts.
package roomstate

import (
	"context"
	"time"
)

// Store is the typed per-room accessor for window and cooldown state.
// Each room's state is mutated only by that room's own drain sequence,
// so every method is a single-key operation with no cross-call locking.
type Store interface {
	// Append pushes text onto the room's window, truncates it to the last
	// Size() entries, refreshes its expiry and returns the resulting length.
	Append(ctx context.Context, roomID, text string) (int, error)
	// Len returns the current window length.
	Len(ctx context.Context, roomID string) (int, error)
	// Window returns the buffered segments, oldest first.
	Window(ctx context.Context, roomID string) ([]string, error)
	// Clear empties the window.
	Clear(ctx context.Context, roomID string) error
	// InCooldown reports whether an alert was recorded less than the
	// cooldown period ago.
	InCooldown(ctx context.Context, roomID string) (bool, error)
	// SetCooldown records now as the room's last alert time.
	SetCooldown(ctx context.Context, roomID string) error
	// Size is the window capacity K.
	Size() int
}

// Options configures a Store.
type Options struct {
	WindowSize int
	Cooldown   time.Duration
	// BufferTTL drops a window nobody has appended to for this long.
	// Chunks analyzed after a room ended would otherwise leave one behind.
	BufferTTL  time.Duration
	Now        func() time.Time // defaults to time.Now
}

const defaultBufferTTL = time.Hour

func (o Options) withDefaults() Options {
	if o.WindowSize < 1 {
		o.WindowSize = 3
	}
	if o.BufferTTL <= 0 {
		o.BufferTTL = defaultBufferTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func bufferKey(roomID string) string   { return "room:" + roomID + ":buffer" }
func cooldownKey(roomID string) string { return "room:" + roomID + ":cooldown" }

// cooling reports whether a marker written at markedAt is still fresh.
func cooling(now, markedAt time.Time, cooldown time.Duration) bool {
	return now.Sub(markedAt) < cooldown
}
