package roomstate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no Redis URL is configured.
// State does not survive a restart.
type MemoryStore struct {
	opts Options

	mu        sync.Mutex
	windows   map[string][]string
	touched   map[string]time.Time
	cooldowns map[string]time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:      opts.withDefaults(),
		windows:   make(map[string][]string),
		touched:   make(map[string]time.Time),
		cooldowns: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Size() int { return s.opts.WindowSize }

func (s *MemoryStore) Append(_ context.Context, roomID, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	s.expire(now)
	w := append(s.windows[roomID], text)
	if over := len(w) - s.opts.WindowSize; over > 0 {
		w = append([]string(nil), w[over:]...)
	}
	s.windows[roomID] = w
	s.touched[roomID] = now
	return len(w), nil
}

func (s *MemoryStore) Len(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window(roomID)), nil
}

func (s *MemoryStore) Window(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.window(roomID)
	out := make([]string, len(w))
	copy(out, w)
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, roomID)
	delete(s.touched, roomID)
	return nil
}

// window returns the room's live window, dropping it first if it expired.
// Callers hold s.mu.
func (s *MemoryStore) window(roomID string) []string {
	if at, ok := s.touched[roomID]; ok && s.opts.Now().Sub(at) >= s.opts.BufferTTL {
		delete(s.windows, roomID)
		delete(s.touched, roomID)
	}
	return s.windows[roomID]
}

// expire drops every window idle for BufferTTL. Callers hold s.mu.
func (s *MemoryStore) expire(now time.Time) {
	for id, at := range s.touched {
		if now.Sub(at) >= s.opts.BufferTTL {
			delete(s.windows, id)
			delete(s.touched, id)
		}
	}
}

// rooms reports how many rooms hold a window.
func (s *MemoryStore) rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *MemoryStore) InCooldown(_ context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.cooldowns[roomID]
	if !ok {
		return false, nil
	}
	if !cooling(s.opts.Now(), at, s.opts.Cooldown) {
		delete(s.cooldowns, roomID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) SetCooldown(_ context.Context, roomID string) error {
	if s.opts.Cooldown <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[roomID] = s.opts.Now()
	return nil
}
