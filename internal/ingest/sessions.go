package ingest

import "sync"

// Sessions tracks the live clients of each room and reports when a room's
// last client leaves.
type Sessions struct {
	mu      sync.Mutex
	rooms   map[string]map[uint64]struct{}
	nextID  uint64
	onEmpty func(roomID string)
}

// NewSessions creates a registry. onEmpty runs, outside the registry lock,
// each time a room's client count drops to zero.
func NewSessions(onEmpty func(roomID string)) *Sessions {
	return &Sessions{
		rooms:   make(map[string]map[uint64]struct{}),
		onEmpty: onEmpty,
	}
}

// Join registers one client. The returned func removes it and is safe to
// call more than once.
func (s *Sessions) Join(roomID string) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	set := s.rooms[roomID]
	if set == nil {
		set = make(map[uint64]struct{})
		s.rooms[roomID] = set
	}
	set[id] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.leave(roomID, id) })
	}
}

func (s *Sessions) leave(roomID string, id uint64) {
	s.mu.Lock()
	set := s.rooms[roomID]
	delete(set, id)
	empty := set != nil && len(set) == 0
	if empty {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	if empty && s.onEmpty != nil {
		s.onEmpty(roomID)
	}
}

// Count returns the number of clients in a room.
func (s *Sessions) Count(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[roomID])
}

// Rooms returns the number of rooms with at least one client.
func (s *Sessions) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Total returns the number of connected clients across all rooms.
func (s *Sessions) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.rooms {
		n += len(set)
	}
	return n
}
