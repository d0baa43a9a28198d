package ingest

import (
	"sync"
	"testing"
)

func TestSessions(t *testing.T) {
	t.Run("last_leave_fires_once", func(t *testing.T) {
		var mu sync.Mutex
		var emptied []string
		s := NewSessions(func(roomID string) {
			mu.Lock()
			emptied = append(emptied, roomID)
			mu.Unlock()
		})

		leave1 := s.Join("room-1")
		leave2 := s.Join("room-1")
		leaveOther := s.Join("room-2")

		if got := s.Count("room-1"); got != 2 {
			t.Fatalf("Count = %d, want 2", got)
		}
		if got := s.Total(); got != 3 {
			t.Fatalf("Total = %d, want 3", got)
		}

		leave1()
		leave1()
		if len(emptied) != 0 {
			t.Fatalf("onEmpty fired early: %v", emptied)
		}
		leave2()
		if len(emptied) != 1 || emptied[0] != "room-1" {
			t.Fatalf("emptied = %v, want [room-1]", emptied)
		}
		if s.Rooms() != 1 {
			t.Errorf("Rooms = %d, want 1", s.Rooms())
		}
		leaveOther()
		if len(emptied) != 2 {
			t.Errorf("emptied = %v, want 2 rooms", emptied)
		}
	})

	t.Run("rejoin_after_empty", func(t *testing.T) {
		n := 0
		s := NewSessions(func(string) { n++ })
		s.Join("r")()
		s.Join("r")()
		if n != 2 {
			t.Errorf("onEmpty calls = %d, want 2", n)
		}
	})
}
