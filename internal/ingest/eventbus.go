package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Knarf49/leganizebackend/internal/api"
	"github.com/Knarf49/leganizebackend/internal/metrics"
)

// EventBus fans room status events out to WebSocket, SSE and MQTT
// subscribers. It keeps a ring buffer of recent events for replay on
// reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []api.RoomEvent
	ringSize int
	ringHead int
	ringMu   sync.RWMutex

	now func() time.Time
}

type subscriber struct {
	ch     chan api.RoomEvent
	filter api.EventFilter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]api.RoomEvent, ringSize),
		ringSize:    ringSize,
		now:         time.Now,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (eb *EventBus) Subscribe(filter api.EventFilter) (<-chan api.RoomEvent, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan api.RoomEvent, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subscribers, id)
			eb.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// ReplaySince returns buffered events after the given event ID. An empty
// ID returns everything still buffered; an ID that has already rotated out
// returns nothing.
func (eb *EventBus) ReplaySince(lastEventID string, filter api.EventFilter) []api.RoomEvent {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var events []api.RoomEvent
	found := lastEventID == ""

	for i := 0; i < eb.ringSize; i++ {
		idx := (eb.ringHead + i) % eb.ringSize
		e := eb.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}

// Publish sends an event to all matching subscribers and adds it to the
// ring buffer. Slow subscribers miss events rather than block the room.
func (eb *EventBus) Publish(roomID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if payload == nil {
		data = []byte("{}")
	}

	now := eb.now()
	seq := eb.seq.Add(1)
	event := api.RoomEvent{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), seq),
		RoomID:    roomID,
		Type:      eventType,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Data:      data,
	}

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	metrics.EventsPublishedTotal.Inc()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	eb.mu.RUnlock()
}

func matchesFilter(e api.RoomEvent, f api.EventFilter) bool {
	if f.RoomID != "" && f.RoomID != e.RoomID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if strings.TrimSpace(t) == e.Type {
			return true
		}
	}
	return false
}
