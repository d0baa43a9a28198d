package mqttclient

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Knarf49/leganizebackend/internal/api"
)

// EventSource is the room event feed being mirrored.
type EventSource interface {
	Subscribe(filter api.EventFilter) (<-chan api.RoomEvent, func())
}

// Publisher sends one message to a topic. *Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Mirror republishes every room event to {prefix}/rooms/{roomId}/events so
// devices and other services can follow a meeting without a WebSocket.
type Mirror struct {
	src    EventSource
	pub    Publisher
	prefix string
	types  []string
	log    zerolog.Logger
}

func NewMirror(src EventSource, pub Publisher, prefix string, log zerolog.Logger) *Mirror {
	return &Mirror{
		src:    src,
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log.With().Str("component", "mqtt").Logger(),
	}
}

// OnlyTypes restricts the mirror to the given event types.
func (m *Mirror) OnlyTypes(types ...string) *Mirror {
	m.types = types
	return m
}

// Topic returns the topic events for roomID are published on.
func (m *Mirror) Topic(roomID string) string {
	if m.prefix == "" {
		return "rooms/" + roomID + "/events"
	}
	return m.prefix + "/rooms/" + roomID + "/events"
}

// Run mirrors events until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	ch, cancel := m.src.Subscribe(api.EventFilter{Types: m.types})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := e.Flat()
			if err != nil {
				m.log.Warn().Err(err).Str("event", e.Type).Msg("skipping unencodable event")
				continue
			}
			if err := m.pub.Publish(m.Topic(e.RoomID), payload); err != nil {
				m.log.Warn().Err(err).Str("room_id", e.RoomID).Str("event", e.Type).Msg("mqtt publish failed")
			}
		}
	}
}
