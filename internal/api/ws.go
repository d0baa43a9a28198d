package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 50 * time.Second
	wsMaxMessageSize = 16 << 20
	wsSendBuffer     = 32
)

// Client message types.
const (
	msgAudioChunk  = "audio-chunk"
	msgTranscribed = "transcribed-for-analysis"
)

type wsMessage struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	AccessToken string `json:"accessToken"`
	Audio       string `json:"audio"`
	MimeType    string `json:"mimeType"`
	IsFinal     bool   `json:"isFinal"`
	Text        string `json:"text"`
}

// WSHandler serves the bidirectional client channel: audio and text in,
// room status events out.
type WSHandler struct {
	svc      RoomService
	upgrader websocket.Upgrader
}

func NewWSHandler(svc RoomService, origins []string) *WSHandler {
	return &WSHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	token := r.URL.Query().Get("accessToken")
	log := hlog.FromRequest(r).With().Str("room_id", roomID).Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if roomID == "" || token == "" {
		closeWS(conn, websocket.ClosePolicyViolation, "Missing roomId or accessToken")
		return
	}

	// The connection outlives the request context once hijacked.
	ctx := context.WithoutCancel(r.Context())

	leave, err := h.svc.Join(ctx, roomID, token)
	if err != nil {
		if errors.Is(err, ErrInvalidRoom) {
			writeWSJSON(conn, errorMessage("Invalid room or access token", ""))
			closeWS(conn, websocket.ClosePolicyViolation, "Invalid room or access token")
		} else {
			log.Error().Err(err).Msg("join room failed")
			closeWS(conn, websocket.CloseInternalServerErr, "room lookup failed")
		}
		return
	}
	defer leave()

	events, cancel := h.svc.Subscribe(EventFilter{RoomID: roomID})
	defer cancel()

	c := &wsClient{
		conn:   conn,
		roomID: roomID,
		token:  token,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		svc:    h.svc,
		log:    log,
	}
	go c.writeLoop(events)
	defer close(c.done)

	c.reply(map[string]any{
		"type":      "connected",
		"roomId":    roomID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	log.Info().Msg("websocket client connected")

	c.readLoop(ctx)
	log.Info().Msg("websocket client disconnected")
}

type wsClient struct {
	conn   *websocket.Conn
	roomID string
	token  string
	send   chan []byte
	done   chan struct{}
	svc    RoomService
	log    zerolog.Logger
}

// writeLoop is the only goroutine that writes to the connection.
func (c *wsClient) writeLoop(events <-chan RoomEvent) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		var msg []byte
		select {
		case <-c.done:
			return
		case msg = <-c.send:
		case e, ok := <-events:
			if !ok {
				return
			}
			b, err := e.Flat()
			if err != nil {
				c.log.Warn().Err(err).Str("event", e.Type).Msg("unencodable room event")
				continue
			}
			msg = b
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (c *wsClient) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		c.handle(ctx, data)
	}
}

func (c *wsClient) handle(ctx context.Context, data []byte) {
	var m wsMessage
	if err := json.Unmarshal(data, &m); err != nil {
		c.reply(errorMessage("Failed to process message", ""))
		return
	}
	if m.RoomID == "" {
		m.RoomID = c.roomID
	}
	if m.AccessToken == "" {
		m.AccessToken = c.token
	}

	switch m.Type {
	case msgAudioChunk:
		audio, err := base64.StdEncoding.DecodeString(m.Audio)
		if err != nil {
			c.reply(errorMessage("Failed to process message", "audio is not valid base64"))
			return
		}
		_, err = c.svc.EnqueueAudio(ctx, AudioChunk{
			RoomID:      m.RoomID,
			AccessToken: m.AccessToken,
			Audio:       audio,
			MimeType:    m.MimeType,
			IsFinal:     m.IsFinal,
		})
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidRoom):
			c.reply(errorMessage("Invalid room or access token", ""))
		default:
			c.reply(errorMessage("Failed to queue audio chunk", err.Error()))
		}

	case msgTranscribed:
		err := c.svc.SubmitText(ctx, m.RoomID, m.AccessToken, m.Text)
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidRoom):
			c.reply(errorMessage("Invalid room or access token", ""))
		default:
			c.reply(errorMessage("Failed to process transcribed text", err.Error()))
		}

	default:
		c.log.Debug().Str("type", m.Type).Msg("ignoring unknown websocket message")
	}
}

// reply queues a message for this client only. It drops the message if the
// client is not keeping up.
func (c *wsClient) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	default:
		c.log.Warn().Msg("websocket send buffer full, dropping reply")
	}
}

func errorMessage(msg, detail string) map[string]any {
	m := map[string]any{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if detail != "" {
		m["error"] = detail
	}
	return m
}

func writeWSJSON(conn *websocket.Conn, v any) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteJSON(v)
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
