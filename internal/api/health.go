package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a dependency that can report its health.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnStatus is a connection that can report whether it is up.
type ConnStatus interface {
	IsConnected() bool
}

// QueueStatus reports transcription backlog for the health endpoint.
type QueueStatus interface {
	ActiveRooms() int
	PendingChunks() int
	ConnectedClients() int
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Rooms         *RoomStats        `json:"rooms,omitempty"`
}

type RoomStats struct {
	Draining      int `json:"draining"`
	PendingChunks int `json:"pending_chunks"`
	Clients       int `json:"clients"`
}

type HealthHandler struct {
	db        Pinger
	redis     Pinger // nil when room state is in-process
	mqtt      ConnStatus
	queue     QueueStatus
	version   string
	startTime time.Time
}

func NewHealthHandler(db, redis Pinger, mqtt ConnStatus, queue QueueStatus, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		mqtt:      mqtt,
		queue:     queue,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// Room windows live in Redis; without it no risk pass can run.
	if h.redis != nil {
		if err := h.redis.HealthCheck(ctx); err != nil {
			checks["redis"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["redis"] = "ok"
		}
	} else {
		checks["redis"] = "in_memory"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.queue != nil {
		resp.Rooms = &RoomStats{
			Draining:      h.queue.ActiveRooms(),
			PendingChunks: h.queue.PendingChunks(),
			Clients:       h.queue.ConnectedClients(),
		}
	}
	WriteJSON(w, httpStatus, resp)
}
