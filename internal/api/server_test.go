package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/Knarf49/leganizebackend/internal/config"
)

func TestServerRoutes(t *testing.T) {
	svc := newFakeService(map[string]string{"r1": "tok"})
	s := NewServer(ServerOptions{
		Config:    &config.Config{HTTPAddr: ":0", CORSOrigins: "*", AuthToken: "operator"},
		Rooms:     newFakeRooms(activeRoom("r1", "tok")),
		Service:   svc,
		DB:        fakePinger{},
		Queue:     fakeQueue{},
		Version:   "test",
		StartTime: time.Now(),
		Log:       zerolog.Nop(),
	})
	h := s.Handler()

	tests := []struct {
		name     string
		method   string
		target   string
		auth     string
		body     string
		wantCode int
	}{
		{"health_open", "GET", "/api/v1/health", "", "", http.StatusOK},
		{"metrics_open", "GET", "/metrics", "", "", http.StatusOK},
		{"summary_needs_operator_token", "GET", "/api/v1/rooms/r1/summary", "", "", http.StatusUnauthorized},
		{"summary_with_operator_token", "GET", "/api/v1/rooms/r1/summary", "Bearer operator", "", http.StatusOK},
		{"webhook_needs_operator_token", "POST", "/api/v1/webhook/summary", "", `{"roomId":"r1","summary":"x"}`, http.StatusUnauthorized},
		{"webhook_with_operator_token", "POST", "/api/v1/webhook/summary", "Bearer operator", `{"roomId":"r1","summary":"x"}`, http.StatusOK},
		{"chunks_use_room_token", "POST", "/api/v1/rooms/r1/chunks", "Bearer tok", `{"text":"hello"}`, http.StatusOK},
		{"events_bad_token", "GET", "/api/v1/rooms/r1/events?accessToken=nope", "", "", http.StatusForbidden},
		{"unknown_route", "GET", "/api/v1/calls", "", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
