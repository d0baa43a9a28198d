package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Knarf49/leganizebackend/internal/config"
	"github.com/Knarf49/leganizebackend/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions holds the dependencies of the HTTP server.
type ServerOptions struct {
	Config    *config.Config
	Rooms     RoomReader
	Service   RoomService
	DB        Pinger
	Redis     Pinger     // optional
	MQTT      ConnStatus // optional
	Queue     QueueStatus
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(ParseOrigins(cfg.CORSOrigins)))

	health := NewHealthHandler(opts.DB, opts.Redis, opts.MQTT, opts.Queue, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Room routes are guarded by the per-room access token.
	ws := NewWSHandler(opts.Service, ParseOrigins(cfg.CORSOrigins))
	r.Get("/ws", ws.ServeHTTP)

	rooms := NewRoomsHandler(opts.Rooms, opts.Service)
	events := NewEventsHandler(opts.Service, opts.Rooms)
	r.Post("/api/v1/rooms/{id}/chunks", rooms.SubmitChunk)
	r.Get("/api/v1/rooms/{id}/events", events.StreamRoomEvents)

	// Operator and service-to-service routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Get("/api/v1/rooms/{id}/summary", rooms.GetSummary)

		webhook := NewWebhookHandler(opts.Service)
		r.Post("/api/v1/webhook/summary", webhook.SummaryCallback)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
