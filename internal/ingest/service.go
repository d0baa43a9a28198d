package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Knarf49/leganizebackend/internal/api"
	"github.com/Knarf49/leganizebackend/internal/database"
	"github.com/Knarf49/leganizebackend/internal/metrics"
	"github.com/Knarf49/leganizebackend/internal/roomstate"
	"github.com/Knarf49/leganizebackend/internal/transcribe"
)

// Store is the persistence the ingest service depends on. *database.DB
// satisfies it.
type Store interface {
	RoomStore
	RiskStore
	ValidateRoom(ctx context.Context, id, token string, requireActive bool) (*database.Room, error)
	InsertTranscriptChunk(ctx context.Context, roomID, content string) (*database.TranscriptChunk, error)
}

// ServiceOptions wires the ingest service.
type ServiceOptions struct {
	Store      Store
	State      roomstate.Store
	Detector   Detector
	Analyzer   Analyzer
	Summarizer Summarizer

	// Queue configures transcription. Publish, OnText and Flush are
	// supplied by the service.
	Queue transcribe.QueueOptions

	DrainWait time.Duration
	EventRing int
	Log       zerolog.Logger
}

// Service owns all per-room live state: the transcription queue, the risk
// pipeline, connected clients and the event bus. It implements
// api.RoomService and metrics.LiveStats.
type Service struct {
	store     Store
	state     roomstate.Store
	bus       *EventBus
	queue     *transcribe.Queue
	pipeline  *Pipeline
	finalizer *Finalizer
	sessions  *Sessions
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(opts ServiceOptions) *Service {
	if opts.EventRing <= 0 {
		opts.EventRing = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:  opts.Store,
		state:  opts.State,
		bus:    NewEventBus(opts.EventRing),
		log:    opts.Log.With().Str("component", "ingest").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	s.pipeline = NewPipeline(PipelineOptions{
		State:    opts.State,
		Detector: opts.Detector,
		Analyzer: opts.Analyzer,
		Risks:    opts.Store,
		Publish:  s.bus.Publish,
		Log:      opts.Log,
	})

	qopts := opts.Queue
	qopts.Publish = s.bus.Publish
	qopts.OnText = s.handleTranscript
	qopts.Flush = s.persistTranscript
	qopts.Log = opts.Log.With().Str("component", "queue").Logger()
	s.queue = transcribe.NewQueue(qopts)

	s.finalizer = NewFinalizer(FinalizerOptions{
		Rooms:      opts.Store,
		Queue:      s.queue,
		Summarizer: opts.Summarizer,
		DrainWait:  opts.DrainWait,
		Publish:    s.bus.Publish,
		OnEnded:    s.forget,
		Log:        opts.Log,
	})
	s.sessions = NewSessions(s.finalizeAsync)
	return s
}

// Bus returns the event bus, for mirrors that subscribe to every room.
func (s *Service) Bus() *EventBus { return s.bus }

// Subscribe implements api.LiveDataSource.
func (s *Service) Subscribe(filter api.EventFilter) (<-chan api.RoomEvent, func()) {
	return s.bus.Subscribe(filter)
}

// ReplaySince implements api.LiveDataSource.
func (s *Service) ReplaySince(lastEventID string, filter api.EventFilter) []api.RoomEvent {
	return s.bus.ReplaySince(lastEventID, filter)
}

// EnqueueAudio validates the room and queues an audio chunk. It returns the
// number of chunks waiting for the room.
func (s *Service) EnqueueAudio(ctx context.Context, chunk api.AudioChunk) (int, error) {
	if len(chunk.Audio) == 0 {
		return 0, errors.New("empty audio chunk")
	}
	if _, err := s.validate(ctx, chunk.RoomID, chunk.AccessToken); err != nil {
		return 0, err
	}

	n, err := s.queue.Enqueue(transcribe.Item{
		RoomID:     chunk.RoomID,
		Audio:      chunk.Audio,
		MimeType:   chunk.MimeType,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		s.bus.Publish(chunk.RoomID, "error", map[string]any{"message": "Failed to queue audio chunk"})
		return 0, fmt.Errorf("queue audio chunk: %w", err)
	}
	metrics.ChunksReceivedTotal.WithLabelValues("audio").Inc()

	_, processing := s.queue.Pending(chunk.RoomID)
	s.bus.Publish(chunk.RoomID, "queue-status", map[string]any{
		"message":     fmt.Sprintf("Audio received (%d in queue)", n),
		"queueLength": n,
		"processing":  processing,
	})
	return n, nil
}

// SubmitText stores text a client has already transcribed and runs the
// risk pipeline on it, bypassing the transcription queue. Pipeline failures
// are reported as room events, not returned.
func (s *Service) SubmitText(ctx context.Context, roomID, accessToken, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}
	room, err := s.validate(ctx, roomID, accessToken)
	if err != nil {
		return err
	}
	if _, err := s.store.InsertTranscriptChunk(ctx, roomID, text); err != nil {
		return fmt.Errorf("save transcript chunk: %w", err)
	}
	metrics.ChunksReceivedTotal.WithLabelValues("text").Inc()

	_, _ = s.pipeline.Process(ctx, roomInfo(room), text)
	return nil
}

// Join registers a live client for an active room. When the room's last
// client leaves, the room is finalized in the background.
func (s *Service) Join(ctx context.Context, roomID, accessToken string) (func(), error) {
	if _, err := s.validate(ctx, roomID, accessToken); err != nil {
		return nil, err
	}
	leave := s.sessions.Join(roomID)
	s.log.Info().Str("room_id", roomID).Int("clients", s.sessions.Count(roomID)).Msg("client joined room")
	return leave, nil
}

// CompleteSummary ends a room with a summary delivered by the summary
// service's webhook.
func (s *Service) CompleteSummary(ctx context.Context, roomID, summary string) error {
	summary = strings.TrimSpace(summary)
	if roomID == "" || summary == "" {
		return errors.New("roomId and summary are required")
	}
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, database.ErrRoomNotFound) {
			return fmt.Errorf("%w: %v", api.ErrInvalidRoom, err)
		}
		return err
	}
	endedAt, err := s.store.EndRoom(ctx, roomID, summary)
	if err != nil {
		return fmt.Errorf("end room: %w", err)
	}
	metrics.RoomsFinalizedTotal.WithLabelValues("webhook").Inc()
	s.forget(roomID)
	s.queue.Forget(roomID)

	s.bus.Publish(roomID, "summary-complete", map[string]any{
		"roomId":       roomID,
		"finalSummary": summary,
		"status":       database.RoomEnded,
		"endedAt":      endedAt,
	})
	return nil
}

// Finalize ends a room now, waiting for its queue to drain first.
func (s *Service) Finalize(ctx context.Context, roomID string) (*Result, error) {
	return s.finalizer.Finalize(ctx, roomID)
}

// QueueStats returns transcription queue statistics.
func (s *Service) QueueStats() transcribe.QueueStats {
	return s.queue.Stats()
}

// ActiveRooms implements metrics.LiveStats.
func (s *Service) ActiveRooms() int { return s.queue.Stats().Rooms }

// PendingChunks implements metrics.LiveStats.
func (s *Service) PendingChunks() int { return s.queue.Stats().Pending }

// ConnectedClients implements metrics.LiveStats.
func (s *Service) ConnectedClients() int { return s.sessions.Total() }

// SubscriberCount implements metrics.LiveStats.
func (s *Service) SubscriberCount() int { return s.bus.SubscriberCount() }

// Stop stops accepting audio, lets queued chunks finish until ctx expires
// and waits for running finalizations.
func (s *Service) Stop(ctx context.Context) {
	s.queue.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("finalizations still running at shutdown, cancelling")
	}
	s.cancel()
}

func (s *Service) validate(ctx context.Context, roomID, token string) (*database.Room, error) {
	room, err := s.store.ValidateRoom(ctx, roomID, token, true)
	switch {
	case err == nil:
		return room, nil
	case errors.Is(err, database.ErrRoomNotFound),
		errors.Is(err, database.ErrInvalidToken),
		errors.Is(err, database.ErrRoomEnded):
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidRoom, err)
	default:
		return nil, err
	}
}

// handleTranscript feeds each queued chunk's text to the risk pipeline.
// Chunks queued before a room ended are still analyzed.
func (s *Service) handleTranscript(ctx context.Context, item transcribe.Item, text string) {
	room, err := s.store.GetRoom(ctx, item.RoomID)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", item.RoomID).Msg("load room for risk analysis")
		return
	}
	_, _ = s.pipeline.Process(ctx, roomInfo(room), text)
}

func (s *Service) persistTranscript(ctx context.Context, roomID, text string) error {
	_, err := s.store.InsertTranscriptChunk(ctx, roomID, text)
	return err
}

func (s *Service) finalizeAsync(roomID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("room_id", roomID).Msg("last client left, finalizing room")
		if _, err := s.finalizer.Finalize(s.ctx, roomID); err != nil && !errors.Is(err, ErrAlreadyFinalizing) {
			s.log.Error().Err(err).Str("room_id", roomID).Msg("room finalization failed")
		}
	}()
}

// forget drops per-room live state once a room has ended.
func (s *Service) forget(roomID string) {
	s.pipeline.Forget(roomID)
	if err := s.state.Clear(context.Background(), roomID); err != nil {
		s.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to clear risk window")
	}
}

func roomInfo(r *database.Room) RoomInfo {
	return RoomInfo{ID: r.ID, CompanyType: r.CompanyType, ThreadID: r.ThreadID}
}
