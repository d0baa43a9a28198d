package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Knarf49/leganizebackend/internal/database"
	"github.com/Knarf49/leganizebackend/internal/metrics"
)

// NothingToSummarize is stored as the summary of a room that ended
// without any transcript.
const NothingToSummarize = "ไม่มีข้อความที่จะสรุป"

// errorSummaryPrefix marks a summary field that holds a failure reason.
const errorSummaryPrefix = "ข้อผิดพลาด: "

// ErrAlreadyFinalizing is returned when a room is already being finalized.
var ErrAlreadyFinalizing = errors.New("room is already being finalized")

// Summarizer produces the end-of-meeting summary.
type Summarizer interface {
	Summarize(ctx context.Context, roomID, transcript string) (string, error)
}

// RoomStore is the room and transcript persistence the finalizer needs.
type RoomStore interface {
	GetRoom(ctx context.Context, id string) (*database.Room, error)
	EndRoom(ctx context.Context, id, summary string) (time.Time, error)
	ListTranscriptChunks(ctx context.Context, roomID string) ([]database.TranscriptChunk, error)
}

// DrainWaiter exposes the transcription queue's per-room drain state.
type DrainWaiter interface {
	Idle(roomID string) <-chan struct{}
	Forget(roomID string)
}

// FinalizerOptions configures the session finalizer.
type FinalizerOptions struct {
	Rooms      RoomStore
	Queue      DrainWaiter
	Summarizer Summarizer // nil ends rooms with an error summary
	DrainWait  time.Duration
	Publish    PublishFunc
	OnEnded    func(roomID string) // optional per-room cleanup
	Log        zerolog.Logger
}

// Finalizer ends a room once its last client has gone: it waits for the
// room's transcription queue to settle, summarizes the persisted
// transcript and marks the room ENDED. A room is finalized at most once.
type Finalizer struct {
	opts FinalizerOptions
	log  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Result describes a finalized room.
type Result struct {
	RoomID  string    `json:"roomId"`
	Summary string    `json:"finalSummary"`
	Status  string    `json:"status"`
	EndedAt time.Time `json:"endedAt"`
	Skipped bool      `json:"-"` // room had already ended
}

func NewFinalizer(opts FinalizerOptions) *Finalizer {
	if opts.DrainWait <= 0 {
		opts.DrainWait = 30 * time.Second
	}
	if opts.Publish == nil {
		opts.Publish = func(string, string, map[string]any) {}
	}
	return &Finalizer{
		opts:     opts,
		log:      opts.Log.With().Str("component", "finalizer").Logger(),
		inflight: make(map[string]struct{}),
	}
}

// Finalize ends the room. The room is left ENDED on every path that reaches
// the store: with the summary, with NothingToSummarize, or with the
// failure reason.
func (f *Finalizer) Finalize(ctx context.Context, roomID string) (*Result, error) {
	if !f.claim(roomID) {
		return nil, ErrAlreadyFinalizing
	}
	defer f.release(roomID)

	log := f.log.With().Str("room_id", roomID).Logger()

	room, err := f.opts.Rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	if room.Status == database.RoomEnded {
		res := &Result{RoomID: roomID, Status: room.Status, Skipped: true}
		if room.FinalSummary != nil {
			res.Summary = *room.FinalSummary
		}
		if room.EndedAt != nil {
			res.EndedAt = *room.EndedAt
		}
		return res, nil
	}

	f.waitDrained(ctx, log, roomID)

	summary, outcome := f.summarize(ctx, log, roomID)

	endedAt, err := f.opts.Rooms.EndRoom(context.WithoutCancel(ctx), roomID, summary)
	if err != nil {
		metrics.RoomsFinalizedTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("end room: %w", err)
	}
	metrics.RoomsFinalizedTotal.WithLabelValues(outcome).Inc()

	f.opts.Queue.Forget(roomID)
	if f.opts.OnEnded != nil {
		f.opts.OnEnded(roomID)
	}

	res := &Result{RoomID: roomID, Summary: summary, Status: database.RoomEnded, EndedAt: endedAt}
	f.opts.Publish(roomID, "summary-complete", map[string]any{
		"roomId":       roomID,
		"finalSummary": summary,
		"status":       database.RoomEnded,
		"endedAt":      endedAt,
	})
	log.Info().Str("outcome", outcome).Msg("room finalized")
	return res, nil
}

// waitDrained blocks until the room's queue is idle or DrainWait elapses.
func (f *Finalizer) waitDrained(ctx context.Context, log zerolog.Logger, roomID string) {
	timer := time.NewTimer(f.opts.DrainWait)
	defer timer.Stop()
	select {
	case <-f.opts.Queue.Idle(roomID):
	case <-timer.C:
		log.Warn().Dur("waited", f.opts.DrainWait).Msg("transcription queue still busy, finalizing with partial transcript")
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("drain wait cancelled")
	}
}

// summarize builds the transcript and asks for a summary. The returned
// summary is always non-empty.
func (f *Finalizer) summarize(ctx context.Context, log zerolog.Logger, roomID string) (string, string) {
	chunks, err := f.opts.Rooms.ListTranscriptChunks(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load transcript")
		return errorSummaryPrefix + err.Error(), "error"
	}
	transcript := joinTranscript(chunks)
	if transcript == "" {
		log.Info().Msg("no transcript, ending room without summary")
		return NothingToSummarize, "empty"
	}
	if f.opts.Summarizer == nil {
		return errorSummaryPrefix + "summary generator not configured", "error"
	}

	f.opts.Publish(roomID, "finalizing", map[string]any{"message": "กำลังสรุป..."})

	summary, err := f.opts.Summarizer.Summarize(ctx, roomID, transcript)
	if err != nil {
		log.Error().Err(err).Msg("summary generation failed")
		return errorSummaryPrefix + err.Error(), "error"
	}
	return summary, "summarized"
}

func (f *Finalizer) claim(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inflight[roomID]; ok {
		return false
	}
	f.inflight[roomID] = struct{}{}
	return true
}

func (f *Finalizer) release(roomID string) {
	f.mu.Lock()
	delete(f.inflight, roomID)
	f.mu.Unlock()
}

func joinTranscript(chunks []database.TranscriptChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if s := strings.TrimSpace(c.Content); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
