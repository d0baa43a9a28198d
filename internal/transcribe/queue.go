package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Knarf49/leganizebackend/internal/audio"
	"github.com/Knarf49/leganizebackend/internal/metrics"
	"github.com/Knarf49/leganizebackend/internal/normalize"
)

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = errors.New("transcription queue stopped")

// Item is one audio chunk waiting for transcription.
type Item struct {
	RoomID     string
	Audio      []byte
	MimeType   string
	ReceivedAt time.Time
}

// QueueStats reports the current state of all room queues.
type QueueStats struct {
	Rooms     int   `json:"rooms"`
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// EventPublishFunc is a callback for publishing room status events.
type EventPublishFunc func(roomID, eventType string, payload map[string]any)

// TextFunc receives each non-empty normalized transcript in dequeue order.
type TextFunc func(ctx context.Context, item Item, text string)

// FlushFunc persists the last non-empty transcript of a drain run.
type FlushFunc func(ctx context.Context, roomID, text string) error

// ArchiveFunc stores the raw chunk before transcription.
type ArchiveFunc func(ctx context.Context, item Item) error

// QueueOptions configures the per-room transcription queue.
type QueueOptions struct {
	Provider    Provider
	Normalizer  normalize.Normalizer
	Language    string
	Temperature float64
	Preprocess  bool
	Timeout     time.Duration // per chunk, provider round-trip
	Interval    time.Duration // pause between consecutive chunks of one room
	History     int           // recent transcripts kept per room for dedup and prompts

	Publish EventPublishFunc
	OnText  TextFunc
	Flush   FlushFunc
	Archive ArchiveFunc // optional
	Log     zerolog.Logger
}

// roomQueue is the pending work of one room. done is non-nil while a drain
// worker owns the room and is closed when that worker exits.
type roomQueue struct {
	items []Item
	done  chan struct{}
}

// Queue serializes transcription per room. The first Enqueue for an idle
// room spawns a drain worker; the worker exits once the room's queue is
// empty. Rooms drain independently of each other.
type Queue struct {
	opts QueueOptions
	log  zerolog.Logger
	ctx  context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	rooms   map[string]*roomQueue
	history map[string][]string
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewQueue creates a transcription queue. No goroutines run until the
// first Enqueue.
func NewQueue(opts QueueOptions) *Queue {
	if opts.History <= 0 {
		opts.History = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Preprocess && !CheckSox() {
		opts.Log.Warn().Msg("PREPROCESS_AUDIO=true but sox not found in PATH; preprocessing disabled")
		opts.Preprocess = false
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:    opts,
		log:     opts.Log,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]*roomQueue),
		history: make(map[string][]string),
	}
}

// Enqueue appends a chunk to its room's queue and returns immediately with
// the number of chunks now waiting. A drain worker is started if none is
// active for the room.
func (q *Queue) Enqueue(item Item) (int, error) {
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return 0, ErrQueueStopped
	}

	rq := q.rooms[item.RoomID]
	if rq == nil {
		rq = &roomQueue{}
		q.rooms[item.RoomID] = rq
	}
	rq.items = append(rq.items, item)

	if rq.done == nil {
		rq.done = make(chan struct{})
		q.wg.Add(1)
		go q.drain(item.RoomID, rq)
	}
	return len(rq.items), nil
}

// Pending reports how many chunks are waiting for a room and whether a
// drain worker is active.
func (q *Queue) Pending(roomID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq := q.rooms[roomID]
	if rq == nil {
		return 0, false
	}
	return len(rq.items), rq.done != nil
}

// Idle returns a channel that is closed once the room has no pending chunks
// and no active drain worker, including the final flush.
func (q *Queue) Idle(roomID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rq := q.rooms[roomID]; rq != nil && rq.done != nil {
		return rq.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Forget drops the transcript history kept for a room. Called once the
// room has ended.
func (q *Queue) Forget(roomID string) {
	q.mu.Lock()
	delete(q.history, roomID)
	q.mu.Unlock()
}

// Stats returns current queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	s := QueueStats{}
	for _, rq := range q.rooms {
		if rq.done != nil {
			s.Rooms++
		}
		s.Pending += len(rq.items)
	}
	q.mu.Unlock()
	s.Completed = q.completed.Load()
	s.Failed = q.failed.Load()
	return s
}

// Stop rejects new chunks and waits for active drain workers until ctx
// expires, then cancels in-flight provider calls.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.log.Warn().Msg("transcription queue stop timed out, cancelling in-flight chunks")
	}
	q.cancel()
	q.log.Info().
		Int64("completed", q.completed.Load()).
		Int64("failed", q.failed.Load()).
		Msg("transcription queue stopped")
}

func (q *Queue) drain(roomID string, rq *roomQueue) {
	defer q.wg.Done()
	log := q.log.With().Str("room_id", roomID).Logger()

	var last string
	for {
		q.mu.Lock()
		if len(rq.items) == 0 {
			q.mu.Unlock()
			if last != "" {
				q.flush(log, roomID, last)
				last = ""
			}
			q.mu.Lock()
			if len(rq.items) == 0 {
				close(rq.done)
				rq.done = nil
				if q.rooms[roomID] == rq {
					delete(q.rooms, roomID)
				}
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			continue
		}
		item := rq.items[0]
		rq.items[0] = Item{}
		rq.items = rq.items[1:]
		remaining := len(rq.items)
		q.mu.Unlock()

		if text := q.process(log, item, remaining); text != "" {
			last = text
		}

		if remaining > 0 && q.opts.Interval > 0 {
			select {
			case <-time.After(q.opts.Interval):
			case <-q.ctx.Done():
			}
		}
	}
}

func (q *Queue) flush(log zerolog.Logger, roomID, text string) {
	if q.opts.Flush == nil {
		return
	}
	if err := q.opts.Flush(q.ctx, roomID, text); err != nil {
		log.Error().Err(err).Msg("failed to persist transcript")
		q.publish(roomID, "error", map[string]any{
			"message": "Failed to process transcription queue",
			"error":   err.Error(),
		})
	}
}

// process transcribes one chunk and hands the normalized text on. It
// returns the text, or "" when the chunk failed or produced nothing.
func (q *Queue) process(log zerolog.Logger, item Item, remaining int) (text string) {
	provider := q.opts.Provider.Name()
	defer func() {
		if r := recover(); r != nil {
			text = ""
			q.fail(log, item, provider, fmt.Errorf("panic: %v", r))
		}
	}()

	q.publish(item.RoomID, "transcribing", map[string]any{
		"message":     fmt.Sprintf("Processing audio... (%d in queue)", remaining),
		"queueLength": remaining + 1,
		"timestamp":   item.ReceivedAt,
	})

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.Timeout)
	defer cancel()

	if q.opts.Archive != nil {
		if err := q.opts.Archive(ctx, item); err != nil {
			log.Warn().Err(err).Msg("audio archive failed")
		}
	}

	ext := audio.Extension(item.MimeType)
	in := Audio{
		Data:     item.Audio,
		MimeType: item.MimeType,
		Filename: audio.Filename(item.ReceivedAt, item.MimeType),
	}
	if q.opts.Preprocess && CanPreprocess(ext) {
		processed, err := Preprocess(ctx, in, ext)
		if err != nil {
			log.Warn().Err(err).Msg("preprocessing failed, using original audio")
		} else {
			in = processed
		}
	}

	previous, history := q.recent(item.RoomID)

	start := time.Now()
	resp, err := q.opts.Provider.Transcribe(ctx, in, Options{
		Language:    q.opts.Language,
		Prompt:      normalize.ContextPrompt(history),
		Temperature: q.opts.Temperature,
	})
	metrics.TranscriptionDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		q.fail(log, item, provider, err)
		return ""
	}
	q.completed.Add(1)

	segs := make([]normalize.Segment, len(resp.Segments))
	for i, s := range resp.Segments {
		segs[i] = normalize.Segment{Text: s.Text, NoSpeechProb: s.NoSpeechProb}
	}
	text = q.opts.Normalizer.Apply(resp.Text, segs, previous, history)
	if text == "" {
		metrics.TranscriptionsTotal.WithLabelValues(provider, "empty").Inc()
		log.Debug().Msg("transcription empty after normalization, skipping")
		return ""
	}
	metrics.TranscriptionsTotal.WithLabelValues(provider, "ok").Inc()
	q.remember(item.RoomID, text)

	q.publish(item.RoomID, "transcribed", map[string]any{
		"text":      text,
		"timestamp": item.ReceivedAt,
	})

	log.Debug().
		Int("chars", len(text)).
		Dur("took", time.Since(start)).
		Msg("transcription complete")

	if q.opts.OnText != nil {
		q.opts.OnText(q.ctx, item, text)
	}
	return text
}

func (q *Queue) fail(log zerolog.Logger, item Item, provider string, err error) {
	q.failed.Add(1)
	metrics.TranscriptionsTotal.WithLabelValues(provider, "failed").Inc()
	log.Warn().Err(err).Time("received_at", item.ReceivedAt).Msg("transcription failed, chunk dropped")
	q.publish(item.RoomID, "error", map[string]any{
		"message": "Failed to transcribe audio",
		"error":   err.Error(),
	})
}

func (q *Queue) publish(roomID, eventType string, payload map[string]any) {
	if q.opts.Publish != nil {
		q.opts.Publish(roomID, eventType, payload)
	}
}

// recent returns the room's last transcript and a copy of its history.
func (q *Queue) recent(roomID string) (string, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.history[roomID]
	if len(h) == 0 {
		return "", nil
	}
	out := make([]string, len(h))
	copy(out, h)
	return out[len(out)-1], out
}

func (q *Queue) remember(roomID, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := append(q.history[roomID], text)
	if over := len(h) - q.opts.History; over > 0 {
		h = append([]string(nil), h[over:]...)
	}
	q.history[roomID] = h
}
