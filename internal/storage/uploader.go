package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Knarf49/leganizebackend/internal/audio"
	"github.com/Knarf49/leganizebackend/internal/transcribe"
)

// AsyncUploader archives raw audio chunks in the background so a slow
// store never delays transcription.
type AsyncUploader struct {
	store    AudioStore
	ch       chan uploadJob
	seq      atomic.Uint64
	log      zerolog.Logger
	stopped  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type uploadJob struct {
	key         string
	data        []byte
	contentType string
}

// NewAsyncUploader creates an async uploader with the given buffer size.
func NewAsyncUploader(store AudioStore, bufferSize int, log zerolog.Logger) *AsyncUploader {
	return &AsyncUploader{
		store: store,
		ch:    make(chan uploadJob, bufferSize),
		log:   log.With().Str("component", "audio-archive").Logger(),
	}
}

// ChunkKey names an archived chunk: {room_id}/{YYYY-MM-DD}/{unix_ms}-{seq}{ext}.
func ChunkKey(roomID string, at time.Time, seq uint64, ext string) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%s/%d-%d%s", roomID, at.Format("2006-01-02"), at.UnixMilli(), seq, ext)
}

// Archive queues a chunk for storage. It matches transcribe.ArchiveFunc and
// never blocks: when the buffer is full the chunk is skipped.
func (u *AsyncUploader) Archive(_ context.Context, item transcribe.Item) error {
	if u.stopped.Load() {
		return nil
	}
	ext := audio.Extension(item.MimeType)
	key := ChunkKey(item.RoomID, item.ReceivedAt, u.seq.Add(1), "."+ext)
	contentType := item.MimeType
	if contentType == "" {
		contentType = audio.ContentType(ext)
	}
	select {
	case u.ch <- uploadJob{key: key, data: item.Audio, contentType: contentType}:
		return nil
	default:
		return fmt.Errorf("archive queue full, skipping %s", key)
	}
}

// Start launches worker goroutines.
func (u *AsyncUploader) Start(workers int) {
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", workers).Int("buffer", cap(u.ch)).Str("store", u.store.Type()).Msg("audio archive started")
}

// Stop lets the workers drain what is queued and waits for them. Call after
// the transcription queue has stopped.
func (u *AsyncUploader) Stop() {
	u.stopped.Store(true)
	u.stopOnce.Do(func() { close(u.ch) })
	u.wg.Wait()
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := u.store.Save(ctx, job.key, job.data, job.contentType); err != nil {
			u.log.Error().Err(err).Str("key", job.key).Msg("audio archive upload failed")
		}
		cancel()
	}
}
