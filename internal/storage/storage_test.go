package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Knarf49/leganizebackend/internal/config"
	"github.com/Knarf49/leganizebackend/internal/transcribe"
)

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	key := "room-1/2026-03-01/1772355600000-1.webm"
	assert.False(t, s.Exists(ctx, key))
	require.NoError(t, s.Save(ctx, key, []byte("webm-bytes"), "audio/webm"))
	assert.True(t, s.Exists(ctx, key))

	got, err := os.ReadFile(filepath.Join(dir, key))
	require.NoError(t, err)
	assert.Equal(t, "webm-bytes", string(got))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "room-1", "2026-03-01"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "local", s.Type())
}

func TestLocalStoreRejectsBadKeys(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(filepath.Join(dir, "archive"))
	ctx := context.Background()

	keys := []string{
		"../2026-03-01/1-1.webm",
		"room-1/../../escape.webm",
		"room-1/2026-03-01",
		"room-1/2026-03-01/sub/1-1.webm",
		"/abs/2026-03-01/1-1.webm",
		"room-1//1-1.webm",
		`room\1/2026-03-01/1-1.webm`,
	}
	for _, key := range keys {
		t.Run(key, func(t *testing.T) {
			err := s.Save(ctx, key, []byte("x"), "audio/webm")
			assert.ErrorIs(t, err, ErrBadKey)
			assert.False(t, s.Exists(ctx, key))
		})
	}
	_, err := os.Stat(filepath.Join(dir, "escape.webm"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStoreArchivedChunkKey(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	key := ChunkKey("room-9", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), 3, ".wav")
	require.NoError(t, s.Save(context.Background(), key, []byte("RIFF"), "audio/wav"))
	assert.FileExists(t, filepath.Join(dir, "room-9", "2026-03-01", "1772355600000-3.wav"))
	// Directories are not chunks.
	assert.False(t, s.Exists(context.Background(), "room-9/2026-03-01/.."))
}

func TestChunkKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("ICT", 7*3600))
	assert.Equal(t, "r1/2026-03-01/1772382600000-7.webm", ChunkKey("r1", at, 7, ".webm"))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "audio/r1/x.wav", objectKey("", "r1/x.wav"))
	assert.Equal(t, "meetings/audio/r1/x.wav", objectKey("meetings", "r1/x.wav"))
}

func TestNewWithoutS3IsLocal(t *testing.T) {
	s, err := New(config.S3Config{}, t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "local", s.Type())
}

type memStore struct {
	mu   sync.Mutex
	objs map[string]string
}

func (m *memStore) Save(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs[key] = contentType
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objs[key]
	return ok
}

func (m *memStore) Type() string { return "memory" }

func TestAsyncUploader(t *testing.T) {
	store := &memStore{objs: map[string]string{}}
	u := NewAsyncUploader(store, 8, zerolog.Nop())
	u.Start(2)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, u.Archive(context.Background(), transcribe.Item{RoomID: "r1", Audio: []byte{1}, MimeType: "audio/webm", ReceivedAt: at}))
	require.NoError(t, u.Archive(context.Background(), transcribe.Item{RoomID: "r1", Audio: []byte{2}, ReceivedAt: at}))
	u.Stop()

	require.Len(t, store.objs, 2)
	types := map[string]bool{}
	for key, ct := range store.objs {
		assert.True(t, strings.HasPrefix(key, "r1/2026-03-01/"), key)
		assert.True(t, strings.HasSuffix(key, ".webm"), key)
		types[ct] = true
	}
	assert.Equal(t, map[string]bool{"audio/webm": true}, types)

	// Stopped uploaders drop silently.
	assert.NoError(t, u.Archive(context.Background(), transcribe.Item{RoomID: "r1", Audio: []byte{3}, ReceivedAt: at}))
	assert.Len(t, store.objs, 2)
}

func TestAsyncUploaderFullBuffer(t *testing.T) {
	store := &memStore{objs: map[string]string{}}
	u := NewAsyncUploader(store, 1, zerolog.Nop())
	// No workers yet, so the second chunk does not fit.
	item := transcribe.Item{RoomID: "r1", Audio: []byte{1}, ReceivedAt: time.Now()}
	require.NoError(t, u.Archive(context.Background(), item))
	assert.Error(t, u.Archive(context.Background(), item))

	u.Start(1)
	u.Stop()
	assert.Len(t, store.objs, 1)
}
