package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBadKey is returned for keys that are not {room_id}/{YYYY-MM-DD}/{file}
// or would resolve outside the archive directory.
var ErrBadKey = errors.New("invalid chunk key")

// LocalStore archives chunks under audioDir, one directory per room and day.
type LocalStore struct {
	root string
}

func NewLocalStore(audioDir string) *LocalStore {
	return &LocalStore{root: filepath.Clean(audioDir)}
}

// chunkPath maps a chunk key onto the filesystem. Room IDs come from
// clients, so every segment is checked before it touches a path.
func (s *LocalStore) chunkPath(key string) (string, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsRune(p, '\\') {
			return "", fmt.Errorf("%w: %q", ErrBadKey, key)
		}
	}
	return filepath.Join(s.root, parts[0], parts[1], parts[2]), nil
}

// Save writes the chunk through a temp file in the day directory and renames
// it into place, so a crash never leaves a partial chunk under its final name.
func (s *LocalStore) Save(_ context.Context, key string, data []byte, _ string) error {
	path, err := s.chunkPath(key)
	if err != nil {
		return err
	}
	dayDir := filepath.Dir(path)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir %s: %w", dayDir, err)
	}

	tmp, err := os.CreateTemp(dayDir, ".chunk-*.part")
	if err != nil {
		return fmt.Errorf("create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write chunk %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store chunk %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Exists(_ context.Context, key string) bool {
	path, err := s.chunkPath(key)
	if err != nil {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func (s *LocalStore) Type() string { return "local" }
