package transcribe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

var (
	soxOnce      sync.Once
	soxAvailable bool
)

// CheckSox reports whether sox is in PATH. The lookup runs once.
func CheckSox() bool {
	soxOnce.Do(func() {
		_, err := exec.LookPath("sox")
		soxAvailable = err == nil
	})
	return soxAvailable
}

// CanPreprocess reports whether sox can decode chunks of this extension.
// Browser webm/mp4 chunks are passed through untouched.
func CanPreprocess(ext string) bool {
	switch ext {
	case "wav", "ogg", "mp3":
		return true
	}
	return false
}

// Preprocess resamples a chunk to 16kHz mono WAV, applies a 100-7000Hz
// speech bandpass and normalizes volume with sox. If sox is unavailable
// the input is returned unchanged.
func Preprocess(ctx context.Context, in Audio, ext string) (Audio, error) {
	if !CheckSox() {
		return in, nil
	}

	dir, err := os.MkdirTemp("", "leganize-preprocess-")
	if err != nil {
		return in, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "in."+ext)
	outPath := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(inPath, in.Data, 0o600); err != nil {
		return in, fmt.Errorf("write temp audio: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sox",
		inPath, outPath,
		"rate", "16000",
		"channels", "1",
		"sinc", "100-7000",
		"norm",
	)
	if err := cmd.Run(); err != nil {
		return in, fmt.Errorf("sox preprocess: %w", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return in, fmt.Errorf("read preprocessed audio: %w", err)
	}
	name := in.Filename
	if ext := filepath.Ext(name); ext != "" {
		name = name[:len(name)-len(ext)]
	}
	return Audio{Data: data, MimeType: "audio/wav", Filename: name + ".wav"}, nil
}
