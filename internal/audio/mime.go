package audio

import (
	"fmt"
	"strings"
	"time"
)

// DefaultExtension is used when the MIME type is missing or unrecognized.
// Browser MediaRecorder chunks are webm unless stated otherwise.
const DefaultExtension = "webm"

// Extension maps an audio MIME type to a file extension.
func Extension(mimeType string) string {
	m := strings.ToLower(mimeType)
	switch {
	case m == "":
		return DefaultExtension
	case strings.Contains(m, "mp4"):
		return "mp4"
	case strings.Contains(m, "wav"):
		return "wav"
	case strings.Contains(m, "ogg"):
		return "ogg"
	case strings.Contains(m, "mp3"), strings.Contains(m, "mpeg"):
		return "mp3"
	}
	return DefaultExtension
}

// ContentType returns a MIME type for ext, the inverse of Extension.
func ContentType(ext string) string {
	switch ext {
	case "mp4":
		return "audio/mp4"
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	case "mp3":
		return "audio/mpeg"
	}
	return "audio/webm"
}

// Filename builds a unique-per-millisecond chunk filename for the given MIME type.
func Filename(receivedAt time.Time, mimeType string) string {
	return fmt.Sprintf("audio_%d.%s", receivedAt.UnixMilli(), Extension(mimeType))
}

// ObjectKey is the archive path of one chunk: {roomID}/{yyyy-mm-dd}/{filename}.
func ObjectKey(roomID string, receivedAt time.Time, mimeType string) string {
	return fmt.Sprintf("%s/%s/%s", roomID, receivedAt.UTC().Format("2006-01-02"), Filename(receivedAt, mimeType))
}
