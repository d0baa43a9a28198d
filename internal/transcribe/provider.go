package transcribe

import (
	"context"
	"fmt"
	"time"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, audio Audio, opts Options) (*Response, error)
	Name() string  // "whisper", "deepgram", "elevenlabs"
	Model() string // model identifier for logs and metrics
}

// Audio is one chunk handed to a provider.
type Audio struct {
	Data     []byte
	MimeType string
	Filename string // used as the multipart filename; the extension matters to some backends
}

// Options are per-request transcription parameters.
type Options struct {
	Language    string
	Prompt      string // prior context to bias decoding
	Temperature float64
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64   // audio duration in seconds
	Segments []Segment // nil if the provider does not report segments
}

// Segment is a timed span of the transcript. NoSpeechProb is nil when the
// provider does not report it.
type Segment struct {
	Text         string
	Start        float64
	End          float64
	NoSpeechProb *float64
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider         string
	Timeout          time.Duration
	WhisperURL       string
	WhisperModel     string
	OpenAIAPIKey     string
	DeepgramAPIKey   string
	DeepgramModel    string
	ElevenLabsAPIKey string
	ElevenLabsModel  string
}

// NewProvider builds the configured speech-to-text client.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "whisper":
		return NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.OpenAIAPIKey, cfg.Timeout), nil
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("deepgram provider requires DEEPGRAM_API_KEY")
		}
		return NewDeepgramClient(cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.Timeout), nil
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			return nil, fmt.Errorf("elevenlabs provider requires ELEVENLABS_API_KEY")
		}
		return NewElevenLabsClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsModel, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
}
