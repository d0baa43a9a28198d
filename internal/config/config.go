package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"2"`
	RedisURL    string `env:"REDIS_URL"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins  string        `env:"CORS_ORIGINS" envDefault:"*"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	Transcribe TranscribeConfig
	LLM        LLMConfig
	Risk       RiskConfig
	MQTT       MQTTConfig
	S3         S3Config

	AudioArchive bool   `env:"AUDIO_ARCHIVE" envDefault:"false"`
	AudioDir     string `env:"AUDIO_DIR" envDefault:"./audio"`
}

// TranscribeConfig selects and configures the speech-to-text backend.
type TranscribeConfig struct {
	Provider         string        `env:"TRANSCRIBE_PROVIDER" envDefault:"whisper"`
	Language         string        `env:"TRANSCRIBE_LANGUAGE" envDefault:"th"`
	Timeout          time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"60s"`
	PreprocessAudio  bool          `env:"PREPROCESS_AUDIO" envDefault:"false"`
	WhisperURL       string        `env:"WHISPER_URL" envDefault:"https://api.openai.com/v1/audio/transcriptions"`
	WhisperModel     string        `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	OpenAIAPIKey     string        `env:"OPENAI_API_KEY"`
	DeepgramAPIKey   string        `env:"DEEPGRAM_API_KEY"`
	DeepgramModel    string        `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`
	ElevenLabsAPIKey string        `env:"ELEVENLABS_API_KEY"`
	ElevenLabsModel  string        `env:"ELEVENLABS_MODEL" envDefault:"scribe_v1"`
}

// LLMConfig holds the endpoints of the detector, analyzer and summary services.
type LLMConfig struct {
	DetectorURL        string        `env:"DETECTOR_URL" envDefault:"https://api.openai.com/v1/chat/completions"`
	DetectorModel      string        `env:"DETECTOR_MODEL" envDefault:"gpt-4o-mini"`
	AnalyzerURL        string        `env:"ANALYZER_URL"`
	SummaryURL         string        `env:"SUMMARY_URL"`
	SummaryAssistantID string        `env:"SUMMARY_ASSISTANT_ID"`
	SummaryWebhookURL  string        `env:"SUMMARY_WEBHOOK_URL"`
	Timeout            time.Duration `env:"LLM_TIMEOUT" envDefault:"90s"`
}

// RiskConfig tunes the buffered risk-detection pipeline.
type RiskConfig struct {
	WindowSize          int           `env:"WINDOW_SIZE" envDefault:"3"`
	Cooldown            time.Duration `env:"COOLDOWN" envDefault:"60s"`
	ConfidenceThreshold float64       `env:"CONFIDENCE_THRESHOLD" envDefault:"0.6"`
	DrainWaitTimeout    time.Duration `env:"DRAIN_WAIT_TIMEOUT" envDefault:"30s"`
	DedupHistory        int           `env:"DEDUP_HISTORY" envDefault:"5"`
	AllowedLanguages    string        `env:"ALLOWED_LANGUAGES" envDefault:"tha,eng"`
	// BufferTTL expires an idle room's window so ended rooms leave nothing behind.
	BufferTTL           time.Duration `env:"BUFFER_TTL" envDefault:"1h"`
}

// MQTTConfig enables mirroring room events to an MQTT broker. Empty BrokerURL disables it.
type MQTTConfig struct {
	BrokerURL   string `env:"MQTT_BROKER_URL"`
	ClientID    string `env:"MQTT_CLIENT_ID" envDefault:"leganize"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"leganize"`
	Username    string `env:"MQTT_USERNAME"`
	Password    string `env:"MQTT_PASSWORD"`
}

// S3Config configures the optional S3 audio archive.
type S3Config struct {
	Bucket    string `env:"S3_BUCKET"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

// Enabled reports whether an S3 bucket has been configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.RedisURL != "" {
		cfg.RedisURL = overrides.RedisURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Risk.WindowSize < 1 {
		return fmt.Errorf("WINDOW_SIZE must be >= 1, got %d", c.Risk.WindowSize)
	}
	if c.Risk.Cooldown < 0 {
		return fmt.Errorf("COOLDOWN must not be negative, got %s", c.Risk.Cooldown)
	}
	if c.Risk.ConfidenceThreshold <= 0 || c.Risk.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be in (0,1], got %g", c.Risk.ConfidenceThreshold)
	}
	if c.Risk.DrainWaitTimeout <= 0 {
		return fmt.Errorf("DRAIN_WAIT_TIMEOUT must be positive, got %s", c.Risk.DrainWaitTimeout)
	}
	if c.Risk.BufferTTL <= 0 {
		return fmt.Errorf("BUFFER_TTL must be positive, got %s", c.Risk.BufferTTL)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	switch c.Transcribe.Provider {
	case "whisper", "deepgram", "elevenlabs":
	default:
		return fmt.Errorf("unknown TRANSCRIBE_PROVIDER %q (want whisper, deepgram or elevenlabs)", c.Transcribe.Provider)
	}
	return nil
}

// Languages returns the ALLOWED_LANGUAGES list as ISO 639-3 codes.
func (c RiskConfig) Languages() []string {
	var out []string
	for _, l := range strings.Split(c.AllowedLanguages, ",") {
		l = strings.TrimSpace(strings.ToLower(l))
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
