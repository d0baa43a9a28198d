package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	leganize "github.com/Knarf49/leganizebackend"
	"github.com/Knarf49/leganizebackend/internal/api"
	"github.com/Knarf49/leganizebackend/internal/config"
	"github.com/Knarf49/leganizebackend/internal/database"
	"github.com/Knarf49/leganizebackend/internal/ingest"
	"github.com/Knarf49/leganizebackend/internal/metrics"
	"github.com/Knarf49/leganizebackend/internal/mqttclient"
	"github.com/Knarf49/leganizebackend/internal/normalize"
	"github.com/Knarf49/leganizebackend/internal/risk"
	"github.com/Knarf49/leganizebackend/internal/roomstate"
	"github.com/Knarf49/leganizebackend/internal/storage"
	"github.com/Knarf49/leganizebackend/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.RedisURL, "redis-url", "", "Redis URL (overrides REDIS_URL)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("leganize starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolSize{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx, leganize.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Room window state: Redis when configured, in-process otherwise
	stateOpts := roomstate.Options{
		WindowSize: cfg.Risk.WindowSize,
		Cooldown:   cfg.Risk.Cooldown,
		BufferTTL:  cfg.Risk.BufferTTL,
	}
	var (
		state      roomstate.Store
		redisCheck api.Pinger
	)
	if cfg.RedisURL != "" {
		rdb, err := roomstate.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		rs := roomstate.NewRedisStore(rdb, stateOpts)
		state, redisCheck = rs, rs
		log.Info().Str("component", "redis").Msg("room state in redis")
	} else {
		state = roomstate.NewMemoryStore(stateOpts)
		log.Warn().Str("component", "redis").Msg("REDIS_URL not set, room state kept in process")
	}

	// Transcription
	provider, err := transcribe.NewProvider(transcribe.ProviderConfig{
		Provider:         cfg.Transcribe.Provider,
		Timeout:          cfg.Transcribe.Timeout,
		WhisperURL:       cfg.Transcribe.WhisperURL,
		WhisperModel:     cfg.Transcribe.WhisperModel,
		OpenAIAPIKey:     cfg.Transcribe.OpenAIAPIKey,
		DeepgramAPIKey:   cfg.Transcribe.DeepgramAPIKey,
		DeepgramModel:    cfg.Transcribe.DeepgramModel,
		ElevenLabsAPIKey: cfg.Transcribe.ElevenLabsAPIKey,
		ElevenLabsModel:  cfg.Transcribe.ElevenLabsModel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure transcription provider")
	}
	log.Info().Str("provider", provider.Name()).Msg("transcription provider ready")

	queueOpts := transcribe.QueueOptions{
		Provider: provider,
		Normalizer: normalize.Normalizer{
			ConfidenceThreshold: cfg.Risk.ConfidenceThreshold,
			Languages:           cfg.Risk.Languages(),
		},
		Language:   cfg.Transcribe.Language,
		Preprocess: cfg.Transcribe.PreprocessAudio,
		Timeout:    cfg.Transcribe.Timeout,
		History:    cfg.Risk.DedupHistory,
	}

	// Optional raw audio archive
	var archive *storage.AsyncUploader
	if cfg.AudioArchive {
		storeLog := log.With().Str("component", "storage").Logger()
		store, err := storage.New(cfg.S3, cfg.AudioDir, storeLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize audio archive")
		}
		archive = storage.NewAsyncUploader(store, 256, storeLog)
		archive.Start(2)
		queueOpts.Archive = archive.Archive
	}

	// Risk analysis clients
	var (
		analyzer   ingest.Analyzer
		summarizer ingest.Summarizer
	)
	detector := risk.NewDetector(cfg.LLM.DetectorURL, cfg.LLM.DetectorModel, cfg.Transcribe.OpenAIAPIKey, cfg.LLM.Timeout)
	if cfg.LLM.AnalyzerURL != "" {
		analyzer = risk.NewAnalyzer(cfg.LLM.AnalyzerURL, cfg.LLM.Timeout)
	} else {
		log.Warn().Msg("ANALYZER_URL not set, flagged windows cannot be analyzed")
	}
	if cfg.LLM.SummaryURL != "" {
		summarizer = risk.NewSummarizer(cfg.LLM.SummaryURL, cfg.LLM.SummaryAssistantID, cfg.LLM.SummaryWebhookURL, cfg.LLM.Timeout)
	} else {
		log.Warn().Msg("SUMMARY_URL not set, rooms end without a generated summary")
	}

	svc := ingest.NewService(ingest.ServiceOptions{
		Store:      db,
		State:      state,
		Detector:   detector,
		Analyzer:   analyzer,
		Summarizer: summarizer,
		Queue:      queueOpts,
		DrainWait:  cfg.Risk.DrainWaitTimeout,
		Log:        log,
	})

	prometheus.MustRegister(metrics.NewCollector(db.Pool, svc))

	// MQTT event mirror
	var mqttStatus api.ConnStatus
	if cfg.MQTT.BrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Log:       mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		mqttStatus = mqtt
		go mqttclient.NewMirror(svc, mqtt, cfg.MQTT.TopicPrefix, log).Run(ctx)
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Rooms:     db,
		Service:   svc,
		DB:        db,
		Redis:     redisCheck,
		MQTT:      mqttStatus,
		Queue:     svc,
		Version:   version,
		StartTime: startTime,
		Log:       httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: stop taking requests, then let queued audio drain
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	svc.Stop(shutdownCtx)
	if archive != nil {
		archive.Stop()
	}

	log.Info().Msg("leganize stopped")
}
