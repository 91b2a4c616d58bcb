package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/dictation-service/internal/audio"
	"github.com/skypro1111/dictation-service/internal/catalog"
	"github.com/skypro1111/dictation-service/internal/config"
	"github.com/skypro1111/dictation-service/internal/macro"
	"github.com/skypro1111/dictation-service/internal/metrics"
	"github.com/skypro1111/dictation-service/internal/refine"
	"github.com/skypro1111/dictation-service/internal/server"
	"github.com/skypro1111/dictation-service/internal/stream"
	"github.com/skypro1111/dictation-service/internal/transcript"
	"github.com/skypro1111/dictation-service/internal/transcription"
	"github.com/skypro1111/dictation-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvPath    = ".env"
	serviceName       = "dictation-service"
	serviceVersion    = "1.0.0"
)

// transcriptionClient is what main needs from a provider client.
type transcriptionClient interface {
	transcription.Client
	Close(ctx context.Context) error
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", defaultEnvPath, "Path to .env file with API keys")
	mode := flag.String("mode", "", "Override session.mode (append or refine)")
	flag.Parse()

	envErr := config.LoadEnv(*envPath)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Session.Mode = *mode
		if err := cfg.Session.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -mode flag: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	switch {
	case errors.Is(envErr, os.ErrNotExist):
		logger.Debug("No env file, using process environment", slog.String("path", *envPath))
	case envErr != nil:
		logger.Warn("Failed to load env file", slog.String("error", envErr.Error()))
	}

	if err := cfg.ValidateCredentials(); err != nil {
		logger.Error("Missing credentials", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("port", cfg.Server.Port),
		slog.Int("max_connections", cfg.Server.MaxConnections),
		slog.String("mode", cfg.Session.Mode),
		slog.Bool("allow_mode_override", cfg.Session.AllowModeOverride),
		slog.String("language", cfg.Session.Language),
		slog.String("provider", cfg.Transcription.Provider),
		slog.Float64("vad_threshold", cfg.VAD.EnergyThreshold),
		slog.Bool("save_turns", cfg.Audio.SaveTurns),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()

	studyTypes := catalog.Load(cfg.Catalog.File, logger)

	matcher, err := macro.NewMatcher(macro.Config{
		KeywordFamilies: cfg.Macros.Keywords,
		MinRatio:        cfg.Macros.MinRatio,
	}, logger)
	if err != nil {
		logger.Error("Failed to compile macro keywords", slog.String("error", err.Error()))
		os.Exit(1)
	}
	loaded := matcher.LoadFiles(cfg.Macros.Files...)
	logger.Info("Macro table ready", slog.Int("macros", loaded))

	recorder, err := audio.NewRecorder(audio.RecorderConfig{
		Enabled:    cfg.Audio.SaveTurns,
		OutputDir:  cfg.Audio.OutputDir,
		SampleRate: cfg.Audio.SampleRate,
		QueueSize:  cfg.Audio.QueueSize,
		OnDrop:     appMetrics.RecordRecordingDropped,
	}, logger)
	if err != nil {
		logger.Error("Failed to create turn recorder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client, err := newTranscriptionClient(cfg, logger)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var refiner transcript.Refiner
	if cfg.RefineEnabled() {
		r, err := refine.New(refine.Config{
			APIKey:      cfg.Credentials.OpenAIAPIKey,
			BaseURL:     cfg.Refine.BaseURL,
			Model:       cfg.Refine.Model,
			Language:    cfg.Session.Language,
			Temperature: cfg.Refine.Temperature,
			Timeout:     cfg.Refine.GetTimeout(),
			MaxRetries:  cfg.Refine.MaxRetries,
			RetryDelay:  cfg.Refine.GetRetryDelay(),
		}, logger)
		if err != nil {
			logger.Error("Failed to create refiner", slog.String("error", err.Error()))
			os.Exit(1)
		}
		r.SetObserver(func(d time.Duration, err error) {
			appMetrics.RecordRefine(err == nil, d.Seconds())
		})
		refiner = r
	}

	streamMgr, err := stream.NewManager(stream.ManagerConfig{
		DefaultMode:       transcript.Mode(cfg.Session.Mode),
		AllowModeOverride: cfg.Session.AllowModeOverride,
		Language:          cfg.Session.Language,
		PreContextFrames:  cfg.Session.PreContextFrames,
		VAD: vad.Config{
			EnergyThreshold: cfg.VAD.EnergyThreshold,
			StartFrames:     cfg.VAD.StartFrames,
			EndFrames:       cfg.VAD.EndFrames,
			BufferCap:       cfg.VAD.BufferCap,
			BufferKeep:      cfg.VAD.BufferKeep,
		},
		MaxSessions: cfg.Server.MaxConnections,
		IdleTimeout: cfg.Server.GetIdleTimeout(),
	}, stream.Deps{
		Client:   client,
		Macros:   matcher,
		Catalog:  studyTypes,
		Refiner:  refiner,
		Recorder: recorder,
		Metrics:  appMetrics,
	}, logger)
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpServer := server.NewHTTPServer(cfg, logger, streamMgr, appMetrics, nil)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer cancel()

	// Stop accepting connections, then end the live sessions
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping server", slog.String("error", err.Error()))
	}
	streamMgr.Stop(shutdownCtx)

	if err := client.Close(shutdownCtx); err != nil {
		logger.Warn("Transcription sessions still active at shutdown", slog.String("error", err.Error()))
	}
	recorder.Close()

	if sp, ok := client.(transcription.StatsProvider); ok {
		stats := sp.GetStats()
		logger.Info("Final transcription statistics",
			slog.String("provider", stats.Provider),
			slog.Uint64("sessions_opened", stats.SessionsOpened),
			slog.Uint64("sessions_failed", stats.SessionsFailed),
			slog.Float64("success_rate", stats.SuccessRate),
		)
	}

	logger.Info("Service stopped")
}

// newTranscriptionClient builds the configured provider's client.
func newTranscriptionClient(cfg *config.Config, logger *slog.Logger) (transcriptionClient, error) {
	switch cfg.Transcription.Provider {
	case config.ProviderOpenAI:
		return transcription.NewOpenAIClient(transcription.OpenAIConfig{
			APIKey:        cfg.Credentials.OpenAIAPIKey,
			BaseURL:       cfg.Transcription.OpenAI.BaseURL,
			Model:         cfg.Transcription.OpenAI.Model,
			SampleRate:    cfg.Audio.SampleRate,
			Timeout:       cfg.Transcription.OpenAI.GetTimeout(),
			MaxRetries:    cfg.Transcription.OpenAI.MaxRetries,
			RetryDelay:    cfg.Transcription.OpenAI.GetRetryDelay(),
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
		}, logger)
	default:
		return transcription.NewDeepgramClient(transcription.DeepgramConfig{
			URL:           cfg.Transcription.Deepgram.URL,
			APIKey:        cfg.Credentials.DeepgramAPIKey,
			Model:         cfg.Transcription.Deepgram.Model,
			SampleRate:    cfg.Audio.SampleRate,
			SmartFormat:   cfg.Transcription.Deepgram.SmartFormat,
			Endpointing:   cfg.Transcription.Deepgram.Endpointing,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			DialTimeout:   cfg.Transcription.Deepgram.GetDialTimeout(),
		}, logger)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
