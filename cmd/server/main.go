package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lexiqai/voice-tutor/internal/config"
	"github.com/lexiqai/voice-tutor/internal/observability"
	"github.com/lexiqai/voice-tutor/internal/stream"
	"github.com/lexiqai/voice-tutor/internal/tutor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(observability.LogOptions{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		File:   cfg.LogFile,
	})
	logger := observability.GetLogger()

	logger.Info().
		Str("version", version).
		Str("port", cfg.Port).
		Str("tutor_api_url", cfg.TutorAPIURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Tutor Service starting")

	recorder, err := cfg.Recorder()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid recorder configuration")
	}

	client, err := tutor.NewClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create tutor client")
	}

	settings := tutor.DefaultSettings(cfg)
	if err := settings.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid default tutor settings")
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Browser microphone streams
	mux.HandleFunc("/streams/mic", stream.HandleMicWS(client, stream.Options{
		Recorder:        recorder,
		Settings:        settings,
		MicGrantTimeout: cfg.MicGrantTimeout,
	}))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler(version))

	// Readiness only depends on the tutoring service
	mux.HandleFunc("/ready", observability.ReadinessHandler(version, map[string]observability.HealthCheckFunc{
		"tutor": client.HealthCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Hijacked WebSocket connections are not closed by Shutdown, so streams
	// run under a base context that is canceled when shutdown begins.
	streamsCtx, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return streamsCtx },
	}
	server.RegisterOnShutdown(stopStreams)

	endpoint := fmt.Sprintf("ws://localhost:%s/streams/mic", cfg.Port)
	if cfg.PublicURL != "" {
		endpoint = strings.TrimSuffix(cfg.PublicURL, "/") + "/streams/mic"
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
