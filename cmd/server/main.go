package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/threadlens/thread-engine/internal/config"
	"github.com/threadlens/thread-engine/internal/llm"
	"github.com/threadlens/thread-engine/internal/observability"
	"github.com/threadlens/thread-engine/internal/session"
	"github.com/threadlens/thread-engine/internal/structurer"
	"github.com/threadlens/thread-engine/internal/telemetry"
	"github.com/threadlens/thread-engine/internal/transcript"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("store_path", cfg.StorePath).
		Str("gate_model", cfg.GateModel).
		Str("structuring_model", cfg.StructuringModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Thread Engine starting")

	// Open the transcript fact store
	store, err := transcript.NewStore(cfg.StorePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StorePath).Msg("Failed to open transcript store")
	}
	defer store.Close()

	// LLM provider behind the structuring boundary
	provider, err := llm.NewOpenAIProvider(llm.Config{
		APIKey:    cfg.OpenAIAPIKey,
		BaseURL:   cfg.OpenAIBaseURL,
		Timeout:   cfg.LLMTimeout,
		MaxTokens: cfg.LLMMaxTokens,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create LLM provider")
	}

	structuring := structurer.New(provider, store, structurer.Config{
		GateModel:        cfg.GateModel,
		StructuringModel: cfg.StructuringModel,
		MaxTokens:        cfg.LLMMaxTokens,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBackoff:     time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		RateLimit:        cfg.LLMRateLimit,
		BreakerFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerReset:     time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
	}, logger)

	tel := telemetry.NewRegistry(cfg.TelemetryWindowSize)

	manager := session.NewManager(cfg, store, structuring, tel)
	manager.StartIdleSweep()

	// Create HTTP server
	mux := http.NewServeMux()

	// Transcript websocket and session surface
	mux.HandleFunc("/streams/transcript", manager.HandleTranscriptWS())
	mux.HandleFunc("GET /sessions/{id}/graph", manager.GraphHandler())
	mux.HandleFunc("POST /sessions/{id}/flush", manager.FlushHandler())

	// Provider latency telemetry
	mux.HandleFunc("GET /telemetry/providers", tel.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint - checks are defined here to avoid import cycles
	storeCheck := func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	providerCheck := func(ctx context.Context) (bool, error) {
		if !provider.IsAvailable(ctx) {
			return false, fmt.Errorf("LLM provider unavailable")
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"store":        storeCheck,
		"llm_provider": providerCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. No write timeout: the transcript
	// websocket stays open for the life of a session.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/transcript", cfg.Port)).
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

	// Flush live sessions before closing the listener so no buffered
	// transcript is lost.
	manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited")
}
