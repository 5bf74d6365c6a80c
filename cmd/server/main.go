package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/lexiqai/dispatch-gateway/internal/api"
	"github.com/lexiqai/dispatch-gateway/internal/config"
	"github.com/lexiqai/dispatch-gateway/internal/dispatch"
	"github.com/lexiqai/dispatch-gateway/internal/grpcapi"
	"github.com/lexiqai/dispatch-gateway/internal/observability"
	"github.com/lexiqai/dispatch-gateway/internal/orchestrator"
	"github.com/lexiqai/dispatch-gateway/internal/prompts"
	"github.com/lexiqai/dispatch-gateway/internal/resilience"
	"github.com/lexiqai/dispatch-gateway/internal/router"
	"github.com/lexiqai/dispatch-gateway/internal/session"
	"github.com/lexiqai/dispatch-gateway/internal/stt"
	"github.com/lexiqai/dispatch-gateway/internal/synth"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
	"github.com/lexiqai/dispatch-gateway/internal/tools/clock"
	"github.com/lexiqai/dispatch-gateway/internal/tools/customers"
	"github.com/lexiqai/dispatch-gateway/internal/tools/market"
	"github.com/lexiqai/dispatch-gateway/internal/tools/search"
	"github.com/lexiqai/dispatch-gateway/internal/voice"
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
		Str("session_backend", cfg.SessionBackend).
		Str("gemini_model", cfg.GeminiModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("grpc_enabled", cfg.GRPCEnabled).
		Bool("voice_enabled", cfg.VoiceEnabled()).
		Msg("Dispatch Gateway Service starting")

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	retryConfig := &resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    cfg.RetryBackoff(),
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	// Text Service
	gemini, err := textservice.NewGeminiClient(textservice.GeminiConfig{
		APIKey:                     cfg.GoogleAPIKey,
		Model:                      cfg.GeminiModel,
		Endpoint:                   cfg.GeminiEndpoint,
		Timeout:                    cfg.TextServiceTimeout,
		CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		CircuitBreakerResetTimeout: cfg.CircuitBreakerReset(),
		Retry:                      retryConfig,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Text Service client")
	}

	promptSet, err := prompts.LoadFile(cfg.PromptsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PromptsFile).Msg("Failed to load prompts")
	}

	checks := map[string]observability.HealthCheckFunc{
		"text_service": gemini.Ping,
	}

	registry, err := buildRegistry(startupCtx, cfg, gemini, promptSet, retryConfig, checks, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build tool registry")
	}
	logger.Info().Strs("tools", registry.Names()).Msg("Tool registry ready")

	rt, err := router.New(registry, gemini, promptSet, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create router")
	}

	// Session store
	store, err := openStore(startupCtx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.SessionBackend).Msg("Failed to open session store")
	}
	if closer, ok := store.(session.Closer); ok {
		defer closer.Close()
	}
	if pinger, ok := store.(session.Pinger); ok {
		checks["session_store"] = pinger.Ping
	}

	orch := orchestrator.New(
		session.NewManager(store, logger),
		rt,
		dispatch.New(registry, logger, dispatch.WithTimeout(cfg.ToolTimeout)),
		synth.New(gemini, promptSet, logger),
		logger,
		orchestrator.WithTurnTimeout(cfg.TurnTimeout),
	)

	// Create HTTP server
	mux := http.NewServeMux()
	api.NewServer(orch, logger).Register(mux)

	// Health check endpoints
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Voice stream endpoint
	if cfg.VoiceEnabled() {
		mux.Handle("GET /streams/voice", voice.NewHandler(orch, deepgramFactory(cfg, logger), logger))
		logger.Info().
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/voice", cfg.Port)).
			Str("encoding", cfg.VoiceEncoding).
			Int("sample_rate", cfg.VoiceSampleRate).
			Msg("Voice streams enabled")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTPWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.GRPCEnabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("Failed to listen for gRPC")
		}
		grpcServer, healthServer = grpcapi.NewGRPCServer(grpcapi.NewServer(orch, logger))

		go func() {
			logger.Info().Str("port", cfg.GRPCPort).Str("service", grpcapi.ServiceName).Msg("gRPC server listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Fatal().Err(err).Msg("gRPC server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if grpcServer != nil {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// buildRegistry registers every tool whose upstream is configured.
// Tools with a remote dependency also add a readiness check.
func buildRegistry(
	ctx context.Context,
	cfg *config.Config,
	service textservice.Service,
	promptSet *prompts.Set,
	retryConfig *resilience.RetryConfig,
	checks map[string]observability.HealthCheckFunc,
	logger zerolog.Logger,
) (*tools.Registry, error) {
	descriptors := []tools.Descriptor{
		search.NewClient(search.Config{
			URL:        cfg.SearchURL,
			Region:     cfg.SearchRegion,
			MaxResults: cfg.SearchMaxResults,
			Timeout:    cfg.ToolTimeout,
			Retry:      retryConfig,
		}, logger).Descriptor(),
	}

	if cfg.AlphaVantageAPIKey != "" {
		quotes := market.NewClient(market.Config{
			APIKey:                     cfg.AlphaVantageAPIKey,
			URL:                        cfg.AlphaVantageURL,
			Timeout:                    cfg.ToolTimeout,
			CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
			CircuitBreakerResetTimeout: cfg.CircuitBreakerReset(),
			Retry:                      retryConfig,
		}, logger)
		descriptors = append(descriptors, quotes.Descriptor(tools.TextServiceExtractor{
			Service: service,
			Render:  promptSet.TickerExtraction,
		}))
	} else {
		logger.Warn().Msg("ALPHAVANTAGE_API_KEY not set, stock price tool disabled")
	}

	descriptors = append(descriptors, clock.New().Descriptor())

	if cfg.GoogleApplicationCredentials != "" && cfg.CustomersSpreadsheetID != "" {
		sheet, err := customers.NewClient(ctx, customers.Config{
			CredentialsFile: cfg.GoogleApplicationCredentials,
			SpreadsheetID:   cfg.CustomersSpreadsheetID,
			Worksheet:       cfg.CustomersWorksheet,
			Timeout:         cfg.ToolTimeout,
			Retry:           retryConfig,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("customers tool: %w", err)
		}
		descriptors = append(descriptors, sheet.Descriptor(tools.TextServiceExtractor{
			Service: service,
			Render:  promptSet.NameExtraction,
		}))
		checks["customers_sheet"] = sheet.Ping
	} else {
		logger.Warn().Msg("Google Sheets credentials not set, customer lookup tool disabled")
	}

	return tools.NewRegistry(descriptors...)
}

func openStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.SessionBackend {
	case config.BackendSQLite:
		return session.NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.BackendRedis:
		return session.NewRedisStore(ctx, session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.SessionTTL,
			LockTTL:  cfg.LockLease(),
		})
	default:
		return session.NewMemoryStore(), nil
	}
}

func deepgramFactory(cfg *config.Config, logger zerolog.Logger) stt.Factory {
	return func() stt.Transcriber {
		return stt.NewDeepgramClient(stt.DeepgramConfig{
			APIKey:                     cfg.DeepgramAPIKey,
			Model:                      cfg.DeepgramModel,
			Language:                   cfg.DeepgramLanguage,
			Encoding:                   cfg.VoiceEncoding,
			SampleRate:                 cfg.VoiceSampleRate,
			CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
			CircuitBreakerResetTimeout: cfg.CircuitBreakerReset(),
			Reconnect: &resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
				Multiplier:  2.0,
				MaxBackoff:  30 * time.Second,
			},
		}, logger)
	}
}
