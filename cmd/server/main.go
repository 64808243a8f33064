package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/campuspay/service/config"
	"github.com/brojonat/campuspay/service/db"
	"github.com/brojonat/campuspay/service/metrics"
	natspkg "github.com/brojonat/campuspay/service/nats"
	"github.com/brojonat/campuspay/service/payments"
	"github.com/brojonat/campuspay/service/payreq"
	"github.com/brojonat/campuspay/service/server"
	"github.com/brojonat/campuspay/service/solana"
	"github.com/brojonat/campuspay/service/store"
	"github.com/brojonat/campuspay/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Persistence: Postgres when configured, otherwise process memory
	var backend store.Backend
	if cfg.DatabaseURL != "" {
		dbPool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		dbStore := db.NewStore(dbPool, metricsCollector)
		if err := dbStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		backend = dbStore
		logger.Info("connected to database")
	} else {
		backend = store.NewMemoryBackend()
		logger.Warn("DATABASE_URL not set, transactions are kept in memory only")
	}

	// Initialize Solana RPC client
	// Note: For premium RPC endpoints, include API key in the URL
	rpcURL, err := solana.SelectRandomEndpoint(cfg.SolanaRPCURLs)
	if err != nil {
		logger.Error("failed to select RPC endpoint", "error", err)
		os.Exit(1)
	}
	ledger := solana.NewClient(
		solana.NewRPCClient(rpcURL),
		extractEndpointFromURL(rpcURL),
		metricsCollector,
		logger,
		solana.WithRateLimit(cfg.RPCRateLimit),
	)
	logger.Info("initialized solana RPC client",
		"endpoint", extractEndpointFromURL(rpcURL),
		"total_endpoints", len(cfg.SolanaRPCURLs),
		"rate_limit", cfg.RPCRateLimit,
	)

	txStore := store.New(backend, ledger, cfg.StoreConfig(), metricsCollector, logger)
	codec := payreq.NewCodec(cfg.CodecOptions()...)

	// Status events are optional
	var publisher natspkg.Publisher
	if cfg.NATSURL != "" {
		p, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		publisher = p
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	recorder := payments.NewRecorder(txStore, publisher, logger)
	svc := payments.New(codec, txStore, ledger, recorder, cfg.MonitorConfig(), metricsCollector, logger)

	serverCfg := server.Config{
		Metrics: metricsCollector,
		ConfirmInput: temporal.ConfirmTransactionInput{
			PollInterval: cfg.MonitorPollInterval,
			MaxAttempts:  cfg.MonitorMaxAttempts,
		},
	}

	// Durable confirmations need a reachable Temporal frontend
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Warn("temporal unavailable, durable confirmations disabled", "error", err)
	} else {
		defer temporalClient.Close()
		serverCfg.Confirmer = temporalClient
		logger.Info("connected to temporal",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
			"task_queue", cfg.TemporalTaskQueue,
		)
	}

	if cfg.NATSURL != "" {
		stream, err := server.NewStatusStream(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create status stream", "error", err)
			os.Exit(1)
		}
		serverCfg.Stream = stream
	}

	httpServer := server.New(cfg.ServerAddr, svc, txStore, serverCfg, logger)

	logger.Info("server initialized, all dependencies ready",
		"persistence", persistenceKind(cfg.DatabaseURL),
		"nats_enabled", cfg.NATSURL != "",
		"confirmations_enabled", serverCfg.Confirmer != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

func persistenceKind(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}
	return "postgres"
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
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
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// extractEndpointFromURL extracts a short identifier from the Solana RPC URL for metrics labeling.
// Examples:
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://api.devnet.solana.com" -> "devnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func extractEndpointFromURL(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "unknown"
	}

	host := parsed.Hostname()
	for _, name := range []string{"helius", "quiknode", "alchemy", "triton", "rpcpool", "mainnet", "devnet", "testnet"} {
		if strings.Contains(host, name) {
			return name
		}
	}
	if strings.Contains(host, "quicknode") {
		return "quiknode"
	}
	if host == "" {
		return "unknown"
	}
	return host
}
