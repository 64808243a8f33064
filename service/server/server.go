package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/campuspay/service/metrics"
	"github.com/brojonat/campuspay/service/payments"
	"github.com/brojonat/campuspay/service/store"
	"github.com/brojonat/campuspay/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Confirmer runs durable confirmations. *temporal.Client implements it.
type Confirmer interface {
	StartConfirmation(ctx context.Context, input temporal.ConfirmTransactionInput) (string, error)
	CancelConfirmation(ctx context.Context, recordID string) error
}

// Config carries the optional pieces of a Server.
type Config struct {
	// Confirmer enables the durable confirmation endpoints.
	Confirmer Confirmer
	// ConfirmInput supplies polling parameters for durable confirmations.
	ConfirmInput temporal.ConfirmTransactionInput
	// Stream enables the status event stream endpoints.
	Stream *StatusStream
	// Metrics enables /metrics and per-route request metrics.
	Metrics *metrics.Metrics
}

// Server is the campuspay HTTP API.
type Server struct {
	addr     string
	payments *payments.Service
	store    *store.Store
	cfg      Config
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(addr string, svc *payments.Service, s *store.Store, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		addr:     addr,
		payments: svc,
		store:    s,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handler returns the API routes wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.cfg.Metrics, name)(h))
	}

	// Payment request routes
	route("POST /api/v1/payment-requests", "create_payment_request", handleCreatePaymentRequest(s.payments, s.logger))
	route("POST /api/v1/payment-requests/parse", "parse_payment_request", handleParsePaymentRequest(s.payments.Codec(), s.logger))
	route("POST /api/v1/payment-requests/qr", "payment_request_qr", handlePaymentRequestQR(s.payments.Codec(), s.logger))

	// Transaction routes
	route("GET /api/v1/transactions", "list_transactions", handleListTransactions(s.store, s.logger))
	route("POST /api/v1/transactions", "add_transaction", handleAddTransaction(s.store, s.logger))
	route("DELETE /api/v1/transactions", "clear_transactions", handleClearTransactions(s.store, s.logger))
	route("POST /api/v1/transactions/refresh", "refresh_transactions", handleRefreshTransactions(s.store, s.logger))
	route("GET /api/v1/transactions/export", "export_transactions", handleExportTransactions(s.store, s.logger))
	route("POST /api/v1/transactions/import", "import_transactions", handleImportTransactions(s.store, s.logger))
	route("GET /api/v1/transactions/{id}", "get_transaction", handleGetTransaction(s.store, s.logger))
	route("PATCH /api/v1/transactions/{id}", "update_transaction", handleUpdateTransaction(s.store, s.logger))
	route("DELETE /api/v1/transactions/{id}", "delete_transaction", handleDeleteTransaction(s.store, s.payments, s.logger))

	// Confirmation tracking routes
	route("POST /api/v1/transactions/{id}/track", "track_transaction", handleTrackTransaction(s.payments, s.logger))
	route("DELETE /api/v1/transactions/{id}/track", "stop_tracking", handleStopTracking(s.payments, s.logger))
	route("GET /api/v1/transactions/{id}/steps", "transaction_steps", handleTransactionSteps(s.payments, s.logger))

	if s.cfg.Confirmer != nil {
		route("POST /api/v1/transactions/{id}/confirm", "start_confirmation", handleStartConfirmation(s.store, s.cfg.Confirmer, s.cfg.ConfirmInput, s.logger))
		route("DELETE /api/v1/transactions/{id}/confirm", "cancel_confirmation", handleCancelConfirmation(s.cfg.Confirmer, s.logger))
		s.logger.Info("durable confirmation endpoints enabled")
	}

	if s.cfg.Stream != nil {
		mux.Handle("GET /api/v1/stream/payments/{id}", handleStreamStatus(s.cfg.Stream, s.logger))
		mux.Handle("GET /api/v1/stream/payments", handleStreamStatus(s.cfg.Stream, s.logger))
		s.logger.Info("status streaming endpoints enabled")
	} else {
		s.logger.Warn("NATS not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // status streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server and stops tracking.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the stream first (disconnects all clients)
	if s.cfg.Stream != nil {
		s.cfg.Stream.Close()
	}

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if perr := s.payments.Shutdown(ctx); perr != nil && err == nil {
		err = perr
	}
	return err
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
