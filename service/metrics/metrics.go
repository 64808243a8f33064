package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal        *prometheus.CounterVec
	solanaRPCCallDuration      *prometheus.HistogramVec
	solanaRPCRateLimitHits     *prometheus.CounterVec
	solanaRPCRetries           *prometheus.CounterVec
	solanaRPCSignaturesPerCall *prometheus.HistogramVec
	transactionsParsedTotal    *prometheus.CounterVec

	// Payment request metrics
	paymentRequestsTotal *prometheus.CounterVec

	// Confirmation monitor metrics
	monitorPollsTotal    *prometheus.CounterVec
	monitorOutcomesTotal *prometheus.CounterVec
	monitorsActive       prometheus.Gauge

	// Transaction store metrics
	storeCacheLookupsTotal *prometheus.CounterVec
	storeLedgerFallbacks   prometheus.Counter
	storeCorruptBlobsTotal *prometheus.CounterVec
	storeDuplicatesDropped prometheus.Counter
	storeReconciledRecords prometheus.Histogram

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec

	// Workflow Metrics
	activityDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		solanaRPCSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_call",
				Help:    "Number of signatures fetched per GetSignaturesForAddress call",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"endpoint"},
		),
		transactionsParsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_parsed_total",
				Help: "Total number of ledger transactions parsed",
			},
			[]string{"status"},
		),

		paymentRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_requests_total",
				Help: "Total number of payment requests built, by outcome",
			},
			[]string{"outcome"},
		),

		monitorPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_polls_total",
				Help: "Total number of signature status polls by reported ledger status",
			},
			[]string{"status"},
		),
		monitorOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_outcomes_total",
				Help: "Total number of monitors that reached a terminal state",
			},
			[]string{"status", "reason"},
		),
		monitorsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitors_active",
				Help: "Number of confirmation monitors currently polling",
			},
		),

		storeCacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_cache_lookups_total",
				Help: "Ledger history cache lookups by result (hit, miss, expired)",
			},
			[]string{"result"},
		),
		storeLedgerFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "store_ledger_fallbacks_total",
				Help: "Number of history reads that fell back to local records after a ledger failure",
			},
		),
		storeCorruptBlobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_corrupt_blobs_total",
				Help: "Number of persisted blobs that could not be decoded",
			},
			[]string{"kind"},
		),
		storeDuplicatesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "store_duplicates_dropped_total",
				Help: "Local records dropped during reconciliation because the ledger already reports them",
			},
		),
		storeReconciledRecords: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "store_reconciled_records",
				Help:    "Number of records returned by a reconciled history read",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
			},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),

		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "temporal_activity_duration_seconds",
				Help:    "Duration of confirmation workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "status"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(endpoint string, count float64) {
	m.solanaRPCSignaturesPerCall.WithLabelValues(endpoint).Observe(count)
}

// RecordTransactionParsed records a transaction parse attempt.
func (m *Metrics) RecordTransactionParsed(status string) {
	m.transactionsParsedTotal.WithLabelValues(status).Inc()
}

// RecordPaymentRequest records a payment request build. Outcome is "built"
// or the validation code that rejected it.
func (m *Metrics) RecordPaymentRequest(outcome string) {
	m.paymentRequestsTotal.WithLabelValues(outcome).Inc()
}

// Monitor metric helpers

// RecordMonitorPoll records one signature status poll.
func (m *Metrics) RecordMonitorPoll(status string) {
	m.monitorPollsTotal.WithLabelValues(status).Inc()
}

// RecordMonitorOutcome records a monitor reaching a terminal state.
func (m *Metrics) RecordMonitorOutcome(status, reason string) {
	m.monitorOutcomesTotal.WithLabelValues(status, reason).Inc()
}

// RecordMonitorActive adjusts the active monitor gauge by delta.
func (m *Metrics) RecordMonitorActive(delta float64) {
	m.monitorsActive.Add(delta)
}

// Store metric helpers

// RecordCacheLookup records a ledger history cache lookup.
func (m *Metrics) RecordCacheLookup(result string) {
	m.storeCacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordLedgerFallback records a history read served from local records only.
func (m *Metrics) RecordLedgerFallback() {
	m.storeLedgerFallbacks.Inc()
}

// RecordCorruptBlob records a persisted blob that failed to decode.
func (m *Metrics) RecordCorruptBlob(kind string) {
	m.storeCorruptBlobsTotal.WithLabelValues(kind).Inc()
}

// RecordReconciliation records the size of a merged history and how many
// local duplicates were dropped to produce it.
func (m *Metrics) RecordReconciliation(total, dropped int) {
	m.storeReconciledRecords.Observe(float64(total))
	m.storeDuplicatesDropped.Add(float64(dropped))
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// RecordActivityDuration records a workflow activity execution.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
