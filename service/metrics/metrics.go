package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Chain RPC Metrics
	rpcCallsTotal       *prometheus.CounterVec
	rpcCallDuration     *prometheus.HistogramVec
	rpcRateLimitHits    *prometheus.CounterVec
	rpcRetries          *prometheus.CounterVec
	indexerRequests     *prometheus.CounterVec
	indexerDuration     *prometheus.HistogramVec
	circuitBreakerState *prometheus.GaugeVec

	// Settlement Metrics
	verificationsTotal *prometheus.CounterVec
	transfersTotal     *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	swapsByStatus      *prometheus.GaugeVec

	// Worker Metrics
	workerPassDuration *prometheus.HistogramVec
	workerPassesTotal  *prometheus.CounterVec
	workerRecordsTotal *prometheus.CounterVec
	workerQueueDepth   prometheus.Gauge
	activityDuration   *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Chain RPC Metrics
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by chain, method and status",
			},
			[]string{"chain", "method", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"chain", "method"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_rate_limit_hits_total",
				Help: "Total number of chain RPC rate limit hits (429 errors)",
			},
			[]string{"chain"},
		),
		rpcRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_retries_total",
				Help: "Total number of chain RPC retries by reason",
			},
			[]string{"chain", "method", "reason"},
		),
		indexerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_requests_total",
				Help: "Total number of indexer requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		indexerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_request_duration_seconds",
				Help:    "Duration of indexer requests in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),

		// Settlement Metrics
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_verifications_total",
				Help: "Total number of payment verifications by chain, source and outcome",
			},
			[]string{"chain", "source", "outcome"},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cirx_transfers_total",
				Help: "Total number of CIRX payout attempts by outcome",
			},
			[]string{"outcome"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swap_transitions_total",
				Help: "Total number of applied swap status transitions",
			},
			[]string{"from", "to"},
		),
		swapsByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swaps_by_status",
				Help: "Number of swap records per status",
			},
			[]string{"status"},
		),

		// Worker Metrics
		workerPassDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_pass_duration_seconds",
				Help:    "Duration of worker batch passes in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0},
			},
			[]string{"worker"},
		),
		workerPassesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_passes_total",
				Help: "Total number of worker batch passes by status",
			},
			[]string{"worker", "status"},
		),
		workerRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_records_total",
				Help: "Total number of records handled by workers by result",
			},
			[]string{"worker", "result"},
		),
		workerQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "worker_queue_depth",
				Help: "Number of passes waiting in the worker pool queue",
			},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_activity_duration_seconds",
				Help:    "Duration of Temporal settlement activities in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"activity"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations by type and status",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by handler, method, and status",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published by subject and status",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"subject"},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(chain, method, status string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(chain, method, status).Inc()
	m.rpcCallDuration.WithLabelValues(chain, method).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(chain string) {
	m.rpcRateLimitHits.WithLabelValues(chain).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(chain, method, reason string) {
	m.rpcRetries.WithLabelValues(chain, method, reason).Inc()
}

// RecordIndexerRequest records an indexer request with duration.
func (m *Metrics) RecordIndexerRequest(operation, status string, duration float64) {
	m.indexerRequests.WithLabelValues(operation, status).Inc()
	m.indexerDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCircuitBreakerState records the state of a named breaker.
func (m *Metrics) RecordCircuitBreakerState(name string, state int) {
	m.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Settlement metric helpers

// RecordVerification records the outcome of a payment verification.
func (m *Metrics) RecordVerification(chain, source, outcome string) {
	m.verificationsTotal.WithLabelValues(chain, source, outcome).Inc()
}

// RecordTransfer records the outcome of a payout attempt.
func (m *Metrics) RecordTransfer(outcome string) {
	m.transfersTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition records an applied status transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// SetSwapsByStatus sets the record count for a status.
func (m *Metrics) SetSwapsByStatus(status string, count int64) {
	m.swapsByStatus.WithLabelValues(status).Set(float64(count))
}

// Worker metric helpers

// RecordWorkerPass records a worker pass with duration.
func (m *Metrics) RecordWorkerPass(worker, status string, duration float64) {
	m.workerPassDuration.WithLabelValues(worker).Observe(duration)
	m.workerPassesTotal.WithLabelValues(worker, status).Inc()
}

// RecordWorkerRecords records records handled in a pass by result.
func (m *Metrics) RecordWorkerRecords(worker, result string, count int) {
	if count == 0 {
		return
	}
	m.workerRecordsTotal.WithLabelValues(worker, result).Add(float64(count))
}

// SetQueueDepth sets the number of queued passes.
func (m *Metrics) SetQueueDepth(depth int) {
	m.workerQueueDepth.Set(float64(depth))
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration)
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
