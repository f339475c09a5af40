package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServiceName labels logs and health responses.
const ServiceName = "readsock"

var (
	// Connection metrics
	activeConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "readsock_active_connections",
		Help: "Number of open client connections",
	}, []string{"transport"})

	totalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readsock_connections_total",
		Help: "Total number of accepted client connections",
	}, []string{"transport"})

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "readsock_connection_duration_seconds",
		Help:    "Lifetime of client connections in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 30, 120, 600},
	})

	// Framing metrics
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readsock_requests_total",
		Help: "Total number of framed requests handed to the work queue",
	}, []string{"transport"})

	requestBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readsock_request_bytes_total",
		Help: "Total bytes read from clients",
	}, []string{"transport"})

	chunksEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readsock_chunks_evicted_total",
		Help: "Buffered chunks dropped because a request outgrew the chunk buffer",
	})

	discardedPartials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readsock_partial_requests_discarded_total",
		Help: "Unterminated requests discarded when their connection closed",
	})

	// Queue metrics
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "readsock_queue_depth",
		Help: "Number of items waiting in the work queue",
	})

	queueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "readsock_queue_wait_seconds",
		Help:    "Time items spend in the work queue before being spoken",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
	})

	// Utterance metrics
	utterancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readsock_utterances_total",
		Help: "Total number of utterances handed to the speech sink",
	}, []string{"status"})

	utteranceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "readsock_utterance_duration_seconds",
		Help:    "Time from speak to completion in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readsock_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "readsock_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readsock_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// ConnMetrics tracks metrics for a single client connection
type ConnMetrics struct {
	transport string
	startTime time.Time
}

// NewConnMetrics creates a metrics tracker for a connection and records its start
func NewConnMetrics(transport string) *ConnMetrics {
	activeConnections.WithLabelValues(transport).Inc()
	totalConnections.WithLabelValues(transport).Inc()
	return &ConnMetrics{transport: transport, startTime: time.Now()}
}

// RecordConnEnd records the end of the connection
func (m *ConnMetrics) RecordConnEnd() {
	activeConnections.WithLabelValues(m.transport).Dec()
	connectionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordBytes records bytes read from the client
func (m *ConnMetrics) RecordBytes(n int) {
	requestBytes.WithLabelValues(m.transport).Add(float64(n))
}

// RecordRequest records one framed request
func (m *ConnMetrics) RecordRequest() {
	requestsTotal.WithLabelValues(m.transport).Inc()
}

// RecordEvictions records chunks dropped from the chunk buffer
func (m *ConnMetrics) RecordEvictions(n int) {
	chunksEvicted.Add(float64(n))
}

// RecordDiscardedPartial records an unterminated request dropped at close
func (m *ConnMetrics) RecordDiscardedPartial() {
	discardedPartials.Inc()
}

// SetQueueDepth publishes the current work queue length
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveQueueWait records how long an item waited before being dequeued
func ObserveQueueWait(d time.Duration) {
	queueWait.Observe(d.Seconds())
}

// RecordUtterance records the outcome and duration of one utterance
func RecordUtterance(success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	utterancesTotal.WithLabelValues(status).Inc()
	utteranceDuration.Observe(d.Seconds())
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
