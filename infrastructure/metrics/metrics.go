// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulsebutton/backend/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Button domain metrics
	PressesTotal          prometheus.Counter
	Entropy               prometheus.Gauge
	Phase                 prometheus.Gauge
	ReducerBatchDuration  prometheus.Histogram
	ReducerAttemptsTotal  *prometheus.CounterVec
	PoWChallengesIssued   prometheus.Counter
	PoWSolutionsVerified  *prometheus.CounterVec
	RateLimitRejections   *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Button domain metrics
		PressesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "button_presses_total",
				Help: "Total number of press events folded by the reducer",
			},
		),
		Entropy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "button_entropy",
				Help: "Current entropy of the last persisted global state",
			},
		),
		Phase: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "button_phase",
				Help: "Current phase of the last persisted global state (0=CALM,1=WARM,2=HOT,3=CHAOS)",
			},
		),
		ReducerBatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "button_reducer_batch_duration_seconds",
				Help:    "Time taken to fold and persist one reducer batch",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		ReducerAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "button_reducer_attempts_total",
				Help: "Total reducer batch attempts, by outcome",
			},
			[]string{"outcome"},
		),
		PoWChallengesIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "button_pow_challenges_issued_total",
				Help: "Total proof-of-work challenges issued",
			},
		),
		PoWSolutionsVerified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "button_pow_solutions_verified_total",
				Help: "Total proof-of-work solutions verified, by result",
			},
			[]string{"result"},
		),
		RateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "button_ratelimit_rejections_total",
				Help: "Total requests rejected by the rate limiter, by tier",
			},
			[]string{"tier"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.PressesTotal,
			m.Entropy,
			m.Phase,
			m.ReducerBatchDuration,
			m.ReducerAttemptsTotal,
			m.PoWChallengesIssued,
			m.PoWSolutionsVerified,
			m.RateLimitRejections,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordReducerBatch records one reducer batch attempt.
func (m *Metrics) RecordReducerBatch(outcome string, duration time.Duration, eventsApplied int) {
	m.ReducerAttemptsTotal.WithLabelValues(outcome).Inc()
	m.ReducerBatchDuration.Observe(duration.Seconds())
	if eventsApplied > 0 {
		m.PressesTotal.Add(float64(eventsApplied))
	}
}

// SetStateGauges updates the entropy/phase gauges to reflect the latest persisted state.
func (m *Metrics) SetStateGauges(entropy float64, phase int) {
	m.Entropy.Set(entropy)
	m.Phase.Set(float64(phase))
}

// RecordPoWChallengeIssued records a single issued proof-of-work challenge.
func (m *Metrics) RecordPoWChallengeIssued() {
	m.PoWChallengesIssued.Inc()
}

// RecordPoWSolutionVerified records the result of a proof-of-work verification attempt.
func (m *Metrics) RecordPoWSolutionVerified(result string) {
	m.PoWSolutionsVerified.WithLabelValues(result).Inc()
}

// RecordRateLimitRejection records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitRejection(tier string) {
	m.RateLimitRejections.WithLabelValues(tier).Inc()
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
