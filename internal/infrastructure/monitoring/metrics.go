package monitoring

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects performance metrics for the backup service.
// Each instance carries its own Prometheus registry, so independent
// instances (and tests) never collide on metric names.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Backup run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  prometheus.Gauge

	// Producer metrics
	producerResults *prometheus.CounterVec
	producerBytes   prometheus.Counter

	// WebSocket metrics
	wsConnections prometheus.Gauge

	// Uptime tracking
	startTime time.Time

	// Cumulative counters for the JSON snapshot
	totalRequests atomic.Int64
	totalRuns     atomic.Int64
	totalBytes    atomic.Int64
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backupd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backupd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "backupd_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backupd_runs_total",
				Help: "Total number of backup runs by final status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backupd_run_duration_seconds",
				Help:    "Backup run duration in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),
		runsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "backupd_runs_active",
				Help: "Number of backup runs currently in progress",
			},
		),
		producerResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backupd_producer_results_total",
				Help: "Total number of per-producer backup outcomes by result code",
			},
			[]string{"result"},
		),
		producerBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "backupd_producer_bytes_total",
				Help: "Total bytes streamed to the transport across all producers",
			},
		),
		wsConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "backupd_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		startTime: time.Now(),
	}
}

// Registry exposes the instance's Prometheus registry for the scrape
// endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.totalRequests.Add(1)
}

// RequestStarted increments the in-flight request gauge
func (m *Metrics) RequestStarted() {
	m.httpRequestsInFlight.Inc()
}

// RequestFinished decrements the in-flight request gauge
func (m *Metrics) RequestFinished() {
	m.httpRequestsInFlight.Dec()
}

// RunStarted marks a backup run as active
func (m *Metrics) RunStarted() {
	m.runsActive.Inc()
}

// RecordRun records a completed backup run with its final status
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.runsActive.Dec()
	m.totalRuns.Add(1)
}

// RecordProducerResult records the outcome of a single producer backup
func (m *Metrics) RecordProducerResult(result string) {
	m.producerResults.WithLabelValues(result).Inc()
}

// RecordProducerBytes records bytes streamed for one producer
func (m *Metrics) RecordProducerBytes(n int64) {
	if n <= 0 {
		return
	}
	m.producerBytes.Add(float64(n))
	m.totalBytes.Add(n)
}

// WSConnected increments the WebSocket connection gauge
func (m *Metrics) WSConnected() {
	m.wsConnections.Inc()
}

// WSDisconnected decrements the WebSocket connection gauge
func (m *Metrics) WSDisconnected() {
	m.wsConnections.Dec()
}

// Snapshot is a point-in-time view of service counters for the stats API
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	TotalRequests int64   `json:"total_requests"`
	TotalRuns     int64   `json:"total_runs"`
	TotalBytes    int64   `json:"total_bytes"`
}

// Stats returns a snapshot of cumulative counters
func (m *Metrics) Stats() Snapshot {
	return Snapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		TotalRequests: m.totalRequests.Load(),
		TotalRuns:     m.totalRuns.Load(),
		TotalBytes:    m.totalBytes.Load(),
	}
}
