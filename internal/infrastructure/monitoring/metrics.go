package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Session metrics
	SessionsLive    prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsDeleted prometheus.Counter

	// Stream metrics
	StreamsActive  prometheus.Gauge
	StreamMessages *prometheus.CounterVec
	StreamAttempts prometheus.Counter

	// Upstream metrics
	UpstreamProbes *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests     int64
	TotalErrors       int64
	LiveSessions      int64
	ActiveStreams     int64
	ActiveConnections int64
	TotalDuration     float64 // sum of all request durations
	RequestCount      int64   // count for averaging
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		// Session metrics
		SessionsLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_sessions_live",
				Help: "Number of sessions currently in the workspace",
			},
		),
		SessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_sessions_deleted_total",
				Help: "Total number of sessions deleted",
			},
		),

		// Stream metrics
		StreamsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_streams_active",
				Help: "Number of research streams currently loading",
			},
		),
		StreamMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_stream_messages_total",
				Help: "Total number of stream messages received",
			},
			[]string{"type"},
		),
		StreamAttempts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_stream_attempts_total",
				Help: "Total number of stream connection attempts",
			},
		),

		// Upstream metrics
		UpstreamProbes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_upstream_probes_total",
				Help: "Total number of upstream health probes",
			},
			[]string{"status"},
		),

		// WebSocket metrics
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_uptime_seconds",
				Help: "Backend uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// SetSessionsLive sets the number of sessions in the workspace
func (m *Metrics) SetSessionsLive(count int) {
	m.SessionsLive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.LiveSessions = int64(count)
	m.mu.Unlock()
}

// IncSessionsCreated increments the sessions created counter
func (m *Metrics) IncSessionsCreated() {
	m.SessionsCreated.Inc()
}

// IncSessionsDeleted increments the sessions deleted counter
func (m *Metrics) IncSessionsDeleted() {
	m.SessionsDeleted.Inc()
}

// SetStreamsActive sets the number of streams currently loading
func (m *Metrics) SetStreamsActive(count int) {
	m.StreamsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveStreams = int64(count)
	m.mu.Unlock()
}

// RecordStreamMessage records a received stream message by type
func (m *Metrics) RecordStreamMessage(msgType string) {
	m.StreamMessages.WithLabelValues(msgType).Inc()
}

// IncStreamAttempts increments the stream connection attempt counter
func (m *Metrics) IncStreamAttempts() {
	m.StreamAttempts.Inc()
}

// RecordUpstreamProbe records an upstream health probe result
func (m *Metrics) RecordUpstreamProbe(status string) {
	m.UpstreamProbes.WithLabelValues(status).Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// Snapshot returns the current metric values for the JSON stats endpoint
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// UptimeSeconds returns how long the process has been running
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}
