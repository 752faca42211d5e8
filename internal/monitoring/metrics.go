// Package monitoring exposes Prometheus metrics for the kernel and the
// controller daemon.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Kernel request metrics
	RequestsTotal     *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	NamespaceEntries  prometheus.Gauge

	// Controller HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	startTime time.Time
}

// New creates a metrics collector registered on reg. Pass nil to use the
// default registerer; tests pass their own registry to avoid collisions.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_requests_total",
				Help: "Total kernel protocol requests by op",
			},
			[]string{"op"},
		),
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_executions_total",
				Help: "Total executions by outcome",
			},
			[]string{"outcome"},
		),
		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kernel_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600},
			},
		),
		NamespaceEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_namespace_entries",
				Help: "Current number of namespace entries",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controller_http_requests_total",
				Help: "Total HTTP requests by method, path and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controller_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "controller_ws_connections",
				Help: "Active WebSocket stream connections",
			},
		),
	}
}

// Uptime returns time since the collector was created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// ObserveHTTPRequest records one completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, elapsed time.Duration) {
	if path == "" {
		path = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// WSConnected tracks a stream connection for the gauge's lifetime.
func (m *Metrics) WSConnected() (done func()) {
	m.WSConnections.Inc()
	return func() { m.WSConnections.Dec() }
}
