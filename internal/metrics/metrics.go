// Package metrics exposes Prometheus metrics for HTTP traffic, remote calls,
// the container controller and the file store.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plugdeck"

// Metrics holds all Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Remote control plane
	RemoteCalls    *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec

	// Controller
	Transitions    *prometheus.CounterVec
	Actions        *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec

	// File store
	FileOps     *prometheus.CounterVec
	UploadBytes prometheus.Counter

	// WebSocket
	WSConnections prometheus.Gauge
}

// New creates the metrics and registers them, plus the Go runtime and
// process collectors, on a new registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"method", "route"},
		),

		RemoteCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Control plane calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RemoteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Control plane call duration in seconds, retries included",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_state_transitions_total",
				Help:      "Container state transitions observed by the controller",
			},
			[]string{"from", "to"},
		),
		Actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_actions_total",
				Help:      "Lifecycle actions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ActionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "container_action_duration_seconds",
				Help:      "Time from issuing a lifecycle action until it settled",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),

		FileOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "file_operations_total",
				Help:      "File store operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		UploadBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_bytes_total",
				Help:      "Bytes stored by successful uploads",
			},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of open event stream connections",
			},
		),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records a handled request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RemoteCall records a finished control plane call.
func (m *Metrics) RemoteCall(operation, outcome string, elapsed time.Duration) {
	m.RemoteCalls.WithLabelValues(operation, outcome).Inc()
	m.RemoteDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// Transition records a container state change.
func (m *Metrics) Transition(from, to string) {
	m.Transitions.WithLabelValues(from, to).Inc()
}

// Action records a settled lifecycle action.
func (m *Metrics) Action(kind, outcome string, elapsed time.Duration) {
	m.Actions.WithLabelValues(kind, outcome).Inc()
	m.ActionDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// FileOp records a file store operation.
func (m *Metrics) FileOp(op, outcome string) {
	m.FileOps.WithLabelValues(op, outcome).Inc()
}

// Connections sets the number of open websocket connections.
func (m *Metrics) Connections(n int) {
	m.WSConnections.Set(float64(n))
}

// Uploaded adds the size of a stored upload.
func (m *Metrics) Uploaded(bytes int64) {
	m.UploadBytes.Add(float64(bytes))
}

// Middleware creates a Gin middleware for metrics collection. Requests are
// labelled by route pattern, not raw path, to bound cardinality.
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
