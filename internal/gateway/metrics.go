package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instruments. Each Handler owns its
// own registry so repeated construction (tests, embedded use) never trips
// duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec

	TaskTransitionsTotal *prometheus.CounterVec
}

// NewMetrics builds the gateway metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		WSConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections_active",
				Help:      "Open WebSocket subscriber connections",
			},
		),
		WSMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "WebSocket frames pushed, by topic",
			},
			[]string{"topic"},
		),
		TaskTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Task status transitions by target status; no handler increments it, so it stays at zero",
			},
			[]string{"status"},
		),
	}
}

// Handler exposes this registry's scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every REST request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := normalizePath(r.URL.Path)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath replaces id-carrying path segments with placeholders so the
// request metrics stay low-cardinality (one series per route, not one per
// project/task/commit).
func normalizePath(path string) string {
	// The internal callback carries two ids back to back.
	if strings.HasPrefix(path, "/api/internal/tasks/") {
		return "/api/internal/tasks/{pid}/{tid}/status"
	}

	segments := strings.Split(path, "/")
	for i := 1; i < len(segments); i++ {
		switch segments[i-1] {
		case "projects":
			segments[i] = "{pid}"
		case "tasks":
			segments[i] = "{tid}"
		case "commit":
			segments[i] = "{sha}"
		case "workers":
			segments[i] = "{wid}"
		}
	}
	return strings.Join(segments, "/")
}
