// Package metrics holds the Prometheus collectors for the launch flow and the backend API.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launchpad"

// Metrics owns a private registry so tests and multiple servers never collide.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight     prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	stepRuns         *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	identityAttempts *prometheus.CounterVec
	finalized        *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec
	webhookDelivered *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method", "route"}),
		stepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "step_runs_total",
			Help:      "Launch step executions by outcome.",
		}, []string{"step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "step_duration_seconds",
			Help:      "Duration of launch steps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"step"}),
		identityAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "attempts_total",
			Help:      "Identity registration HTTP attempts by outcome.",
		}, []string{"outcome"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "launch",
			Name:      "finalized_total",
			Help:      "Persisted launches by resulting status.",
		}, []string{"status"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Retried upstream HTTP requests.",
		}, []string{"host", "status"}),
		webhookDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.stepRuns,
		m.stepDuration,
		m.identityAttempts,
		m.finalized,
		m.upstreamRetries,
		m.webhookDelivered,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveStep records one launch step outcome ("ok" or "failed").
func (m *Metrics) ObserveStep(step, outcome string, d time.Duration) {
	m.stepRuns.WithLabelValues(step, outcome).Inc()
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) ObserveIdentityAttempt(outcome string) {
	m.identityAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFinalize(status string) {
	m.finalized.WithLabelValues(status).Inc()
}

// ObserveUpstreamRetry matches the httpx.RetryTransport OnRetry hook.
func (m *Metrics) ObserveUpstreamRetry(req *http.Request, _ int, status int) {
	m.upstreamRetries.WithLabelValues(req.URL.Host, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveWebhookDelivery(ok bool) {
	result := "failed"
	if ok {
		result = "delivered"
	}
	m.webhookDelivered.WithLabelValues(result).Inc()
}

// InstrumentHandler wraps next with request counting. Routes are labelled by their chi pattern.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
