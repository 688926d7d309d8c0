package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/netopt/pkg/domain"
)

var pairStates = []domain.PairState{domain.StateNominal, domain.StateCongested, domain.StateRemediating}

// Metrics holds the Prometheus collectors served at /metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	pairState           *prometheus.GaugeVec
	policyVersion       prometheus.Gauge
	streamClients       prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a registry with the API collectors plus any extra
// collectors, such as the OpenTelemetry bridge.
func NewMetrics(extra ...prometheus.Collector) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netopt_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netopt_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		pairState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "netopt_pair_state",
				Help: "Current remediation state per monitored pair (1 for the active state)",
			},
			[]string{"pair", "state"},
		),
		policyVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netopt_policy_version",
				Help: "Policy store version last observed by the API",
			},
		),
		streamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netopt_status_stream_clients",
				Help: "Number of connected status stream clients",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.pairState,
		m.policyVersion,
		m.streamClients,
	)
	for _, c := range extra {
		registry.MustRegister(c)
	}
	return m
}

// ObservePairState marks state as the active state of pair. It matches the
// controller's state observer signature.
func (m *Metrics) ObservePairState(pair string, state domain.PairState) {
	for _, s := range pairStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.pairState.WithLabelValues(pair, string(s)).Set(v)
	}
}

// SetPolicyVersion records the latest policy store version.
func (m *Metrics) SetPolicyVersion(v int64) {
	m.policyVersion.Set(float64(v))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request metrics labelled by the matched chi route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is required by the websocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}
