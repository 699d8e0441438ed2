// Package metrics holds the Prometheus collectors for the diagnosis service.
// Every recording method is safe on a nil *Registry, so components can take
// an optional registry without guarding each call.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wessley_diag"

// Registry owns a private Prometheus registry and the service collectors.
type Registry struct {
	reg *prometheus.Registry

	diagnoses       *prometheus.CounterVec
	diagnoseLatency prometheus.Histogram
	cacheEvents     *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	safetyVerdicts  *prometheus.CounterVec
	learning        *prometheus.CounterVec
	feedback        *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates a registry with every collector registered, plus the Go
// runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		diagnoses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "diagnoses_total",
			Help: "Diagnose calls by outcome (hit, miss, partial, empty, error).",
		}, []string{"outcome"}),
		diagnoseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "diagnose_duration_seconds",
			Help:    "Diagnose latency.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_events_total",
			Help: "Reasoning cache events (hit, miss, stale, expired, evicted, invalidated).",
		}, []string{"event"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_entries",
			Help: "Entries currently held by the reasoning cache.",
		}),
		safetyVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "safety_verdicts_total",
			Help: "Safety evaluations by highest gate (none when nothing fired).",
		}, []string{"gate"}),
		learning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "learning_edges_total",
			Help: "Edges visited by apply_learning by result (adjusted, deferred, skipped, conflict).",
		}, []string{"result"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feedback_recorded_total",
			Help: "Recorded evidence by kind (feedback, truth_label).",
		}, []string{"kind"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.diagnoses, r.diagnoseLatency, r.cacheEvents, r.cacheEntries,
		r.safetyVerdicts, r.learning, r.feedback, r.breakerState,
		r.httpRequests, r.httpDuration,
	)
	return r
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveDiagnosis records one diagnose call.
func (r *Registry) ObserveDiagnosis(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.diagnoses.WithLabelValues(outcome).Inc()
	r.diagnoseLatency.Observe(d.Seconds())
}

// CacheEvent counts a reasoning cache event.
func (r *Registry) CacheEvent(event string) {
	if r == nil {
		return
	}
	r.cacheEvents.WithLabelValues(event).Inc()
}

// CacheEntries sets the current cache size.
func (r *Registry) CacheEntries(n int) {
	if r == nil {
		return
	}
	r.cacheEntries.Set(float64(n))
}

// SafetyVerdict counts a safety evaluation by its highest gate.
func (r *Registry) SafetyVerdict(gate string) {
	if r == nil {
		return
	}
	if gate == "" {
		gate = "none"
	}
	r.safetyVerdicts.WithLabelValues(gate).Inc()
}

// LearningEdges counts edges visited by one learning batch.
func (r *Registry) LearningEdges(result string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.learning.WithLabelValues(result).Add(float64(n))
}

// EvidenceRecorded counts recorded feedback or truth labels.
func (r *Registry) EvidenceRecorded(kind string) {
	if r == nil {
		return
	}
	r.feedback.WithLabelValues(kind).Inc()
}

// BreakerState records a circuit breaker transition.
func (r *Registry) BreakerState(name string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, fmt.Sprint(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ServeAsync serves /metrics on its own port in a goroutine. Errors are logged.
func (r *Registry) ServeAsync(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			slog.Error("metrics server failed", "port", port, "err", err)
		}
	}()
}
