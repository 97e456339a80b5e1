package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agenttap/internal/domain"
)

// Recorder exports interception metrics to Prometheus. It implements
// domain.Metrics.
type Recorder struct {
	registry    *prometheus.Registry
	artifacts   *prometheus.CounterVec
	negotiation *prometheus.CounterVec
	latency     prometheus.Histogram
	launches    *prometheus.CounterVec
}

// NewRecorder registers the agenttap collectors on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenttap",
			Name:      "artifacts_resolved_total",
			Help:      "Dependency resolutions by component and outcome.",
		}, []string{"component", "outcome"}),
		negotiation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenttap",
			Name:      "proxy_negotiations_total",
			Help:      "Proxy address negotiations by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agenttap",
			Name:      "proxy_negotiation_seconds",
			Help:      "Time from probe start to outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenttap",
			Name:      "script_launches_total",
			Help:      "Script launches by outcome.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(r.artifacts, r.negotiation, r.latency, r.launches)
	return r
}

func (r *Recorder) ArtifactResolved(key domain.DependencyKey, outcome string) {
	r.artifacts.WithLabelValues(key.Component, outcome).Inc()
}

func (r *Recorder) NegotiationFinished(outcome string, elapsed time.Duration) {
	r.negotiation.WithLabelValues(outcome).Inc()
	r.latency.Observe(elapsed.Seconds())
}

func (r *Recorder) ScriptLaunched(outcome string) {
	r.launches.WithLabelValues(outcome).Inc()
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) ArtifactResolved(domain.DependencyKey, string) {}

func (Nop) NegotiationFinished(string, time.Duration) {}

func (Nop) ScriptLaunched(string) {}
