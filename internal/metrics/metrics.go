package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes recorded per strategy.
const (
	OutcomeCacheHit    = "cache_hit"
	OutcomeNetwork     = "network"
	OutcomeFallbackHit = "fallback_hit"
	OutcomeFailed      = "failed"
)

// Recorder captures agent lifecycle and fetch metrics.
type Recorder interface {
	IncFetch(strategy, outcome string)
	IncCacheWriteFailure(version string)
	IncLifecycle(event, version, result string)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) IncFetch(string, string)             {}
func (Noop) IncCacheWriteFailure(string)         {}
func (Noop) IncLifecycle(string, string, string) {}

// Prom implements Recorder backed by Prometheus counters on a private registry.
type Prom struct {
	registry           *prometheus.Registry
	fetches            *prometheus.CounterVec
	cacheWriteFailures *prometheus.CounterVec
	lifecycle          *prometheus.CounterVec
}

// NewProm builds the collectors under the given namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted requests by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		cacheWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Best-effort cache writes that failed, by store version",
		}, []string{"version"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Install/activate events by version and result",
		}, []string{"event", "version", "result"}),
	}
	p.registry.MustRegister(p.fetches, p.cacheWriteFailures, p.lifecycle)
	return p
}

func (p *Prom) IncFetch(strategy, outcome string) {
	p.fetches.WithLabelValues(strategy, outcome).Inc()
}

func (p *Prom) IncCacheWriteFailure(version string) {
	p.cacheWriteFailures.WithLabelValues(version).Inc()
}

func (p *Prom) IncLifecycle(event, version, result string) {
	p.lifecycle.WithLabelValues(event, version, result).Inc()
}

// Handler returns an HTTP handler exposing the private registry.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
