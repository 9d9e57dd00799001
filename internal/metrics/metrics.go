// Package metrics exposes Prometheus collectors for one analysis run. The
// collectors live on a private registry so independent runs (and tests) do
// not collide on global registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the run-level counters and gauges.
type Collector struct {
	registry *prometheus.Registry

	JobsSucceeded  prometheus.Counter
	JobsRetried    prometheus.Counter
	JobsFailed     prometheus.Counter
	JobsInFlight   prometheus.Gauge
	EnginesRetired prometheus.Counter
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	JobDuration    prometheus.Histogram
}

// NewCollector creates and registers all collectors on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_jobs_succeeded_total",
			Help: "Jobs that completed the full pipeline successfully",
		}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_jobs_retried_total",
			Help: "Job attempts requeued after an engine failure",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_jobs_failed_total",
			Help: "Jobs dropped permanently (validation, retry budget, or unclassified errors)",
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gambit_jobs_in_flight",
			Help: "Job attempts currently holding an engine",
		}),
		EnginesRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_engines_retired_total",
			Help: "Engine handles retired after a failure",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_cache_hits_total",
			Help: "Positions answered from the analysis cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gambit_cache_misses_total",
			Help: "Positions that required a fresh engine analysis",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gambit_job_duration_seconds",
			Help:    "Wall time of successful job attempts",
			Buckets: prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.JobsSucceeded, c.JobsRetried, c.JobsFailed, c.JobsInFlight,
		c.EnginesRetired, c.CacheHits, c.CacheMisses, c.JobDuration,
	)
	return c
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
