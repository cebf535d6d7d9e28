package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for operation duration (in milliseconds).
var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 1000}

// Prometheus is a Recorder backed by its own prometheus registry.
type Prometheus struct {
	registry *prometheus.Registry

	cacheLookups      *prometheus.CounterVec
	cacheEvictions    *prometheus.CounterVec
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// NewPrometheus creates the collectors under namespace and registers them
// together with the Go and process collectors.
func NewPrometheus(namespace string, buckets []float64) *Prometheus {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &Prometheus{
		registry: registry,

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Repository cache lookups by result",
			},
			[]string{"repository", "result"},
		),

		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Entries evicted from repository caches to respect capacity",
			},
			[]string{"repository"},
		),

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Repository operations by outcome",
			},
			[]string{"repository", "operation", "status"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_milliseconds",
				Help:      "Repository operation duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"repository", "operation"},
		),
	}

	registry.MustRegister(
		p.cacheLookups,
		p.cacheEvictions,
		p.operationsTotal,
		p.operationDuration,
	)
	return p
}

func (p *Prometheus) CacheHit(repository string) {
	p.cacheLookups.WithLabelValues(repository, "hit").Inc()
}

func (p *Prometheus) CacheMiss(repository string) {
	p.cacheLookups.WithLabelValues(repository, "miss").Inc()
}

func (p *Prometheus) CacheEviction(repository string) {
	p.cacheEvictions.WithLabelValues(repository).Inc()
}

func (p *Prometheus) Operation(repository, operation string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.operationsTotal.WithLabelValues(repository, operation, status).Inc()
	p.operationDuration.WithLabelValues(repository, operation).Observe(float64(d.Microseconds()) / 1000.0)
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler serving the registry in the exposition
// format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
