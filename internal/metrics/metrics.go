// Package metrics exposes montage's Prometheus collectors. A Metrics value
// satisfies the recorder interfaces of the asset cache, cleanup coordinator,
// encode queue, and render engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"montage/internal/services"
)

const namespace = "montage"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth     prometheus.Gauge
	activeEncodes  prometheus.Gauge
	encodeDuration *prometheus.HistogramVec
	encodeFailures *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	lockFailures   *prometheus.CounterVec
	cleanup        *prometheus.CounterVec
	jobs           *prometheus.CounterVec
}

// New registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encode", Name: "queue_depth",
			Help: "Renders waiting for an encode slot.",
		}),
		activeEncodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "encode", Name: "active",
			Help: "Encodes currently running.",
		}),
		encodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "encode", Name: "duration_seconds",
			Help:    "Wall time of successful encodes.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"template"}),
		encodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "encode", Name: "failures_total",
			Help: "Failed encodes by stderr class.",
		}, []string{"class"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Asset cache hits by asset type.",
		}, []string{"type"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Asset cache misses by asset type.",
		}, []string{"type"}),
		lockFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lock_failures_total",
			Help: "Cache lock acquisitions that gave up.",
		}, []string{"scope"}),
		cleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cleanup", Name: "tasks_total",
			Help: "Cleanup task outcomes.",
		}, []string{"outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "finished_total",
			Help: "Finished jobs by final status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueDepth, m.activeEncodes, m.encodeDuration, m.encodeFailures,
		m.cacheHits, m.cacheMisses, m.lockFailures, m.cleanup, m.jobs,
	)
	return m
}

// Registry returns the backing registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EncodeQueueDepth(waiting int) { m.queueDepth.Set(float64(waiting)) }

func (m *Metrics) EncodesActive(active int) { m.activeEncodes.Set(float64(active)) }

// EncodeFinished records a duration on success and a failure by class
// otherwise.
func (m *Metrics) EncodeFinished(template string, elapsed time.Duration, class services.EncodeClass) {
	if class == "" {
		m.encodeDuration.WithLabelValues(template).Observe(elapsed.Seconds())
		return
	}
	m.encodeFailures.WithLabelValues(string(class)).Inc()
}

func (m *Metrics) CacheHit(assetType string) { m.cacheHits.WithLabelValues(assetType).Inc() }

func (m *Metrics) CacheMiss(assetType string) { m.cacheMisses.WithLabelValues(assetType).Inc() }

func (m *Metrics) CacheLockFailure(scope string) { m.lockFailures.WithLabelValues(scope).Inc() }

func (m *Metrics) CleanupOutcome(outcome string) { m.cleanup.WithLabelValues(outcome).Inc() }

// JobFinished counts a job reaching a terminal status.
func (m *Metrics) JobFinished(status string) { m.jobs.WithLabelValues(status).Inc() }
