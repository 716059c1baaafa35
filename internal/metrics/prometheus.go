package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics using a dedicated Prometheus registry
type PrometheusMetrics struct {
	checksTotal       *prometheus.CounterVec
	batchSize         prometheus.Histogram
	batchDuration     prometheus.Histogram
	cacheHitsTotal    *prometheus.CounterVec
	cacheMissesTotal  prometheus.Counter
	checkErrors       *prometheus.CounterVec
	resolverCalls     *prometheus.CounterVec
	resolverDuration  prometheus.Histogram
	preloadTasks      *prometheus.CounterVec
	preloadDuration   prometheus.Histogram
	preloadQueueDepth prometheus.Gauge
	patternEvents     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	checksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Total number of permission checks by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	batchSize := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of (user, permission) pairs per batch request",
			Buckets:   []float64{1, 4, 16, 64, 256, 1024, 4096},
		},
	)

	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_microseconds",
			Help:      "Batch check latency in microseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
	)

	cacheHitsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits by freshness tier",
		},
		[]string{"tier"},
	)

	cacheMissesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
	)

	checkErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of fail-closed pair errors by type",
		},
		[]string{"type"},
	)

	resolverCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "calls_total",
			Help:      "Total number of resolver calls by query signature and status",
		},
		[]string{"signature", "status"},
	)

	resolverDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "call_duration_milliseconds",
			Help:      "Resolver call latency in milliseconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	preloadTasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "tasks_total",
			Help:      "Total number of preload tasks by terminal status",
		},
		[]string{"status"},
	)

	preloadDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "task_duration_milliseconds",
			Help:      "Preload task latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	preloadQueueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "preload",
			Name:      "queue_depth",
			Help:      "Current number of queued preload tasks",
		},
	)

	patternEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patterns",
			Name:      "events_total",
			Help:      "Total number of access pattern events by disposition",
		},
		[]string{"disposition"},
	)

	registry.MustRegister(
		checksTotal, batchSize, batchDuration,
		cacheHitsTotal, cacheMissesTotal, checkErrors,
		resolverCalls, resolverDuration,
		preloadTasks, preloadDuration, preloadQueueDepth,
		patternEvents,
	)

	return &PrometheusMetrics{
		checksTotal:       checksTotal,
		batchSize:         batchSize,
		batchDuration:     batchDuration,
		cacheHitsTotal:    cacheHitsTotal,
		cacheMissesTotal:  cacheMissesTotal,
		checkErrors:       checkErrors,
		resolverCalls:     resolverCalls,
		resolverDuration:  resolverDuration,
		preloadTasks:      preloadTasks,
		preloadDuration:   preloadDuration,
		preloadQueueDepth: preloadQueueDepth,
		patternEvents:     patternEvents,
		registry:          registry,
	}
}

// RecordCheck records a single pair decision
func (p *PrometheusMetrics) RecordCheck(source string, allowed bool, duration time.Duration) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	p.checksTotal.WithLabelValues(source, outcome).Inc()
}

// RecordBatch records one batch request
func (p *PrometheusMetrics) RecordBatch(size int, duration time.Duration) {
	p.batchSize.Observe(float64(size))
	p.batchDuration.Observe(float64(duration.Microseconds()))
}

// RecordCacheHit records a cache hit at a freshness tier
func (p *PrometheusMetrics) RecordCacheHit(tier string) {
	p.cacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss
func (p *PrometheusMetrics) RecordCacheMiss() {
	p.cacheMissesTotal.Inc()
}

// RecordCheckError records a fail-closed pair error
func (p *PrometheusMetrics) RecordCheckError(errorType string) {
	p.checkErrors.WithLabelValues(errorType).Inc()
}

// RecordResolverCall records one resolver round-trip
func (p *PrometheusMetrics) RecordResolverCall(signature string, duration time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	p.resolverCalls.WithLabelValues(signature, status).Inc()
	p.resolverDuration.Observe(float64(duration.Milliseconds()))
}

// RecordPreloadTask records a preload task reaching a terminal state
func (p *PrometheusMetrics) RecordPreloadTask(status string, duration time.Duration) {
	p.preloadTasks.WithLabelValues(status).Inc()
	p.preloadDuration.Observe(float64(duration.Milliseconds()))
}

// UpdatePreloadQueueDepth updates the preload queue gauge
func (p *PrometheusMetrics) UpdatePreloadQueueDepth(depth int) {
	p.preloadQueueDepth.Set(float64(depth))
}

// RecordPatternEvent records an access pattern event, dropped or recorded
func (p *PrometheusMetrics) RecordPatternEvent(dropped bool) {
	disposition := "recorded"
	if dropped {
		disposition = "dropped"
	}
	p.patternEvents.WithLabelValues(disposition).Inc()
}

// HTTPHandler returns the Prometheus scrape handler
func (p *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
