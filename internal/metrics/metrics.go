// Package metrics exposes Prometheus collectors for the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appdeck"

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	pipelineBuckets  = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	queueEntries     *prometheus.GaugeVec
	pipelineDuration *prometheus.HistogramVec
	pipelineResults  *prometheus.CounterVec
	requestTotal     *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	subscriptions    prometheus.Gauge
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.queueEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "entries",
		Help:      "Queue entries by status",
	}, []string{"status"})

	m.pipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "duration_seconds",
		Help:      "Duration of deployment pipelines",
		Buckets:   pipelineBuckets,
	}, []string{"kind", "result"})

	m.pipelineResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Count of finished deployment pipelines",
	}, []string{"kind", "result"})

	m.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	m.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})

	m.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route"})

	m.subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "subscriptions",
		Help:      "Live stream subscriptions",
	})

	m.registry.MustRegister(
		m.queueEntries,
		m.pipelineDuration,
		m.pipelineResults,
		m.requestTotal,
		m.requestLatency,
		m.rateLimitHits,
		m.subscriptions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetQueueCounts replaces the queue gauge with counts by status.
func (m *Metrics) SetQueueCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.queueEntries.Reset()
	for status, n := range counts {
		m.queueEntries.WithLabelValues(status).Set(float64(n))
	}
}

// ObservePipeline records one finished pipeline.
func (m *Metrics) ObservePipeline(kind string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.pipelineResults.WithLabelValues(kind, result).Inc()
	m.pipelineDuration.WithLabelValues(kind, result).Observe(d.Seconds())
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(d.Seconds())
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(route).Inc()
}

// SetSubscriptions records the number of live stream subscriptions.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}
