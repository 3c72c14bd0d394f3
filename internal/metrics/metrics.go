// Package metrics exposes Prometheus collectors for the quote pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Item outcomes recorded by ObserveItem.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

var (
	pipelineItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_items_total",
			Help: "Total number of work items handled by scheduler pools, labeled by pool and outcome.",
		},
		[]string{"pool", "outcome"},
	)

	pipelineItemDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_item_duration_seconds",
			Help:    "Histogram of per-item handler latency, labeled by pool.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"pool"},
	)

	pipelineStopTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stop_tokens_total",
			Help: "Total number of stop tokens consumed, labeled by pool.",
		},
		[]string{"pool"},
	)

	pipelineActiveInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_active_instances",
			Help: "Number of pool instances that have not yet stopped, labeled by pool.",
		},
		[]string{"pool"},
	)

	pipelineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Messages waiting in a queue as last observed by a consumer, labeled by queue.",
		},
		[]string{"queue"},
	)

	pipelineSourceItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_source_items_total",
			Help: "Total number of identifiers emitted by source workers, labeled by worker.",
		},
		[]string{"worker"},
	)

	pipelineRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	fetchResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_fetch_responses_total",
			Help: "Total number of quote page responses, labeled by fetcher and HTTP status code.",
		},
		[]string{"fetcher", "code"},
	)

	recordsPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_records_persisted_total",
			Help: "Total number of records written by sinks, labeled by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)

	promotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_headless_promotions_total",
			Help: "Total number of quote pages handed to the headless fetcher after a plain fetch found no quote.",
		},
		[]string{"fetcher"},
	)

	robotsFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quote_robots_fallback_total",
			Help: "Total number of robots.txt probes that fell back to allow-all after transient TLS failures.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem records one handled work item.
func ObserveItem(pool, outcome string, duration time.Duration) {
	pipelineItemsTotal.WithLabelValues(pool, outcome).Inc()
	if duration > 0 {
		pipelineItemDurationSeconds.WithLabelValues(pool).Observe(duration.Seconds())
	}
}

// ObserveStopToken records a stop token consumed by a pool.
func ObserveStopToken(pool string) {
	pipelineStopTokensTotal.WithLabelValues(pool).Inc()
}

// IncActiveInstances increments the running instance gauge for a pool.
func IncActiveInstances(pool string) {
	pipelineActiveInstances.WithLabelValues(pool).Inc()
}

// DecActiveInstances decrements the running instance gauge for a pool.
func DecActiveInstances(pool string) {
	pipelineActiveInstances.WithLabelValues(pool).Dec()
}

// SetQueueDepth records the observed depth of a queue.
func SetQueueDepth(queue string, depth int) {
	pipelineQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// IncSourceItems counts one identifier emitted by a source worker.
func IncSourceItems(worker string) {
	pipelineSourceItemsTotal.WithLabelValues(worker).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for the rate limiter.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	pipelineRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveFetchResponse counts a quote page response by status code.
func ObserveFetchResponse(fetcher string, code int) {
	fetchResponsesTotal.WithLabelValues(fetcher, strconv.Itoa(code)).Inc()
}

// ObservePersist counts a record handed to a sink.
func ObservePersist(sink, outcome string) {
	recordsPersistedTotal.WithLabelValues(sink, outcome).Inc()
}

// ObservePromotion counts a page handed from fetcher to its headless fallback.
func ObservePromotion(fetcher string) {
	promotionsTotal.WithLabelValues(fetcher).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe answered with the allow-all fallback.
func ObserveRobotsFallback() {
	robotsFallbackTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
