// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerRowsSavedTotal         prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerTasksTotal             *prometheus.CounterVec
	crawlerRetriesTotal           *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerQueueDepth             *prometheus.GaugeVec
	crawlerRateLimitInterval      *prometheus.GaugeVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call
// it themselves.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of API pages fetched, labeled by endpoint and status.",
			},
			[]string{"endpoint", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of response bytes fetched, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)

		crawlerRowsSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_rows_saved_total",
				Help: "Total number of product rows written to the sink.",
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

		crawlerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Total number of crawl tasks finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of retries, labeled by retry layer and error kind.",
			},
			[]string{"layer", "kind"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		crawlerQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Tasks per queue state as of the last status poll.",
			},
			[]string{"state"},
		)

		crawlerRateLimitInterval = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_rate_limit_interval_seconds",
				Help: "Current adaptive request interval per endpoint.",
			},
			[]string{"endpoint"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		)
	})
}

// SanitizeEndpoint reduces a URL or path to a lowercase path label.
// It returns "unknown" if nothing usable remains.
func SanitizeEndpoint(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "unknown"
	}
	p := strings.ToLower(strings.TrimRight(u.Path, "/"))
	if p == "" {
		return "unknown"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage increments the page counters for one API call.
func ObservePage(endpoint, status string, bytesFetched int) {
	Init()
	label := SanitizeEndpoint(endpoint)
	crawlerPagesTotal.WithLabelValues(label, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(label).Add(float64(bytesFetched))
	}
}

// ObserveRowsSaved adds n to the saved-rows counter.
func ObserveRowsSaved(n int) {
	Init()
	if n > 0 {
		crawlerRowsSavedTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask increments the task counter for the given terminal status.
func ObserveTask(status string) {
	Init()
	crawlerTasksTotal.WithLabelValues(status).Inc()
}

// ObserveRetry counts one retry granted by layer for an error of kind.
func ObserveRetry(layer, kind string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(layer, kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// SetQueueDepth publishes a queue snapshot.
func SetQueueDepth(pending, processing, completed, failed int64) {
	Init()
	crawlerQueueDepth.WithLabelValues("pending").Set(float64(pending))
	crawlerQueueDepth.WithLabelValues("processing").Set(float64(processing))
	crawlerQueueDepth.WithLabelValues("completed").Set(float64(completed))
	crawlerQueueDepth.WithLabelValues("failed").Set(float64(failed))
}

// SetRateLimitInterval publishes the current interval for endpoint.
func SetRateLimitInterval(endpoint string, interval time.Duration) {
	Init()
	crawlerRateLimitInterval.WithLabelValues(endpoint).Set(interval.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(endpoint string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}
