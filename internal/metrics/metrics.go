// Package metrics exposes Prometheus collectors for the fetch workers and the polling API.
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
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	dedupeTotal                *prometheus.CounterVec
	blobDeletesTotal           *prometheus.CounterVec
	scanDispatchTotal          *prometheus.CounterVec
	queueMessagesTotal         *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	pollTotal                  *prometheus.CounterVec
	pollTicks                  prometheus.Histogram
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanfetch_fetch_total",
				Help: "Total number of upstream fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanfetch_fetch_bytes_total",
				Help: "Total number of bytes streamed into blob storage, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanfetch_fetch_duration_seconds",
				Help:    "Histogram of probe plus transfer latency, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		)

		dedupeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanfetch_dedupe_total",
				Help: "Fingerprint cache lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		blobDeletesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanfetch_blob_deletes_total",
				Help: "Best-effort blob deletions, labeled by result.",
			},
			[]string{"result"},
		)

		scanDispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanfetch_scan_dispatch_total",
				Help: "Records published to the scan queue, labeled by result.",
			},
			[]string{"result"},
		)

		queueMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanfetch_queue_messages_total",
				Help: "Work queue messages handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanfetch_active_workers",
				Help: "Number of workers currently processing a message.",
			},
		)

		pollTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanfetch_poll_total",
				Help: "Completed polls, labeled by outcome (resolved, rejected, timeout, canceled).",
			},
			[]string{"outcome"},
		)

		pollTicks = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scanfetch_poll_ticks",
				Help:    "Number of status reads performed per poll.",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanfetch_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(resource, outcome string, bytesFetched int64, duration time.Duration) {
	Init()
	site := SanitizeSite(resource)
	fetchTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveDedupe records a fingerprint lookup result.
func ObserveDedupe(result string) {
	Init()
	dedupeTotal.WithLabelValues(result).Inc()
}

// ObserveBlobDelete records a cleanup attempt.
func ObserveBlobDelete(ok bool) {
	Init()
	blobDeletesTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// ObserveScanDispatch records a scan queue publish.
func ObserveScanDispatch(ok bool) {
	Init()
	scanDispatchTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// ObserveQueueMessage records how a work queue message was handled.
func ObserveQueueMessage(outcome string) {
	Init()
	queueMessagesTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObservePoll records a finished poll and how many status reads it took.
func ObservePoll(outcome string, ticks int) {
	Init()
	pollTotal.WithLabelValues(outcome).Inc()
	pollTicks.Observe(float64(ticks))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
