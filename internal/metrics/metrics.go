// Package metrics exposes Prometheus collectors for the fetch core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloaderActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "downloader_active_requests",
			Help: "Requests currently admitted by the downloader.",
		},
	)

	downloaderSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "downloader_slots",
			Help: "Number of live download slots.",
		},
	)

	downloaderSlotsCollectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "downloader_slots_collected_total",
			Help: "Idle download slots removed by the slot garbage collector.",
		},
	)

	downloaderDelayWaitsSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "downloader_delay_waits_seconds",
			Help:    "Histogram of slot delay timer durations.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	dupefilterFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dupefilter_filtered_total",
			Help: "Duplicate requests filtered, labeled by spider.",
		},
		[]string{"spider"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "downloader_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	middlewareRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downloader_request_count",
			Help: "Requests that entered the middleware chain, labeled by method.",
		},
		[]string{"method"},
	)

	middlewareResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downloader_response_count",
			Help: "Responses leaving the transport, labeled by status code.",
		},
		[]string{"status"},
	)

	middlewareResponseBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "downloader_response_bytes",
			Help: "Total response body bytes seen by the middleware chain.",
		},
	)

	robotsFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transport_robots_fallback_total",
			Help: "robots.txt probes that fell back to allow-all after TLS handshake timeouts.",
		},
	)

	middlewareExceptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downloader_exception_count",
			Help: "Transport failures, labeled by error kind.",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of status API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of status API latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetActiveRequests records the size of the downloader's global active set.
func SetActiveRequests(n int) {
	downloaderActiveRequests.Set(float64(n))
}

// SetSlots records the number of live slots.
func SetSlots(n int) {
	downloaderSlots.Set(float64(n))
}

// IncSlotsCollected counts slots removed by garbage collection.
func IncSlotsCollected(n int) {
	if n > 0 {
		downloaderSlotsCollectedTotal.Add(float64(n))
	}
}

// ObserveDelayWait records a scheduled slot delay.
func ObserveDelayWait(d time.Duration) {
	downloaderDelayWaitsSeconds.Observe(d.Seconds())
}

// IncFiltered counts a filtered duplicate for spider.
func IncFiltered(spider string) {
	if spider == "" {
		spider = "unknown"
	}
	dupefilterFilteredTotal.WithLabelValues(spider).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncRequest counts a request entering the chain.
func IncRequest(method string) {
	middlewareRequestsTotal.WithLabelValues(method).Inc()
}

// ObserveResponse counts a response and its body size.
func ObserveResponse(status int, bytes int) {
	middlewareResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	if bytes > 0 {
		middlewareResponseBytesTotal.Add(float64(bytes))
	}
}

// IncException counts a transport failure of the given kind.
func IncException(kind string) {
	middlewareExceptionsTotal.WithLabelValues(kind).Inc()
}

// IncRobotsFallback counts a robots.txt probe that was treated as allow-all.
func IncRobotsFallback() {
	robotsFallbacksTotal.Inc()
}

// ObserveHTTPRequest records metrics for a status API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
