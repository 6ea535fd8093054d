// Package metrics exposes Prometheus collectors for the tab pool, the job runner
// and the collector service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tabsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabcrawler_tabs_live",
			Help: "Number of tabs that exist or are being created.",
		},
	)

	tabsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabcrawler_tabs_in_use",
			Help: "Number of tabs currently leased to a job.",
		},
	)

	tabWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabcrawler_tab_waiters",
			Help: "Number of jobs queued for a tab.",
		},
	)

	tabAcquireSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabcrawler_tab_acquire_seconds",
			Help:    "Time spent waiting for a tab.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabcrawler_jobs_total",
			Help: "Total number of crawl jobs finished, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	jobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabcrawler_job_duration_seconds",
			Help:    "Wall time per crawl job.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	lateSignalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabcrawler_late_signals_total",
			Help: "Load events that arrived with no pending waiter.",
		},
	)

	recordsSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabcrawler_records_saved_total",
			Help: "Records persisted by the collector, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	throttleDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabcrawler_throttle_delay_seconds",
			Help:    "Time a job waited on the per-host navigation limit.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabcrawler_http_in_flight_requests",
			Help: "Collector requests currently being served.",
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

// SetPool publishes the current pool occupancy.
func SetPool(live, inUse, waiting int) {
	tabsLive.Set(float64(live))
	tabsInUse.Set(float64(inUse))
	tabWaiters.Set(float64(waiting))
}

// ObserveAcquire records how long a job waited for its tab.
func ObserveAcquire(d time.Duration) {
	tabAcquireSeconds.Observe(d.Seconds())
}

// ObserveJob records a finished crawl job.
func ObserveJob(site, status string, d time.Duration) {
	jobsTotal.WithLabelValues(SanitizeSite(site), status).Inc()
	jobDurationSeconds.Observe(d.Seconds())
}

// ObserveLateSignal counts a dropped load event.
func ObserveLateSignal() {
	lateSignalsTotal.Inc()
}

// ObserveRecordSaved counts a collector save attempt.
func ObserveRecordSaved(outcome string) {
	recordsSavedTotal.WithLabelValues(outcome).Inc()
}

// ObserveThrottleDelay records a wait imposed by the per-host limiter.
func ObserveThrottleDelay(site string, d time.Duration) {
	throttleDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
