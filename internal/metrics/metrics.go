// Package metrics exposes Prometheus collectors for the scheduler and scraper host.
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
	schedulerLaunchesTotal     *prometheus.CounterVec
	schedulerOutcomesTotal     *prometheus.CounterVec
	schedulerRunning           prometheus.Gauge
	schedulerRunDuration       *prometheus.HistogramVec
	fetchRequestsTotal         *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	docCacheUploadsTotal       *prometheus.CounterVec
	publisherMessagesTotal     *prometheus.CounterVec
	workQueueTransitionsTotal  *prometheus.CounterVec
	scrapeItemsTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		schedulerLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_scheduler_launches_total",
				Help: "Total number of scraper child processes launched, labeled by scraper.",
			},
			[]string{"scraper"},
		)

		schedulerOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_scheduler_outcomes_total",
				Help: "Total number of finished runs, labeled by scraper and status.",
			},
			[]string{"scraper", "status"},
		)

		schedulerRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnscraper_scheduler_running",
				Help: "Number of scraper children currently running.",
			},
		)

		schedulerRunDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fnscraper_scheduler_run_duration_seconds",
				Help:    "Histogram of scraper run durations.",
				Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
			[]string{"scraper"},
		)

		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_fetch_requests_total",
				Help: "Total number of outbound scraper requests, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_fetch_retries_total",
				Help: "Total number of retried outbound requests, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fnscraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		docCacheUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_doccache_uploads_total",
				Help: "Document cache upload decisions, labeled by result (uploaded, unchanged, exists).",
			},
			[]string{"result"},
		)

		publisherMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_publisher_messages_total",
				Help: "Total number of emitted records, labeled by backend and status.",
			},
			[]string{"backend", "status"},
		)

		workQueueTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_workqueue_transitions_total",
				Help: "Total number of work item terminal transitions, labeled by state.",
			},
			[]string{"state"},
		)

		scrapeItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_scrape_items_total",
				Help: "Total number of scrape items, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnscraper_admin_requests_total",
				Help: "Total number of admin API requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fnscraper_admin_request_duration_seconds",
				Help:    "Histogram of admin HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
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

// StatusClass buckets an HTTP status code as "2xx".."5xx", or "error" for 0.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLaunch counts a child launch and bumps the running gauge.
func ObserveLaunch(scraper string) {
	Init()
	schedulerLaunchesTotal.WithLabelValues(scraper).Inc()
	schedulerRunning.Inc()
}

// ObserveOutcome records a finished run and lowers the running gauge.
func ObserveOutcome(scraper, status string, duration time.Duration) {
	Init()
	schedulerOutcomesTotal.WithLabelValues(scraper, status).Inc()
	schedulerRunDuration.WithLabelValues(scraper).Observe(duration.Seconds())
	schedulerRunning.Dec()
}

// ObserveFetch counts an outbound request.
func ObserveFetch(rawURL string, code int) {
	Init()
	fetchRequestsTotal.WithLabelValues(SanitizeSite(rawURL), StatusClass(code)).Inc()
}

// ObserveFetchRetry counts a retried outbound request.
func ObserveFetchRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveUpload records a document cache upload decision.
func ObserveUpload(result string) {
	Init()
	docCacheUploadsTotal.WithLabelValues(result).Inc()
}

// ObservePublish counts an emitted record.
func ObservePublish(backend, status string) {
	Init()
	publisherMessagesTotal.WithLabelValues(backend, status).Inc()
}

// ObserveWorkItem counts a work queue terminal transition.
func ObserveWorkItem(state string) {
	Init()
	workQueueTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveItem counts a scrape item outcome.
func ObserveItem(outcome string) {
	Init()
	scrapeItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the admin HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
