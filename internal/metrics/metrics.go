// Package metrics exposes Prometheus collectors for the scan service.
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
	scanJobsTotal              *prometheus.CounterVec
	scanStageDurationSeconds   *prometheus.HistogramVec
	scanStageRetriesTotal      *prometheus.CounterVec
	scanPagesTotal             *prometheus.CounterVec
	scanQuotaDenialsTotal      *prometheus.CounterVec
	scanActiveWorkers          prometheus.Gauge
	scanStreamSubscribers      prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scanJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitescan_jobs_total",
				Help: "Total number of scan jobs reaching a terminal status.",
			},
			[]string{"status"},
		)

		scanStageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitescan_stage_duration_seconds",
				Help:    "Histogram of pipeline stage execution times.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		)

		scanStageRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitescan_stage_retries_total",
				Help: "Total stage attempts beyond the first, labeled by stage.",
			},
			[]string{"stage"},
		)

		scanPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitescan_pages_total",
				Help: "Total pages processed in the scrape stage, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		scanQuotaDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitescan_quota_denials_total",
				Help: "Total scan submissions denied by quota, labeled by identity tier.",
			},
			[]string{"tier"},
		)

		scanActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitescan_active_workers",
				Help: "Number of workers currently executing a stage.",
			},
		)

		scanStreamSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitescan_stream_subscribers",
				Help: "Number of open progress stream connections.",
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

// ObserveJob increments the terminal job counter for the given status.
func ObserveJob(status string) {
	scanJobsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records one stage execution.
func ObserveStage(stage string, duration time.Duration) {
	scanStageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveStageRetry counts a retried stage attempt.
func ObserveStageRetry(stage string) {
	scanStageRetriesTotal.WithLabelValues(stage).Inc()
}

// ObservePage counts one page scrape outcome.
func ObservePage(site string, result string) {
	scanPagesTotal.WithLabelValues(SanitizeSite(site), result).Inc()
}

// ObserveQuotaDenial counts a quota rejection for the given tier.
func ObserveQuotaDenial(tier string) {
	scanQuotaDenialsTotal.WithLabelValues(tier).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scanActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scanActiveWorkers.Dec()
}

// IncStreamSubscribers increments the open-stream gauge.
func IncStreamSubscribers() {
	scanStreamSubscribers.Inc()
}

// DecStreamSubscribers decrements the open-stream gauge.
func DecStreamSubscribers() {
	scanStreamSubscribers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
