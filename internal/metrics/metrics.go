// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlJobsTotal             *prometheus.CounterVec
	queueEntriesClaimedTotal   prometheus.Counter
	queueRetriesTotal          prometheus.Counter
	imagesDownloadedTotal      prometheus.Counter
	imagesBytesTotal           prometheus.Counter
	duplicateOutcomesTotal     *prometheus.CounterVec
	activeDispatches           prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_jobs_total",
				Help: "Total number of jobs reaching a terminal status, labeled by level and status.",
			},
			[]string{"level", "status"},
		)

		queueEntriesClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_queue_entries_claimed_total",
				Help: "Total number of queue entries claimed for dispatch.",
			},
		)

		queueRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_queue_retries_total",
				Help: "Total number of queue entries rescheduled after a transient failure.",
			},
		)

		imagesDownloadedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_images_downloaded_total",
				Help: "Total number of images downloaded and stored.",
			},
		)

		imagesBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_images_bytes_total",
				Help: "Total number of image bytes downloaded.",
			},
		)

		duplicateOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_duplicate_outcomes_total",
				Help: "Total number of duplicate detections, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeDispatches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_dispatches",
				Help: "Number of queue entries currently being processed.",
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the terminal job counter for a level and status.
func ObserveJob(level, status string) {
	crawlJobsTotal.WithLabelValues(level, status).Inc()
}

// ObserveClaims adds claimed queue entries to the claim counter.
func ObserveClaims(n int) {
	if n > 0 {
		queueEntriesClaimedTotal.Add(float64(n))
	}
}

// ObserveRetry increments the retry counter.
func ObserveRetry() {
	queueRetriesTotal.Inc()
}

// ObserveImage records one stored image and its size.
func ObserveImage(bytes int64) {
	imagesDownloadedTotal.Inc()
	if bytes > 0 {
		imagesBytesTotal.Add(float64(bytes))
	}
}

// ObserveDuplicate increments the duplicate outcome counter.
func ObserveDuplicate(outcome string) {
	duplicateOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncActiveDispatches increments the in-flight dispatch gauge.
func IncActiveDispatches() {
	activeDispatches.Inc()
}

// DecActiveDispatches decrements the in-flight dispatch gauge.
func DecActiveDispatches() {
	activeDispatches.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
