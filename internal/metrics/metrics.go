// Package metrics exposes Prometheus collectors for the archiver.
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

	"github.com/JakeFAU/post-archiver/internal/archive"
)

var (
	pagesTotal                 *prometheus.CounterVec
	discoveredTotal            *prometheus.CounterVec
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         prometheus.Counter
	activeDownloads            prometheus.Gauge
	linksByStatus              *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_pages_total",
				Help: "Listing pages requested by the crawler, labeled by outcome.",
			},
			[]string{"status"},
		)

		discoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_discovered_total",
				Help: "Posts and links seen by the crawler, labeled by kind and whether a row was created.",
			},
			[]string{"kind", "created"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_downloads_total",
				Help: "Link downloads, labeled by outcome.",
			},
			[]string{"status"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_download_bytes_total",
				Help: "Bytes written to the sink.",
			},
		)

		activeDownloads = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_downloads",
				Help: "Downloads currently in flight.",
			},
		)

		linksByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archiver_links",
				Help: "Links in the store, labeled by status.",
			},
			[]string{"status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
			},
			[]string{"host"},
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

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObservePage records a crawled listing page outcome (ok, failed, rate_limited).
func ObservePage(status string) {
	Init()
	pagesTotal.WithLabelValues(status).Inc()
}

// ObserveDiscovered records a post or link seen by the crawler.
func ObserveDiscovered(kind string, created bool) {
	Init()
	discoveredTotal.WithLabelValues(kind, strconv.FormatBool(created)).Inc()
}

// ObserveDownload records one finished link (success, error, skipped) and its size.
func ObserveDownload(status string, bytes int64) {
	Init()
	downloadsTotal.WithLabelValues(status).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// IncActiveDownloads increments the in-flight downloads gauge.
func IncActiveDownloads() {
	Init()
	activeDownloads.Inc()
}

// DecActiveDownloads decrements the in-flight downloads gauge.
func DecActiveDownloads() {
	Init()
	activeDownloads.Dec()
}

// SetLinkCounts publishes a store summary.
func SetLinkCounts(counts archive.StatusCounts) {
	Init()
	linksByStatus.WithLabelValues(string(archive.StatusPending)).Set(float64(counts.Pending))
	linksByStatus.WithLabelValues(string(archive.StatusDownloading)).Set(float64(counts.Downloading))
	linksByStatus.WithLabelValues(string(archive.StatusSuccess)).Set(float64(counts.Success))
	linksByStatus.WithLabelValues(string(archive.StatusError)).Set(float64(counts.Error))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
