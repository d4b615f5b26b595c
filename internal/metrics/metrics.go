// Package metrics exposes Prometheus collectors for crawl runs and the query API.
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
	listingPagesTotal          *prometheus.CounterVec
	listingItemsTotal          *prometheus.CounterVec
	crawlSessionsTotal         *prometheus.CounterVec
	detailInFlight             prometheus.Gauge
	detailDurationSeconds      *prometheus.HistogramVec
	storageWritesTotal         *prometheus.CounterVec
	throttleSeconds            *prometheus.HistogramVec
	eventsPublishedTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Item dispositions counted by ObserveListingItems.
const (
	ItemAccepted  = "accepted"
	ItemDuplicate = "duplicate"
	ItemExcluded  = "excluded"
)

// Storage outcomes counted by ObserveStorage.
const (
	StorageWritten = "written"
	StorageReused  = "reused"
	StorageFailed  = "failed"
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		listingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_listing_pages_total",
				Help: "Listing pages processed, labeled by source.",
			},
			[]string{"source"},
		)

		listingItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_listing_items_total",
				Help: "Listing items seen, labeled by source and disposition.",
			},
			[]string{"source", "disposition"},
		)

		crawlSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_sessions_total",
				Help: "Finished crawl sessions, labeled by source and stop reason.",
			},
			[]string{"source", "reason"},
		)

		detailInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitecrawler_detail_in_flight",
				Help: "Detail pages currently being fetched.",
			},
		)

		detailDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitecrawler_detail_duration_seconds",
				Help:    "Histogram of detail task durations, labeled by outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		)

		storageWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_storage_items_total",
				Help: "Persisted items, labeled by content outcome.",
			},
			[]string{"outcome"},
		)

		throttleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitecrawler_throttle_delay_seconds",
				Help:    "Time detail navigations spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecrawler_session_events_total",
				Help: "Session events handed to the publisher, labeled by outcome.",
			},
			[]string{"outcome"},
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

// ObserveListingPage counts one processed listing page and its items.
func ObserveListingPage(source string, accepted, duplicates, excluded int) {
	listingPagesTotal.WithLabelValues(source).Inc()
	listingItemsTotal.WithLabelValues(source, ItemAccepted).Add(float64(accepted))
	listingItemsTotal.WithLabelValues(source, ItemDuplicate).Add(float64(duplicates))
	listingItemsTotal.WithLabelValues(source, ItemExcluded).Add(float64(excluded))
}

// ObserveSession counts a finished session.
func ObserveSession(source, reason string) {
	crawlSessionsTotal.WithLabelValues(source, reason).Inc()
}

// IncDetailInFlight increments the in-flight detail gauge.
func IncDetailInFlight() {
	detailInFlight.Inc()
}

// DecDetailInFlight decrements the in-flight detail gauge.
func DecDetailInFlight() {
	detailInFlight.Dec()
}

// ObserveDetail records how long a detail task took.
func ObserveDetail(status string, duration time.Duration) {
	detailDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveStorage counts one persistence outcome.
func ObserveStorage(outcome string) {
	storageWritesTotal.WithLabelValues(outcome).Inc()
}

// ObserveThrottle records a rate limiter wait for host.
func ObserveThrottle(host string, waited time.Duration) {
	throttleSeconds.WithLabelValues(host).Observe(waited.Seconds())
}

// ObservePublish counts one session event publish attempt.
func ObservePublish(ok bool) {
	outcome := "published"
	if !ok {
		outcome = "failed"
	}
	eventsPublishedTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
