package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hondana_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hondana_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// CacheResults counts engine outcomes (HIT, MISS, NETWORK, FALLBACK, BYPASS, ERROR) per named cache.
	CacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hondana_cache_results_total",
			Help: "Caching engine outcomes per named cache",
		},
		[]string{"cache", "outcome"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hondana_cache_evictions_total",
			Help: "Entries removed by max-entries or max-age policy",
		},
		[]string{"cache", "reason"},
	)

	PushDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hondana_push_deliveries_total",
			Help: "Push deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

func Init() {
	prometheus.MustRegister(RequestCount, RequestDuration, CacheResults, CacheEvictions, PushDeliveries)
}
