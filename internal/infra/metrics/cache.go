package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(cacheRequestsTotal, cacheEvictionsTotal) }

var (
	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Tracks cache hits and misses for various caches.",
		},
		[]string{"cache", "result"}, // e.g., cache="api_token", result="hit"
	)

	cacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Entries removed by periodic sweeps.",
		},
		[]string{"cache"},
	)
)

func IncCacheRequest(cacheName, result string) {
	cacheRequestsTotal.WithLabelValues(norm(cacheName), norm(result)).Inc()
}

func AddCacheEvictions(cacheName string, n int) {
	cacheEvictionsTotal.WithLabelValues(norm(cacheName)).Add(float64(n))
}
