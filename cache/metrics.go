package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	cacheLabel  = "cache"
	resultLabel = "result"
)

var (
	cacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_size",
		Help: "The sum of the cache entry sizes.",
	}, []string{cacheLabel})

	cacheEntryCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_entry_count",
		Help: "The number of cache entries.",
	}, []string{cacheLabel})

	cacheLookupCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookup_count_total",
		Help: "The total number of cache lookups.",
	}, []string{cacheLabel, resultLabel})

	cacheEvictionCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_eviction_count_total",
		Help: "The total number of evicted cache entries.",
	}, []string{cacheLabel})

	cacheRejectionCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_rejection_count_total",
		Help: "The total number of insertions rejected because of the cache capacity.",
	}, []string{cacheLabel})
)

func instrumentSize(name string, size, count int) {
	labels := prometheus.Labels{cacheLabel: name}
	cacheSize.With(labels).Set(float64(size))
	cacheEntryCount.With(labels).Set(float64(count))
}

func instrumentCountLookup(name string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	cacheLookupCountTotal.
		With(prometheus.Labels{
			cacheLabel:  name,
			resultLabel: result,
		}).
		Inc()
}

func instrumentCountEviction(name string) {
	cacheEvictionCountTotal.
		With(prometheus.Labels{cacheLabel: name}).
		Inc()
}

func instrumentCountRejection(name string) {
	cacheRejectionCountTotal.
		With(prometheus.Labels{cacheLabel: name}).
		Inc()
}
