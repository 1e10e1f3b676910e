package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	schedulerLabel = "scheduler"
	fromLabel      = "from"
	toLabel        = "to"
)

var (
	sectorStateTransitionCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sector_state_transition_count_total",
		Help: "The total number of sector state transitions.",
	}, []string{schedulerLabel, fromLabel, toLabel})

	pendingSectorCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pending_sector_count",
		Help: "The number of sector fetches in flight.",
	}, []string{schedulerLabel})

	deferredSectorCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deferred_sector_count_total",
		Help: "The total number of sector fetches deferred because of the request budget.",
	}, []string{schedulerLabel})

	forceInsertCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sector_force_insert_count_total",
		Help: "The total number of sectors cached over the cache capacity.",
	}, []string{schedulerLabel})

	degradedSectorCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "degraded_sector_count_total",
		Help: "The total number of sectors that could not be cached.",
	}, []string{schedulerLabel})

	updateLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_update_latency_seconds",
		Help:    "The duration of camera updates.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	}, []string{schedulerLabel})
)

func instrumentStateTransition(name string, from, to State) {
	sectorStateTransitionCountTotal.
		With(prometheus.Labels{
			schedulerLabel: name,
			fromLabel:      from.String(),
			toLabel:        to.String(),
		}).
		Inc()
}

func instrumentPending(name string, count int) {
	pendingSectorCount.
		With(prometheus.Labels{schedulerLabel: name}).
		Set(float64(count))
}

func instrumentUpdate(name string, start time.Time, res UpdateResult) {
	labels := prometheus.Labels{schedulerLabel: name}
	updateLatency.With(labels).Observe(time.Since(start).Seconds())
	deferredSectorCountTotal.With(labels).Add(float64(res.Deferred))
}

func instrumentForceInsert(name string) {
	forceInsertCountTotal.
		With(prometheus.Labels{schedulerLabel: name}).
		Inc()
}

func instrumentDegraded(name string) {
	degradedSectorCountTotal.
		With(prometheus.Labels{schedulerLabel: name}).
		Inc()
}
