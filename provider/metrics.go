package provider

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sourceLabel  = "source"
	errTypeLabel = "err_type"
)

var (
	sectorFetchCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sector_fetch_count_total",
		Help: "The total number of sector fetches.",
	}, []string{sourceLabel})

	sectorFetchErrorCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sector_fetch_error_count_total",
		Help: "The total number of failed sector fetches.",
	}, []string{sourceLabel, errTypeLabel})

	sectorFetchBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sector_fetch_bytes_total",
		Help: "The total number of fetched sector bytes.",
	}, []string{sourceLabel})

	sectorFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sector_fetch_latency_seconds",
		Help:    "The duration of sector fetches.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{sourceLabel})

	metadataLoadErrorCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metadata_load_error_count_total",
		Help: "The total number of failed scene metadata loads.",
	}, []string{sourceLabel, errTypeLabel})
)

// WithMetrics returns a source that reports prometheus metrics about the
// given one, labelled with name.
func WithMetrics(s Source, name string) Source {
	return &sourceWithMetrics{
		Source: s,
		name:   name,
	}
}

type sourceWithMetrics struct {
	Source
	name string
}

func (s *sourceWithMetrics) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	start := time.Now()
	b, err := s.Source.GetCadSectorFile(ctx, blobID, sectorPath)

	labels := prometheus.Labels{sourceLabel: s.name}
	sectorFetchCountTotal.With(labels).Inc()
	sectorFetchLatency.With(labels).Observe(time.Since(start).Seconds())

	if err != nil {
		sectorFetchErrorCountTotal.
			With(prometheus.Labels{
				sourceLabel:  s.name,
				errTypeLabel: errors.Type(err),
			}).
			Inc()
		return nil, err
	}

	sectorFetchBytesTotal.With(labels).Add(float64(len(b)))
	return b, nil
}

func (s *sourceWithMetrics) LoadData(ctx context.Context, modelID string) (models.SceneMetadata, error) {
	scene, err := s.Source.LoadData(ctx, modelID)
	if err != nil {
		metadataLoadErrorCountTotal.
			With(prometheus.Labels{
				sourceLabel:  s.name,
				errTypeLabel: errors.Type(err),
			}).
			Inc()
	}
	return scene, err
}
