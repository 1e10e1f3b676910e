package models

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	modelIDLabel = "model_id"
)

var (
	sectorCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sector_count",
		Help: "The number of known sectors.",
	}, []string{modelIDLabel})

	modelLoadCountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "model_load_count_total",
		Help: "The total number of parsed scene metadata.",
	}, []string{modelIDLabel})
)

func instrumentSectorCount(modelID string, delta int) {
	sectorCount.
		With(prometheus.Labels{modelIDLabel: modelID}).
		Add(float64(delta))
}

func instrumentCountModelLoad(modelID string) {
	modelLoadCountTotal.
		With(prometheus.Labels{modelIDLabel: modelID}).
		Inc()
}
