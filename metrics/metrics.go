package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MappingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complymap_mapping_duration_seconds",
			Help:    "Duration of mapping engine operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	MappingOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complymap_mapping_operations_total",
			Help: "Total mapping engine operations by outcome",
		},
		[]string{"operation", "status"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "complymap_confidence_score",
			Help:    "Confidence scores produced for candidate mappings",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	GapScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "complymap_gap_score",
			Help:    "Gap scores produced by relationship gap detection",
			Buckets: []float64{0, 10, 25, 50, 75, 90, 100},
		},
	)

	MappingsPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "complymap_mappings_persisted_total",
			Help: "Total control mappings persisted",
		},
	)

	ControlsEvaluated = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "complymap_controls_evaluated",
			Help:    "Candidate controls evaluated per mapping request",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
	)
)

func Init() {
	prometheus.MustRegister(MappingDuration)
	prometheus.MustRegister(MappingOperations)
	prometheus.MustRegister(ConfidenceScore)
	prometheus.MustRegister(GapScore)
	prometheus.MustRegister(MappingsPersisted)
	prometheus.MustRegister(ControlsEvaluated)
}

// Handler exposes the scrape endpoint for the embedding application to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}
