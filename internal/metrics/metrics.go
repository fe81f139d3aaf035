package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VariantRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterquality_variant_runs_total",
			Help: "Total model variant runs by outcome",
		},
		[]string{"variant", "horizon", "outcome"},
	)

	VariantTrainingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waterquality_variant_training_seconds",
			Help:    "Model variant fit and predict latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"variant"},
	)

	DegenerateOutputsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterquality_degenerate_outputs_total",
			Help: "Variant runs whose predictions were near-constant for every parameter",
		},
		[]string{"variant", "horizon"},
	)

	ReadingsImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterquality_readings_imported_total",
			Help: "Total readings successfully imported",
		},
		[]string{"site"},
	)

	ReadingsFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterquality_readings_flagged_total",
			Help: "Imported readings carrying a quality flag",
		},
		[]string{"flag"},
	)

	SourceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterquality_source_fetches_total",
			Help: "Total reading source fetches",
		},
		[]string{"scheme", "status"},
	)

	SourceFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waterquality_source_fetch_latency_seconds",
			Help:    "Reading source fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waterquality_pipeline_runs_total",
			Help: "Total forecasting pipeline runs",
		},
		[]string{"status"},
	)
)
