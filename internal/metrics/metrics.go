package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tuning loop counters and histograms, partitioned by stage.

var (
	// Autotuner
	IterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "autotuner",
		Name:      "iterations_total",
		Help:      "Total autotuner transitions by phase",
	}, []string{"phase"})

	NotReadyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "autotuner",
		Name:      "not_ready_total",
		Help:      "Iterations refused because of missing channels",
	})

	StageIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qtune",
		Subsystem: "autotuner",
		Name:      "stage_index",
		Help:      "Index of the stage currently being tuned",
	})

	StageTuned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "autotuner",
		Name:      "stage_tuned_total",
		Help:      "Tuned decisions per stage",
	}, []string{"stage", "kind"})

	StageUntuned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "autotuner",
		Name:      "stage_untuned_total",
		Help:      "Untuned decisions per stage",
	}, []string{"stage", "kind"})

	DistanceToTarget = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qtune",
		Subsystem: "autotuner",
		Name:      "distance_to_target",
		Help:      "Euclidean residual of the steering parameters at the last decision",
	}, []string{"stage"})

	// Solver
	StepNorm = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qtune",
		Subsystem: "solver",
		Name:      "step_norm_volts",
		Help:      "Euclidean norm of proposed voltage steps",
		Buckets:   []float64{1e-6, 1e-5, 1e-4, 2.5e-4, 5e-4, 1e-3, 2.5e-3, 5e-3, 1e-2},
	}, []string{"stage"})

	// Estimator
	EstimatorUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "estimator",
		Name:      "updates_total",
		Help:      "Gradient estimator updates applied",
	}, []string{"stage"})

	EstimatorSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "estimator",
		Name:      "skipped_total",
		Help:      "Gradient estimator updates skipped as degenerate",
	}, []string{"stage"})

	// Checkpoints
	CheckpointWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "checkpoint",
		Name:      "writes_total",
		Help:      "Checkpoints persisted",
	})

	CheckpointErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "checkpoint",
		Name:      "errors_total",
		Help:      "Checkpoint writes that failed",
	})

	CheckpointSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qtune",
		Subsystem: "checkpoint",
		Name:      "superseded_total",
		Help:      "Pending checkpoints replaced by a newer state before being written",
	})

	CheckpointLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qtune",
		Subsystem: "checkpoint",
		Name:      "write_duration_seconds",
		Help:      "Checkpoint write duration",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	})
)
