// Package metrics defines Prometheus metrics for the automation core.
//
// The core never starts an HTTP listener; callers register the collectors
// returned by Collectors (or the Pipeline observer) with their own
// registry and serve them however they serve the rest of their metrics.
//
// Metric naming follows Prometheus conventions:
//   - speckit_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/speckit/automation-core/pkg/model"
)

var (
	// StageTransitionsTotal counts stage completions by stage and outcome
	// (passed, degraded, guardrail_failed).
	StageTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speckit_stage_transitions_total",
			Help: "Total number of pipeline stage transitions by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	// RetryAttemptsTotal counts retry-engine attempts by operation and
	// terminal outcome.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speckit_retry_attempts_total",
			Help: "Total number of retry attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// QualityGateResolutionsTotal counts quality issue resolutions by
	// checkpoint and resolution kind.
	QualityGateResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speckit_quality_gate_resolutions_total",
			Help: "Total number of quality gate issue resolutions by checkpoint and kind.",
		},
		[]string{"checkpoint", "resolution"},
	)

	// DegradedStagesTotal counts stages that completed without full agent
	// participation.
	DegradedStagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speckit_degraded_stages_total",
			Help: "Total number of stages completed in degraded mode.",
		},
		[]string{"stage"},
	)

	// StoreOperationDurationSeconds is a histogram of artifact store
	// operation latency.
	StoreOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speckit_store_operation_duration_seconds",
			Help:    "Duration of artifact store operations in seconds.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"operation"},
	)
)

// Collectors returns every collector this package defines, for caller-side
// registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		StageTransitionsTotal,
		RetryAttemptsTotal,
		QualityGateResolutionsTotal,
		DegradedStagesTotal,
		StoreOperationDurationSeconds,
	}
}

// Register registers all collectors with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveStoreOperation records one store operation's latency.
func ObserveStoreOperation(operation string, d time.Duration) {
	StoreOperationDurationSeconds.WithLabelValues(operation).Observe(d.Seconds())
}

// PipelineObserver implements the pipeline coordinator's Observer
// interface over the package collectors.
type PipelineObserver struct{}

// StageTransition records a stage completion outcome.
func (PipelineObserver) StageTransition(stage model.Stage, outcome string) {
	StageTransitionsTotal.WithLabelValues(string(stage), outcome).Inc()
}

// QualityResolution records a quality gate resolution decision.
func (PipelineObserver) QualityResolution(checkpoint model.QualityCheckpoint, kind model.ResolutionKind) {
	QualityGateResolutionsTotal.WithLabelValues(string(checkpoint), string(kind)).Inc()
}

// DegradedStage records a degraded stage completion.
func (PipelineObserver) DegradedStage(stage model.Stage) {
	DegradedStagesTotal.WithLabelValues(string(stage)).Inc()
}
