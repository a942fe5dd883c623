// Package metrics provides Prometheus collectors for the recording pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultCached   = "cached"
)

// Pipeline holds the pipeline collectors. All Record methods are safe on a
// nil receiver so components can run without metrics.
type Pipeline struct {
	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	edits         *prometheus.CounterVec
	lockConflicts *prometheus.CounterVec
	shareOpens    *prometheus.CounterVec
}

// NewPipeline creates the collectors and registers them with registry.
func NewPipeline(registry prometheus.Registerer) (*Pipeline, error) {
	m := &Pipeline{
		stageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optlog_stage_runs_total",
				Help: "Total number of pipeline stage invocations",
			},
			[]string{"stage", "result"}, // result: success, failure, rejected, cached
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "optlog_stage_duration_seconds",
				Help: "Time taken by pipeline stages that called an external service",
				// 250ms to ~2m: generation and transcription calls.
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"stage"},
		),
		edits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optlog_edits_total",
				Help: "Total number of artifact edit operations",
			},
			[]string{"artifact", "operation"}, // operation: save, propose, undo, revise
		),
		lockConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optlog_inflight_conflicts_total",
				Help: "Total number of operations rejected because the artifact was busy",
			},
			[]string{"artifact"},
		),
		shareOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optlog_share_opens_total",
				Help: "Total number of public share lookups",
			},
			[]string{"result"}, // result: ok, not_found, forbidden
		),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *Pipeline) Describe(ch chan<- *prometheus.Desc) {
	m.stageRuns.Describe(ch)
	m.stageDuration.Describe(ch)
	m.edits.Describe(ch)
	m.lockConflicts.Describe(ch)
	m.shareOpens.Describe(ch)
}

// Collect implements the Collector interface
func (m *Pipeline) Collect(ch chan<- prometheus.Metric) {
	m.stageRuns.Collect(ch)
	m.stageDuration.Collect(ch)
	m.edits.Collect(ch)
	m.lockConflicts.Collect(ch)
	m.shareOpens.Collect(ch)
}

func (m *Pipeline) RecordStage(stage, result string) {
	if m == nil {
		return
	}
	m.stageRuns.WithLabelValues(stage, result).Inc()
}

func (m *Pipeline) RecordStageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Pipeline) RecordEdit(artifact, operation string) {
	if m == nil {
		return
	}
	m.edits.WithLabelValues(artifact, operation).Inc()
}

func (m *Pipeline) RecordConflict(artifact string) {
	if m == nil {
		return
	}
	m.lockConflicts.WithLabelValues(artifact).Inc()
}

func (m *Pipeline) RecordShareOpen(result string) {
	if m == nil {
		return
	}
	m.shareOpens.WithLabelValues(result).Inc()
}
