// Package metrics exposes Prometheus collectors for extraction and learning.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the process-wide collectors.
type Metrics struct {
	FieldsExtractedTotal    *prometheus.CounterVec
	ConflictsTotal          *prometheus.CounterVec
	InvalidPatternsTotal    prometheus.Counter
	TaggerErrorsTotal       prometheus.Counter
	ValidationFlagsTotal    prometheus.Counter
	LearningJobsTotal       *prometheus.CounterVec
	LearningJobDuration     prometheus.Histogram
	PatternsDiscoveredTotal prometheus.Counter
	PatternsAppliedTotal    prometheus.Counter
	PatternsRetiredTotal    prometheus.Counter
}

// NewMetrics returns the shared collectors, registering them on first use.
//
// Metrics:
//   - formextract_fields_extracted_total{method}
//   - formextract_conflicts_total{severity}
//   - formextract_invalid_patterns_total
//   - formextract_tagger_errors_total
//   - formextract_validation_flags_total
//   - formextract_learning_jobs_total{status}
//   - formextract_learning_job_duration_seconds
//   - formextract_patterns_discovered_total / _applied_total / _retired_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			FieldsExtractedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "formextract_fields_extracted_total",
					Help: "Fields extracted, by winning method",
				},
				[]string{"method"},
			),
			ConflictsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "formextract_conflicts_total",
					Help: "Detected multi-location conflicts, by severity",
				},
				[]string{"severity"},
			),
			InvalidPatternsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "formextract_invalid_patterns_total",
				Help: "Stored patterns skipped because they failed to compile",
			}),
			TaggerErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "formextract_tagger_errors_total",
				Help: "Sequence tagger calls that failed and fell back to rules",
			}),
			ValidationFlagsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "formextract_validation_flags_total",
				Help: "Fields flagged for human validation",
			}),
			LearningJobsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "formextract_learning_jobs_total",
					Help: "Learning job runs, by outcome",
				},
				[]string{"status"},
			),
			LearningJobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "formextract_learning_job_duration_seconds",
				Help:    "Duration of learning job runs",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			}),
			PatternsDiscoveredTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "formextract_patterns_discovered_total",
				Help: "New pattern candidates mined from feedback",
			}),
			PatternsAppliedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "formextract_patterns_applied_total",
				Help: "Learned patterns inserted after evaluation",
			}),
			PatternsRetiredTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "formextract_patterns_retired_total",
				Help: "Learned patterns deactivated for low match rate",
			}),
		}
	})
	return globalMetrics
}

// RecordField counts one extracted field.
func (m *Metrics) RecordField(method string) {
	m.FieldsExtractedTotal.WithLabelValues(method).Inc()
}

// RecordConflict counts one detected conflict.
func (m *Metrics) RecordConflict(severity string) {
	m.ConflictsTotal.WithLabelValues(severity).Inc()
}

// RecordJob counts a finished job run and its duration.
func (m *Metrics) RecordJob(status string, seconds float64) {
	m.LearningJobsTotal.WithLabelValues(status).Inc()
	m.LearningJobDuration.Observe(seconds)
}
