package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_Singleton(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	assert.Same(t, a, b)
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics()

	before := testutil.ToFloat64(m.FieldsExtractedTotal.WithLabelValues("hybrid"))
	m.RecordField("hybrid")
	assert.InDelta(t, before+1, testutil.ToFloat64(m.FieldsExtractedTotal.WithLabelValues("hybrid")), 1e-9)

	before = testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("major"))
	m.RecordConflict("major")
	assert.InDelta(t, before+1, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("major")), 1e-9)

	before = testutil.ToFloat64(m.LearningJobsTotal.WithLabelValues("completed"))
	m.RecordJob("completed", 0.5)
	assert.InDelta(t, before+1, testutil.ToFloat64(m.LearningJobsTotal.WithLabelValues("completed")), 1e-9)
}
