package feedback

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/store"
)

func newTestStore(t *testing.T) (*store.SQLiteStore, *model.TemplateConfig) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	tmpl := &model.TemplateConfig{
		ID:   "ktp",
		Name: "KTP",
		Fields: []model.FieldConfig{
			{Name: "nik", BasePattern: `\d{16}`, ExtractionOrder: 1},
			{Name: "nama", ExtractionOrder: 2},
		},
	}
	require.NoError(t, st.SaveTemplate(context.Background(), tmpl, "alice"))
	return st, tmpl
}

func TestSubmit_FillsFieldAndAudits(t *testing.T) {
	st, tmpl := newTestStore(t)
	svc := NewService(st, Config{Threshold: 5})
	ctx := context.Background()

	rec := &model.FeedbackRecord{
		DocumentID:     "doc-1",
		FieldConfigID:  tmpl.Fields[0].ID,
		OriginalValue:  "327301010190000",
		CorrectedValue: " 3273010101900001 ",
		RawText:        "NIK : 3273010101900001",
	}
	receipt, err := svc.Submit(ctx, rec, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Unconsumed)
	assert.Nil(t, receipt.Job)
	assert.False(t, receipt.JobCreated)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "ktp", rec.TemplateID)
	assert.Equal(t, "nik", rec.FieldName)
	assert.Equal(t, "3273010101900001", rec.CorrectedValue)

	changes, err := st.ListChanges(ctx, model.EntityFeedback, rec.ID, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "reviewer", changes[0].Actor)
	assert.Equal(t, model.ActionCreate, changes[0].Action)
}

func TestSubmit_ThresholdQueuesOneJob(t *testing.T) {
	st, tmpl := newTestStore(t)
	svc := NewService(st, Config{Threshold: 3, MaxAttempts: 4})
	ctx := context.Background()

	var receipts []*Receipt
	for i := 0; i < 4; i++ {
		r, err := svc.Submit(ctx, &model.FeedbackRecord{
			DocumentID:     fmt.Sprintf("doc-%d", i),
			FieldConfigID:  tmpl.Fields[1].ID,
			OriginalValue:  "BUD1",
			CorrectedValue: "BUDI",
		}, "reviewer")
		require.NoError(t, err)
		receipts = append(receipts, r)
	}

	assert.Nil(t, receipts[1].Job)
	require.NotNil(t, receipts[2].Job)
	assert.True(t, receipts[2].JobCreated)
	assert.Equal(t, "nama", receipts[2].Job.FieldName)
	assert.Equal(t, 4, receipts[2].Job.MaxAttempts)

	require.NotNil(t, receipts[3].Job)
	assert.False(t, receipts[3].JobCreated, "pending job is reused")
	assert.Equal(t, receipts[2].Job.ID, receipts[3].Job.ID)

	jobs, err := st.ListJobs(ctx, "ktp", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSubmit_ThresholdSpansTemplateVersions(t *testing.T) {
	st, v1 := newTestStore(t)
	svc := NewService(st, Config{Threshold: 2})
	ctx := context.Background()
	require.NoError(t, st.PublishTemplate(ctx, "ktp", v1.Version, "alice"))

	v2 := &model.TemplateConfig{ID: "ktp", Name: "KTP", Fields: []model.FieldConfig{
		{Name: "nik", BasePattern: `\d{16}`, ExtractionOrder: 1},
	}}
	require.NoError(t, st.SaveTemplate(ctx, v2, "alice"))

	first, err := svc.Submit(ctx, &model.FeedbackRecord{
		DocumentID: "doc-1", FieldConfigID: v1.Fields[0].ID, CorrectedValue: "3273010101900001",
	}, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Unconsumed)

	second, err := svc.Submit(ctx, &model.FeedbackRecord{
		DocumentID: "doc-2", FieldConfigID: v2.Fields[0].ID, CorrectedValue: "3273010101900002",
	}, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Unconsumed)
	require.NotNil(t, second.Job)
	assert.True(t, second.JobCreated)
	assert.Equal(t, "nik", second.Job.FieldName)
}

func TestSubmit_Invalid(t *testing.T) {
	st, tmpl := newTestStore(t)
	svc := NewService(st, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		rec  model.FeedbackRecord
	}{
		{"missing field config", model.FeedbackRecord{CorrectedValue: "x"}},
		{"no values", model.FeedbackRecord{FieldConfigID: tmpl.Fields[0].ID}},
		{"bad confidence", model.FeedbackRecord{FieldConfigID: tmpl.Fields[0].ID, CorrectedValue: "x", Confidence: 1.5}},
		{"unknown field config", model.FeedbackRecord{FieldConfigID: "nope", CorrectedValue: "x"}},
		{"name mismatch", model.FeedbackRecord{FieldConfigID: tmpl.Fields[0].ID, FieldName: "nama", CorrectedValue: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			_, err := svc.Submit(ctx, &rec, "reviewer")
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	n, err := st.CountUnconsumed(ctx, "ktp", tmpl.Fields[0].Name)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImport_SkipsDuplicatesAndQueues(t *testing.T) {
	st, tmpl := newTestStore(t)
	svc := NewService(st, Config{Threshold: 2})
	ctx := context.Background()

	recs := []model.FeedbackRecord{
		{ID: "f1", FieldConfigID: tmpl.Fields[0].ID, OriginalValue: "1", CorrectedValue: "3273010101900001"},
		{ID: "f2", FieldConfigID: tmpl.Fields[0].ID, OriginalValue: "2", CorrectedValue: "3273010101900002"},
		{ID: "f3", FieldConfigID: tmpl.Fields[1].ID, OriginalValue: "BUD1", CorrectedValue: "BUDI"},
	}
	n, queued, err := svc.Import(ctx, recs)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.Len(t, queued, 1)
	assert.Equal(t, "nik", queued[0].FieldName)

	n, queued, err = svc.Import(ctx, recs[:2])
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, queued)
}
