package learner

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "learner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedTemplate(t *testing.T, st *store.SQLiteStore) model.FieldConfig {
	t.Helper()
	tmpl := &model.TemplateConfig{
		ID:   "ktp",
		Name: "KTP",
		Fields: []model.FieldConfig{
			{Name: "nik", Type: model.FieldTypeID, ExtractionOrder: 1},
			{Name: "nama", Type: model.FieldTypeName, ExtractionOrder: 2},
		},
	}
	require.NoError(t, st.SaveTemplate(context.Background(), tmpl, "test"))
	return tmpl.Fields[0]
}

func nikFeedback(t *testing.T, st *store.SQLiteStore, field model.FieldConfig, values ...string) {
	t.Helper()
	for i, v := range values {
		require.NoError(t, st.InsertFeedback(context.Background(), &model.FeedbackRecord{
			DocumentID:     fmt.Sprintf("doc-%d", i),
			TemplateID:     "ktp",
			FieldConfigID:  field.ID,
			FieldName:      field.Name,
			OriginalValue:  v[:15],
			CorrectedValue: v,
			RawText:        v,
			WordsBefore:    []string{"NIK", ":"},
		}))
	}
}

func TestGeneralize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"15/01/2024", `\d{2}/\d{2}/\d{4}`},
		{"Budi Santoso", `[A-Za-z]+\s+[A-Za-z]+`},
		{"Rp 1.500", `[A-Za-z]+\s+\d\.\d{3}`},
		{"A-1", `[A-Za-z]+-\d`},
		{"Müller", `[A-Za-z]+\p{L}+[A-Za-z]+`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Generalize(tt.in))
		})
	}
}

func TestMine(t *testing.T) {
	t.Parallel()

	got := Mine(model.FeedbackRecord{
		CorrectedValue: "01-02-1990",
		WordsBefore:    []string{"Tanggal", "Lahir:"},
		WordsAfter:     []string{"Agama"},
	})
	require.Len(t, got, 3)
	assert.Equal(t, Candidate{Regex: `01-02-1990`, Type: model.LearnedExact}, got[0])
	assert.Equal(t, model.LearnedGeneralized, got[1].Type)
	assert.Equal(t, `(?i)Tanggal\s+Lahir\s*[:\-]?\s*(\d{2}-\d{2}-\d{4})\s*Agama`, got[2].Regex)

	assert.Empty(t, Mine(model.FeedbackRecord{CorrectedValue: "  "}))

	noContext := Mine(model.FeedbackRecord{CorrectedValue: "--"})
	require.Len(t, noContext, 1, "generalized equals exact and no context words")
	assert.Equal(t, model.LearnedExact, noContext[0].Type)
}

func TestShape_NearDuplicates(t *testing.T) {
	t.Parallel()

	assert.Equal(t, shape(`\d{15}`), shape(`\d{16}`))
	assert.Equal(t, shape(`(?i)nik\s*(\d{16})`), shape(`NIK\s*(\d{1,2})`))
	assert.NotEqual(t, shape(`\d{16}`), shape(`(\d{16})`))
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	re := regexp.MustCompile(`\d{4}`)
	ev := Evaluate(re, model.LearnedGeneralized, []model.FeedbackRecord{
		{CorrectedValue: "2024", RawText: "tahun 2024"},
		{CorrectedValue: "1999", RawText: "1999"},
		{CorrectedValue: "abc", RawText: "abc"},
		{CorrectedValue: ""},
	})
	assert.Equal(t, 3, ev.Evaluated)
	assert.Equal(t, 2, ev.Matched)
	assert.InDelta(t, 2.0/3.0, ev.Rate(), 1e-9)
	assert.Zero(t, Evaluation{}.Rate())
}

func TestLearner_MinesAndIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	field := seedTemplate(t, st)
	nikFeedback(t, st, field, "3174000000000001", "3174000000000002", "3174000000000003")

	l := New(st, DefaultConfig())
	sum, err := l.Run(ctx, "ktp", "nik")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.FeedbackCount)
	assert.Equal(t, 5, sum.PatternsDiscovered, "three literals, one generalized, one context")
	assert.Equal(t, 2, sum.PatternsApplied)
	assert.Equal(t, 3, sum.Rejected, "each literal matches a single example")

	patterns, err := st.LearnedPatterns(ctx, field.ID)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	for _, p := range patterns {
		assert.InDelta(t, 1.0, p.MatchRate, 1e-9)
		assert.Equal(t, 100, p.Priority)
		assert.Equal(t, 3, p.Frequency)
		assert.True(t, p.Active)
		assert.Len(t, p.Examples, 3)
	}

	count, err := st.CountUnconsumed(ctx, "ktp", field.Name)
	require.NoError(t, err)
	assert.Zero(t, count)

	again, err := l.Run(ctx, "ktp", "nik")
	require.NoError(t, err)
	assert.Zero(t, again.PatternsDiscovered)
	assert.Zero(t, again.PatternsApplied)
	assert.Zero(t, again.FeedbackCount)
}

func TestLearner_RetiresWeakPatterns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	field := seedTemplate(t, st)

	_, err := st.ApplyLearning(ctx, store.LearningBatch{
		FieldConfigID: field.ID,
		Actor:         "test",
		Insert: []model.LearnedPattern{
			{Regex: `(\d{10})`, Type: model.LearnedGeneralized, Frequency: 1, MatchRate: 0.9, Priority: 90, Active: true},
		},
	})
	require.NoError(t, err)
	nikFeedback(t, st, field,
		"3174000000000001", "3174000000000002", "3174000000000003",
		"3174000000000004", "3174000000000005")

	sum, err := New(st, DefaultConfig()).Run(ctx, "ktp", "nik")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsRetired)

	patterns, err := st.LearnedPatterns(ctx, field.ID)
	require.NoError(t, err)
	var retired *model.LearnedPattern
	for i := range patterns {
		if patterns[i].Regex == `(\d{10})` {
			retired = &patterns[i]
		}
	}
	require.NotNil(t, retired)
	assert.False(t, retired.Active, "soft-deactivated, not removed")
	assert.Zero(t, retired.MatchRate)

	changes, err := st.ListChanges(ctx, model.EntityLearnedPattern, retired.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, model.ActionDeactivate, changes[0].Action)
	assert.Equal(t, "learner", changes[0].Actor)
}

func TestLearner_NearDuplicateBumpsFrequency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	field := seedTemplate(t, st)

	_, err := st.ApplyLearning(ctx, store.LearningBatch{
		FieldConfigID: field.ID,
		Actor:         "test",
		Insert: []model.LearnedPattern{
			{Regex: `\d{15}`, Type: model.LearnedGeneralized, Frequency: 1, Active: true},
		},
	})
	require.NoError(t, err)
	nikFeedback(t, st, field, "3174000000000001")

	sum, err := New(st, DefaultConfig()).Run(ctx, "ktp", "nik")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FrequencyBumps)

	patterns, err := st.LearnedPatterns(ctx, field.ID)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 2, patterns[0].Frequency)
}

func TestLearner_ConfirmationsAreConsumedNotMined(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	field := seedTemplate(t, st)

	require.NoError(t, st.InsertFeedback(ctx, &model.FeedbackRecord{
		DocumentID: "d1", TemplateID: "ktp", FieldConfigID: field.ID, FieldName: "nik",
		OriginalValue: "3174000000000001", CorrectedValue: "3174000000000001",
	}))

	sum, err := New(st, DefaultConfig()).Run(ctx, "ktp", "")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.FieldsProcessed)
	assert.Equal(t, 1, sum.FeedbackCount)
	assert.Zero(t, sum.PatternsDiscovered)

	count, err := st.CountUnconsumed(ctx, "ktp", field.Name)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLearner_ConsumesFeedbackFromSupersededVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	v1 := seedTemplate(t, st)
	require.NoError(t, st.PublishTemplate(ctx, "ktp", 1, "test"))

	tmpl := &model.TemplateConfig{ID: "ktp", Name: "KTP v2", Fields: []model.FieldConfig{
		{Name: "nik", Type: model.FieldTypeID, ExtractionOrder: 1},
	}}
	require.NoError(t, st.SaveTemplate(ctx, tmpl, "test"))
	require.NoError(t, st.PublishTemplate(ctx, "ktp", tmpl.Version, "test"))
	v2 := tmpl.Fields[0]
	require.NotEqual(t, v1.ID, v2.ID)

	nikFeedback(t, st, v1, "3174000000000001", "3174000000000002", "3174000000000003")

	sum, err := New(st, DefaultConfig()).Run(ctx, "ktp", "nik")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.FeedbackCount)
	assert.Equal(t, 2, sum.PatternsApplied)

	current, err := st.LearnedPatterns(ctx, v2.ID)
	require.NoError(t, err)
	assert.Len(t, current, 2, "patterns attach to the published version's field")

	old, err := st.LearnedPatterns(ctx, v1.ID)
	require.NoError(t, err)
	assert.Empty(t, old)

	count, err := st.CountUnconsumed(ctx, "ktp", "nik")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLearner_UnknownField(t *testing.T) {
	st := newTestStore(t)
	seedTemplate(t, st)

	_, err := New(st, DefaultConfig()).Run(context.Background(), "ktp", "alamat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no field")

	_, err = New(st, DefaultConfig()).Run(context.Background(), "missing", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
