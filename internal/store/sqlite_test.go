package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/formextract/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testTemplate() *model.TemplateConfig {
	return &model.TemplateConfig{
		ID:   "ktp",
		Name: "KTP",
		Fields: []model.FieldConfig{
			{Name: "nik", Type: model.FieldTypeID, BasePattern: `\d{16}`, Required: true, ExtractionOrder: 1,
				Validation: model.ValidationRules{MinLength: 16, MaxLength: 16},
				Locations:  []model.FieldLocation{{Page: 1, Label: "NIK"}}},
			{Name: "nama", Type: model.FieldTypeName, ExtractionOrder: 2, ConfidenceThreshold: 0.8},
		},
	}
}

func saveTestTemplate(t *testing.T, st *SQLiteStore) *model.TemplateConfig {
	t.Helper()
	tmpl := testTemplate()
	require.NoError(t, st.SaveTemplate(context.Background(), tmpl, "alice"))
	return tmpl
}

// --- Templates ---

func TestSQLite_Template_SaveAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tmpl := saveTestTemplate(t, st)
	assert.Equal(t, 1, tmpl.Version)
	require.NotEmpty(t, tmpl.Fields[0].ID)

	got, err := st.GetTemplate(ctx, "ktp", 1)
	require.NoError(t, err)
	assert.Equal(t, "KTP", got.Name)
	assert.False(t, got.Published)
	require.Len(t, got.Fields, 2)
	assert.Equal(t, "nik", got.Fields[0].Name)
	assert.True(t, got.Fields[0].Required)
	assert.Equal(t, 16, got.Fields[0].Validation.MaxLength)
	require.Len(t, got.Fields[0].Locations, 1)
	assert.Equal(t, "NIK", got.Fields[0].Locations[0].Label)
	assert.InDelta(t, 0.8, got.Fields[1].ConfidenceThreshold, 1e-9)

	fc, err := st.GetFieldConfig(ctx, tmpl.Fields[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "nik", fc.Name)
	assert.Equal(t, 1, fc.TemplateVersion)
}

func TestSQLite_Template_ResaveKeepsFieldIDs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tmpl := saveTestTemplate(t, st)
	nikID := tmpl.Fields[0].ID

	update := testTemplate()
	update.Version = 1
	update.Fields = update.Fields[:1]
	update.Fields[0].BasePattern = `\d{15,16}`
	require.NoError(t, st.SaveTemplate(ctx, update, "alice"))
	assert.Equal(t, nikID, update.Fields[0].ID)

	got, err := st.GetTemplate(ctx, "ktp", 1)
	require.NoError(t, err)
	require.Len(t, got.Fields, 1)
	assert.Equal(t, `\d{15,16}`, got.Fields[0].BasePattern)
}

func TestSQLite_Template_PublishedIsImmutable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	saveTestTemplate(t, st)
	require.NoError(t, st.PublishTemplate(ctx, "ktp", 1, "alice"))

	err := st.PublishTemplate(ctx, "ktp", 1, "alice")
	assert.ErrorIs(t, err, ErrTemplatePublished)

	again := testTemplate()
	again.Version = 1
	err = st.SaveTemplate(ctx, again, "bob")
	assert.ErrorIs(t, err, ErrTemplatePublished)

	draft := testTemplate()
	require.NoError(t, st.SaveTemplate(ctx, draft, "bob"))
	assert.Equal(t, 2, draft.Version)

	latest, err := st.GetTemplate(ctx, "ktp", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version, "latest published wins over newer draft")
	assert.True(t, latest.Published)

	err = st.PublishTemplate(ctx, "ktp", 9, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := st.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSQLite_Template_DeleteCascades(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tmpl := saveTestTemplate(t, st)
	fcID := tmpl.Fields[0].ID
	n, err := st.ApplyLearning(ctx, LearningBatch{
		FieldConfigID: fcID,
		Actor:         "learner",
		Insert:        []model.LearnedPattern{{Regex: `NIK\s*:\s*(\d{16})`, Type: model.LearnedContext, Frequency: 1, Active: true}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, st.DeleteTemplate(ctx, "ktp", "alice"))

	_, err = st.GetTemplate(ctx, "ktp", 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetFieldConfig(ctx, fcID)
	assert.ErrorIs(t, err, ErrNotFound)
	patterns, err := st.LearnedPatterns(ctx, fcID)
	require.NoError(t, err)
	assert.Empty(t, patterns)

	assert.ErrorIs(t, st.DeleteTemplate(ctx, "ktp", "alice"), ErrNotFound)
}

// --- Patterns ---

func TestSQLite_FieldPatterns_UserAndGlobal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	global := &model.Pattern{FieldName: "nama", Regex: `Nama:\s*(.+)`}
	require.NoError(t, st.UpsertFieldPattern(ctx, global, "admin"))
	require.NotEmpty(t, global.ID)

	dup := &model.Pattern{FieldName: "nama", Regex: `Nama:\s*(.+)`}
	require.NoError(t, st.UpsertFieldPattern(ctx, dup, "admin"))
	assert.Equal(t, global.ID, dup.ID)

	require.NoError(t, st.UpsertFieldPattern(ctx, &model.Pattern{FieldName: "nama", Regex: `Name=(\w+)`, Owner: "alice"}, "alice"))
	require.NoError(t, st.UpsertFieldPattern(ctx, &model.Pattern{FieldName: "nama", Regex: `N=(\w+)`, Owner: "bob"}, "bob"))

	got, err := st.FieldPatterns(ctx, "nama", "alice")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = st.FieldPatterns(ctx, "nama", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.PatternKindGlobal, got[0].Kind())

	require.NoError(t, st.IncrementUsage(ctx, model.PatternRef{Kind: model.PatternKindGlobal, ID: global.ID}))
	got, err = st.FieldPatterns(ctx, "nama", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got[0].UsageCount)

	changes, err := st.ListChanges(ctx, model.EntityFieldPattern, "", 0)
	require.NoError(t, err)
	assert.Len(t, changes, 3, "duplicate upsert is not audited")
}

func TestSQLite_LearnedPatterns_CountersAndDeactivate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tmpl := saveTestTemplate(t, st)
	fcID := tmpl.Fields[0].ID
	batch := LearningBatch{
		FieldConfigID: fcID,
		Actor:         "learner",
		Insert: []model.LearnedPattern{
			{Regex: `(\d{16})`, Type: model.LearnedGeneralized, Priority: 5, MatchRate: 0.9, Active: true, Examples: []string{"3174000000000001"}},
			{Regex: `NIK (\d+)`, Type: model.LearnedContext, Priority: 10, MatchRate: 0.6, Active: true},
		},
	}
	n, err := st.ApplyLearning(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	active, err := st.ActiveLearnedPatterns(ctx, fcID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, `NIK (\d+)`, active[0].Regex, "priority ordering")
	assert.Equal(t, []string{"3174000000000001"}, active[1].Examples)

	ref := model.PatternRef{Kind: model.PatternKindLearned, ID: active[0].ID}
	require.NoError(t, st.IncrementUsage(ctx, ref))
	require.NoError(t, st.IncrementUsage(ctx, ref))
	require.NoError(t, st.RecordSuccess(ctx, ref))
	require.NoError(t, st.IncrementUsage(ctx, model.PatternRef{Kind: model.PatternKindBase}))

	p, err := st.GetLearnedPattern(ctx, active[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.UsageCount)
	assert.Equal(t, int64(1), p.SuccessCount)

	require.NoError(t, st.DeactivatePattern(ctx, p.ID, "alice", "too broad"))
	require.NoError(t, st.DeactivatePattern(ctx, p.ID, "alice", "again"), "already inactive is a no-op")
	assert.ErrorIs(t, st.DeactivatePattern(ctx, "missing", "alice", "x"), ErrNotFound)

	active, err = st.ActiveLearnedPatterns(ctx, fcID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := st.TemplatePatterns(ctx, "ktp")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	changes, err := st.ListChanges(ctx, model.EntityLearnedPattern, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, model.ActionDeactivate, changes[0].Action)
	assert.Equal(t, "too broad", changes[0].Details["reason"])
	assert.Equal(t, "alice", changes[0].Actor)
}

// --- Feedback and learning ---

func TestSQLite_Feedback_ImportAndHistory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	recs := []model.FeedbackRecord{
		{ID: "f1", DocumentID: "d1", TemplateID: "ktp", FieldConfigID: "fc", FieldName: "nik",
			OriginalValue: "317400000000001", CorrectedValue: "3174000000000001", WordsBefore: []string{"NIK", ":"}, CreatedAt: base},
		{ID: "f2", DocumentID: "d2", TemplateID: "ktp", FieldConfigID: "fc", FieldName: "nik",
			CorrectedValue: "3174000000000002", CreatedAt: base.Add(time.Minute)},
	}
	n, err := st.ImportFeedback(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = st.ImportFeedback(ctx, recs[:1])
	require.NoError(t, err)
	assert.Zero(t, n, "existing ids are skipped")

	require.NoError(t, st.InsertFeedback(ctx, &model.FeedbackRecord{
		DocumentID: "d3", TemplateID: "ktp", FieldConfigID: "fc", FieldName: "nik",
		CorrectedValue: "3174000000000003", CreatedAt: base.Add(2 * time.Minute),
	}))

	count, err := st.CountUnconsumed(ctx, "ktp", "nik")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	history, err := st.FeedbackHistory(ctx, "ktp", "nik", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "3174000000000003", history[0].CorrectedValue, "newest first")

	history, err = st.FeedbackHistory(ctx, "ktp", "nik", 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	unused, err := st.UnconsumedFeedback(ctx, "ktp", "nik")
	require.NoError(t, err)
	require.Len(t, unused, 3)
	assert.Equal(t, "f1", unused[0].ID, "oldest first")
	assert.Equal(t, []string{"NIK", ":"}, unused[0].WordsBefore)
}

func TestSQLite_ApplyLearning_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tmpl := saveTestTemplate(t, st)
	fcID := tmpl.Fields[0].ID
	for _, id := range []string{"f1", "f2"} {
		require.NoError(t, st.InsertFeedback(ctx, &model.FeedbackRecord{
			ID: id, DocumentID: id, TemplateID: "ktp", FieldConfigID: fcID, FieldName: "nik", CorrectedValue: "3174000000000001",
		}))
	}

	batch := func() LearningBatch {
		return LearningBatch{
			FieldConfigID:   fcID,
			Actor:           "learner",
			Insert:          []model.LearnedPattern{{Regex: `(\d{16})`, Type: model.LearnedGeneralized, Frequency: 2, MatchRate: 1, Active: true}},
			ConsumeFeedback: []string{"f1", "f2"},
		}
	}

	n, err := st.ApplyLearning(ctx, batch())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.ApplyLearning(ctx, batch())
	require.NoError(t, err)
	assert.Zero(t, n)

	patterns, err := st.LearnedPatterns(ctx, fcID)
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	count, err := st.CountUnconsumed(ctx, "ktp", "nik")
	require.NoError(t, err)
	assert.Zero(t, count)

	consumed, err := st.ListChanges(ctx, model.EntityFeedback, fcID, 0)
	require.NoError(t, err)
	require.Len(t, consumed, 1)
	assert.Equal(t, "2", consumed[0].Details["count"])

	n, err = st.ApplyLearning(ctx, LearningBatch{
		FieldConfigID:  fcID,
		Actor:          "learner",
		FrequencyBumps: []string{patterns[0].ID},
		MatchRates:     map[string]float64{patterns[0].ID: 0.75},
		Deactivate:     map[string]string{patterns[0].ID: "match rate below floor"},
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	p, err := st.GetLearnedPattern(ctx, patterns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Frequency)
	assert.InDelta(t, 0.75, p.MatchRate, 1e-9)
	assert.False(t, p.Active)
}

// --- Jobs ---

func TestSQLite_Jobs_EnqueueIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, created, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.JobPending, first.Status)

	second, created, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, created, err = st.EnqueueJob(ctx, "ktp", "nama", 3)
	require.NoError(t, err)
	assert.True(t, created)

	jobs, err := st.ListJobs(ctx, "ktp", 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSQLite_Jobs_ClaimRespectsRunningScope(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	whole, _, err := st.EnqueueJob(ctx, "ktp", "", 3)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	field, _, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	other, _, err := st.EnqueueJob(ctx, "sim", "nama", 3)
	require.NoError(t, err)

	claimed, err := st.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, whole.ID, claimed.ID)
	assert.Equal(t, model.JobRunning, claimed.Status)
	assert.Equal(t, "w1", claimed.WorkerID)
	require.NotNil(t, claimed.StartedAt)

	claimed, err = st.ClaimNextJob(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, other.ID, claimed.ID, "template-wide job blocks field job of same template")

	claimed, err = st.ClaimNextJob(ctx, "w3")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	require.NoError(t, st.CompleteJob(ctx, whole.ID, model.LearningSummary{FieldsProcessed: 2, PatternsApplied: 1}))
	assert.ErrorIs(t, st.CompleteJob(ctx, whole.ID, model.LearningSummary{}), ErrJobNotRunning)

	done, err := st.GetJob(ctx, whole.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	require.NotNil(t, done.Summary)
	assert.Equal(t, 1, done.Summary.PatternsApplied)
	assert.Equal(t, 1, done.PatternsApplied)
	require.NotNil(t, done.CompletedAt)

	claimed, err = st.ClaimNextJob(ctx, "w3")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, field.ID, claimed.ID)
}

func TestSQLite_Jobs_FailExhaustsAttempts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	noDelay := func(int) time.Duration { return 0 }

	job, _, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := st.ClaimNextJob(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, claimed)

		failed, err := st.FailJob(ctx, job.ID, "boom", noDelay)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, failed.Status)
		assert.Equal(t, attempt, failed.Attempts)
		assert.Empty(t, failed.WorkerID)
		assert.Nil(t, failed.StartedAt)
	}

	_, err = st.FailJob(ctx, job.ID, "boom", noDelay)
	assert.ErrorIs(t, err, ErrJobNotRunning)

	claimed, err := st.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)

	final, err := st.FailJob(ctx, job.ID, "regex timeout", noDelay)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, final.Status)
	assert.Equal(t, 3, final.Attempts)
	assert.Equal(t, "regex timeout", final.LastError)

	failed, err := st.ListFailedJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].JobID)
	assert.Equal(t, 3, failed[0].Attempts)

	claimed, err = st.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed, "failed jobs are never reclaimed")
}

func TestSQLite_Jobs_BackoffDelaysClaim(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, _, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)
	_, err = st.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)

	failed, err := st.FailJob(ctx, job.ID, "boom", func(int) time.Duration { return time.Hour })
	require.NoError(t, err)
	assert.True(t, failed.NextRunAt.After(time.Now().Add(50*time.Minute)))

	claimed, err := st.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestSQLite_Jobs_Stale(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, _, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)
	_, err = st.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)

	stale, err := st.StaleJobs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	stale, err = st.StaleJobs(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

// --- History ---

func TestSQLite_History_AppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c := &model.ConfigChange{Actor: "alice", Entity: model.EntityTemplate, EntityID: "ktp@v1", Action: model.ActionPublish}
	require.NoError(t, st.AppendChange(ctx, c))
	assert.NotZero(t, c.ID)

	_, err := st.db.ExecContext(ctx, `UPDATE config_change_history SET actor = 'mallory'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = st.db.ExecContext(ctx, `DELETE FROM config_change_history`)
	require.Error(t, err)

	changes, err := st.ListChanges(ctx, "", "", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "alice", changes[0].Actor)
}
