package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/resilience"
	"github.com/sells-group/formextract/internal/store"
)

type fakeLearner struct {
	calls atomic.Int32
	fn    func(templateID, fieldName string) (model.LearningSummary, error)
}

func (f *fakeLearner) Run(_ context.Context, templateID, fieldName string) (model.LearningSummary, error) {
	f.calls.Add(1)
	return f.fn(templateID, fieldName)
}

type fakeLocker struct {
	held     bool
	released int
}

func (f *fakeLocker) TryLock(_ context.Context, _ string) (func(context.Context) error, bool, error) {
	if f.held {
		return nil, false, nil
	}
	return func(context.Context) error {
		f.released++
		return nil
	}, true, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// instantRetry makes requeued jobs due immediately.
func instantRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Nanosecond,
		MaxBackoff:     time.Nanosecond,
		Multiplier:     1,
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to model.JobStatus
		want     bool
	}{
		{model.JobPending, model.JobRunning, true},
		{model.JobPending, model.JobCompleted, false},
		{model.JobPending, model.JobFailed, false},
		{model.JobRunning, model.JobCompleted, true},
		{model.JobRunning, model.JobFailed, true},
		{model.JobRunning, model.JobPending, true},
		{model.JobCompleted, model.JobPending, false},
		{model.JobCompleted, model.JobRunning, false},
		{model.JobFailed, model.JobPending, false},
		{model.JobFailed, model.JobRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRunner_Completes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, _, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)

	l := &fakeLearner{fn: func(templateID, fieldName string) (model.LearningSummary, error) {
		assert.Equal(t, "ktp", templateID)
		assert.Equal(t, "nik", fieldName)
		return model.LearningSummary{FieldsProcessed: 1, FeedbackCount: 4, PatternsDiscovered: 2, PatternsApplied: 1}, nil
	}}
	locker := &fakeLocker{}
	r := NewRunner(st, l, locker, instantRetry())

	ran, err := r.RunNext(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, locker.released)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 4, got.FeedbackCount)
	assert.Equal(t, 1, got.PatternsApplied)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 2, got.Summary.PatternsDiscovered)
	assert.NotNil(t, got.CompletedAt)

	ran, err = r.RunNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestRunner_RetriesThenFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, _, err := st.EnqueueJob(ctx, "ktp", "", 2)
	require.NoError(t, err)

	l := &fakeLearner{fn: func(string, string) (model.LearningSummary, error) {
		return model.LearningSummary{}, errors.New("feedback table unavailable")
	}}
	r := NewRunner(st, l, nil, instantRetry())

	ran, err := r.RunNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "feedback table unavailable", got.LastError)

	ran, err = r.RunNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)

	failed, err := st.ListFailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].JobID)
	assert.Equal(t, 2, failed[0].Attempts)

	ran, err = r.RunNext(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ran, "failed jobs are never claimed again")
	assert.EqualValues(t, 2, l.calls.Load())
}

func TestRunner_RecoversPanic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, _, err := st.EnqueueJob(ctx, "ktp", "nama", 3)
	require.NoError(t, err)

	l := &fakeLearner{fn: func(string, string) (model.LearningSummary, error) {
		panic("nil map write")
	}}
	r := NewRunner(st, l, nil, instantRetry())

	ran, err := r.RunNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Contains(t, got.LastError, "panic: nil map write")
}

func TestRunner_LockedElsewhere(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, _, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)

	l := &fakeLearner{fn: func(string, string) (model.LearningSummary, error) {
		return model.LearningSummary{}, nil
	}}
	r := NewRunner(st, l, &fakeLocker{held: true}, instantRetry())

	ran, err := r.RunNext(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)
	assert.Zero(t, l.calls.Load())

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, errLocked.Error(), got.LastError)
}

func TestRunner_RejectsUnclaimedJob(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil, nil, nil, instantRetry())
	err := r.Execute(context.Background(), &model.PatternLearningJob{ID: "j1", Status: model.JobPending})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestRunner_BackoffGrows(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil, nil, nil, resilience.RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
	})
	assert.Equal(t, time.Second, r.Backoff(1))
	assert.Equal(t, 2*time.Second, r.Backoff(2))
	assert.Equal(t, 4*time.Second, r.Backoff(3))
	assert.Equal(t, time.Minute, r.Backoff(20))
}

func TestReaper_RequeuesStaleJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, _, err := st.EnqueueJob(ctx, "ktp", "nik", 3)
	require.NoError(t, err)
	claimed, err := st.ClaimNextJob(ctx, "dead-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	runner := NewRunner(st, nil, nil, instantRetry())
	reaper := NewReaper(st, runner, time.Minute)

	n, err := reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh runs are left alone")

	reaper.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "stale")
	assert.Empty(t, got.WorkerID)
}

func TestPool_RunsQueuedJobs(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, field := range []string{"nik", "nama", "alamat"} {
		_, _, err := st.EnqueueJob(ctx, "ktp", field, 3)
		require.NoError(t, err)
	}

	l := &fakeLearner{fn: func(string, string) (model.LearningSummary, error) {
		return model.LearningSummary{FieldsProcessed: 1}, nil
	}}
	runner := NewRunner(st, l, nil, instantRetry())
	pool := NewPool(runner, NewReaper(st, runner, time.Hour), Config{Workers: 2, PollIntervalMs: 5})

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		jobs, err := st.ListJobs(context.Background(), "ktp", 10)
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if j.Status != model.JobCompleted {
				return false
			}
		}
		return len(jobs) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.EqualValues(t, 3, l.calls.Load())
}
