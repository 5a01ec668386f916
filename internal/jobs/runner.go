package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/metrics"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/resilience"
	"github.com/sells-group/formextract/internal/store"
)

// Store is the job queue the runner drives.
type Store interface {
	ClaimNextJob(ctx context.Context, workerID string) (*model.PatternLearningJob, error)
	CompleteJob(ctx context.Context, id string, summary model.LearningSummary) error
	FailJob(ctx context.Context, id, errMsg string, backoff func(attempts int) time.Duration) (*model.PatternLearningJob, error)
	StaleJobs(ctx context.Context, cutoff time.Time) ([]model.PatternLearningJob, error)
}

// Learner executes one learning pass.
type Learner interface {
	Run(ctx context.Context, templateID, fieldName string) (model.LearningSummary, error)
}

// Locker guards a key across processes. ok is false when another holder
// has it.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, ok bool, err error)
}

// errLocked is recorded as the attempt error when another process holds
// the template's learning lock.
var errLocked = eris.New("jobs: template is locked by another worker")

// Runner executes claimed jobs and records their outcome.
type Runner struct {
	store   Store
	learner Learner
	locker  Locker
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRunner creates a Runner. locker may be nil.
func NewRunner(st Store, l Learner, locker Locker, retry resilience.RetryConfig) *Runner {
	return &Runner{
		store:   st,
		learner: l,
		locker:  locker,
		retry:   retry,
		metrics: metrics.NewMetrics(),
		now:     time.Now,
	}
}

// Backoff is the retry delay after the given number of failed attempts.
func (r *Runner) Backoff(attempts int) time.Duration {
	return resilience.Backoff(attempts-1, r.retry)
}

// RunNext claims one due job and executes it. It reports false when
// nothing was claimable.
func (r *Runner) RunNext(ctx context.Context, workerID string) (bool, error) {
	job, err := r.store.ClaimNextJob(ctx, workerID)
	if err != nil {
		return false, eris.Wrap(err, "jobs: claim")
	}
	if job == nil {
		return false, nil
	}
	return true, r.Execute(ctx, job)
}

// Execute runs the learner for a claimed job and completes or fails it.
// The returned error is a bookkeeping failure; learner errors are recorded
// on the job instead.
func (r *Runner) Execute(ctx context.Context, job *model.PatternLearningJob) error {
	if !CanTransition(job.Status, model.JobCompleted) {
		return eris.Errorf("jobs: job %s is %s, not running", job.ID, job.Status)
	}
	start := r.now()
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("template_id", job.TemplateID),
		zap.String("field", job.FieldName),
		zap.Int("attempt", job.Attempts+1),
	)

	// Bookkeeping must land even when the worker is shutting down.
	bg := context.WithoutCancel(ctx)

	if r.locker != nil {
		unlock, ok, err := r.locker.TryLock(ctx, "learning:"+job.TemplateID)
		if err != nil {
			log.Warn("jobs: lock unavailable, running unguarded", zap.Error(err))
		} else if !ok {
			return r.fail(bg, job, errLocked, start, log)
		} else {
			defer func() {
				if err := unlock(bg); err != nil {
					log.Warn("jobs: release lock", zap.Error(err))
				}
			}()
		}
	}

	sum, err := r.runLearner(ctx, job)
	if err != nil {
		return r.fail(bg, job, err, start, log)
	}

	if err := r.store.CompleteJob(bg, job.ID, sum); err != nil {
		if errors.Is(err, store.ErrJobNotRunning) {
			log.Warn("jobs: job was reaped before completion")
			return nil
		}
		return eris.Wrapf(err, "jobs: complete %s", job.ID)
	}
	elapsed := r.now().Sub(start)
	r.metrics.RecordJob(string(model.JobCompleted), elapsed.Seconds())
	log.Info("jobs: completed",
		zap.Int("feedback", sum.FeedbackCount),
		zap.Int("discovered", sum.PatternsDiscovered),
		zap.Int("applied", sum.PatternsApplied),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func (r *Runner) runLearner(ctx context.Context, job *model.PatternLearningJob) (sum model.LearningSummary, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.learner.Run(ctx, job.TemplateID, job.FieldName)
}

func (r *Runner) fail(ctx context.Context, job *model.PatternLearningJob, cause error, start time.Time, log *zap.Logger) error {
	updated, err := r.store.FailJob(ctx, job.ID, cause.Error(), r.Backoff)
	if err != nil {
		if errors.Is(err, store.ErrJobNotRunning) {
			log.Warn("jobs: job was reaped before failure was recorded", zap.Error(cause))
			return nil
		}
		return eris.Wrapf(err, "jobs: fail %s", job.ID)
	}

	elapsed := r.now().Sub(start).Seconds()
	if updated.Status == model.JobFailed {
		r.metrics.RecordJob(string(model.JobFailed), elapsed)
		log.Warn("jobs: failed permanently",
			zap.Int("attempts", updated.Attempts),
			zap.Error(cause),
		)
		return nil
	}
	r.metrics.RecordJob("retry", elapsed)
	log.Warn("jobs: attempt failed, retry scheduled",
		zap.Int("attempts", updated.Attempts),
		zap.Time("next_run_at", updated.NextRunAt),
		zap.Error(cause),
	)
	return nil
}
