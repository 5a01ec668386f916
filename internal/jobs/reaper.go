package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/metrics"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/store"
)

// Reaper force-fails jobs that have been running longer than staleAfter.
// Reaped jobs go through the normal retry path.
type Reaper struct {
	store      Store
	staleAfter time.Duration
	backoff    func(attempts int) time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewReaper creates a Reaper that schedules retries with the runner's backoff.
func NewReaper(st Store, runner *Runner, staleAfter time.Duration) *Reaper {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Reaper{store: st, staleAfter: staleAfter, backoff: runner.Backoff, metrics: runner.metrics, now: time.Now}
}

// Reap fails every stale running job and returns how many were reaped.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.store.StaleJobs(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "jobs: list stale")
	}

	reaped := 0
	for _, job := range stale {
		msg := "stale: no completion after " + r.staleAfter.String()
		updated, err := r.store.FailJob(ctx, job.ID, msg, r.backoff)
		if err != nil {
			// Finished between listing and failing.
			if errors.Is(err, store.ErrJobNotRunning) {
				continue
			}
			return reaped, eris.Wrapf(err, "jobs: reap %s", job.ID)
		}
		reaped++
		zap.L().Warn("jobs: reaped stale job",
			zap.String("job_id", job.ID),
			zap.String("worker_id", job.WorkerID),
			zap.String("status", string(updated.Status)),
			zap.Int("attempts", updated.Attempts),
		)
		if updated.Status == model.JobFailed {
			r.metrics.RecordJob(string(model.JobFailed), r.staleAfter.Seconds())
		}
	}
	return reaped, nil
}
