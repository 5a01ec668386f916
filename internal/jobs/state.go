// Package jobs runs pattern learning jobs: claiming due work, executing the
// learner, recording completion or scheduling a retry, and reaping runs
// whose worker went away.
package jobs

import "github.com/sells-group/formextract/internal/model"

var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobPending: {model.JobRunning},
	// running -> pending is the retry path.
	model.JobRunning: {model.JobCompleted, model.JobFailed, model.JobPending},
}

// CanTransition reports whether a job may move from one status to another.
// Completed and failed are terminal.
func CanTransition(from, to model.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
