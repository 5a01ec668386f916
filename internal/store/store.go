// Package store persists templates, patterns, feedback, learning jobs and
// the audit trail. SQLiteStore serves single-node use and tests;
// PostgresStore serves production.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/formextract/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrTemplatePublished is returned when saving over a published version.
	ErrTemplatePublished = eris.New("store: template version is published")
	// ErrJobNotRunning is returned when completing or failing a job that is
	// not in the running state.
	ErrJobNotRunning = eris.New("store: job is not running")
)

// TemplateStore reads and writes template versions and their field configs.
type TemplateStore interface {
	// SaveTemplate creates or replaces an unpublished version. Field config
	// ids are kept stable across saves of the same version.
	SaveTemplate(ctx context.Context, tmpl *model.TemplateConfig, actor string) error
	PublishTemplate(ctx context.Context, id string, version int, actor string) error
	// GetTemplate loads a version with its fields. Version 0 means latest.
	GetTemplate(ctx context.Context, id string, version int) (*model.TemplateConfig, error)
	ListTemplates(ctx context.Context) ([]model.TemplateConfig, error)
	// DeleteTemplate removes every version, cascading to field configs and
	// learned patterns.
	DeleteTemplate(ctx context.Context, id, actor string) error
	GetFieldConfig(ctx context.Context, fieldConfigID string) (*model.FieldConfig, error)
}

// PatternStore is the pattern repository used by the matcher, learner and API.
type PatternStore interface {
	ActiveLearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error)
	// LearnedPatterns returns active and inactive patterns for a field.
	LearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error)
	// TemplatePatterns returns learned patterns for every field of every
	// version of a template.
	TemplatePatterns(ctx context.Context, templateID string) ([]model.LearnedPattern, error)
	GetLearnedPattern(ctx context.Context, id string) (*model.LearnedPattern, error)
	// FieldPatterns returns global patterns plus those owned by userID.
	FieldPatterns(ctx context.Context, fieldName, userID string) ([]model.Pattern, error)
	// UpsertFieldPattern inserts a global/user pattern, returning the
	// existing row when (field_name, regex, owner) is taken.
	UpsertFieldPattern(ctx context.Context, p *model.Pattern, actor string) error
	IncrementUsage(ctx context.Context, ref model.PatternRef) error
	RecordSuccess(ctx context.Context, ref model.PatternRef) error
	DeactivatePattern(ctx context.Context, id, actor, reason string) error
}

// FeedbackStore holds human corrections.
type FeedbackStore interface {
	InsertFeedback(ctx context.Context, rec *model.FeedbackRecord) error
	// ImportFeedback bulk-loads historical records.
	ImportFeedback(ctx context.Context, recs []model.FeedbackRecord) (int64, error)
	// The read methods key feedback by template and field name, so
	// corrections filed against any version of a template count together.
	UnconsumedFeedback(ctx context.Context, templateID, fieldName string) ([]model.FeedbackRecord, error)
	// FeedbackHistory returns records newest first. limit <= 0 returns all.
	FeedbackHistory(ctx context.Context, templateID, fieldName string, limit int) ([]model.FeedbackRecord, error)
	CountUnconsumed(ctx context.Context, templateID, fieldName string) (int, error)
}

// LearningBatch is every mutation from one learner pass over one field.
type LearningBatch struct {
	FieldConfigID   string
	Actor           string
	Insert          []model.LearnedPattern
	FrequencyBumps  []string
	MatchRates      map[string]float64
	Deactivate      map[string]string // pattern id -> reason
	ConsumeFeedback []string
}

// LearningStore applies learner output atomically.
type LearningStore interface {
	// ApplyLearning writes the batch and its audit rows in one transaction
	// and returns how many new patterns were inserted.
	ApplyLearning(ctx context.Context, batch LearningBatch) (int, error)
}

// JobStore is the learning job queue.
type JobStore interface {
	// EnqueueJob returns the pending job for the key if one exists;
	// created reports whether a new row was written.
	EnqueueJob(ctx context.Context, templateID, fieldName string, maxAttempts int) (job *model.PatternLearningJob, created bool, err error)
	// ClaimNextJob atomically moves one due pending job to running. It
	// returns nil when nothing is claimable.
	ClaimNextJob(ctx context.Context, workerID string) (*model.PatternLearningJob, error)
	CompleteJob(ctx context.Context, id string, summary model.LearningSummary) error
	// FailJob records a failed attempt. Below maxAttempts the job returns to
	// pending after backoff(attempts); otherwise it becomes failed and a
	// failed_jobs row is written in the same transaction.
	FailJob(ctx context.Context, id, errMsg string, backoff func(attempts int) time.Duration) (*model.PatternLearningJob, error)
	GetJob(ctx context.Context, id string) (*model.PatternLearningJob, error)
	ListJobs(ctx context.Context, templateID string, limit int) ([]model.PatternLearningJob, error)
	ListFailedJobs(ctx context.Context, limit int) ([]model.FailedJob, error)
	// StaleJobs lists running jobs started before cutoff.
	StaleJobs(ctx context.Context, cutoff time.Time) ([]model.PatternLearningJob, error)
}

// HistoryStore is the append-only audit trail.
type HistoryStore interface {
	AppendChange(ctx context.Context, c *model.ConfigChange) error
	ListChanges(ctx context.Context, entity, entityID string, limit int) ([]model.ConfigChange, error)
}

// Store is the full persistence surface.
type Store interface {
	TemplateStore
	PatternStore
	FeedbackStore
	LearningStore
	JobStore
	HistoryStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func changeDetails(kv ...string) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}
