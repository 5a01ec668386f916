package model

import "time"

// JobStatus is the lifecycle state of a pattern learning job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// LearningSummary is the outcome of one learner run.
type LearningSummary struct {
	FieldsProcessed    int      `json:"fields_processed"`
	FeedbackCount      int      `json:"feedback_count"`
	PatternsDiscovered int      `json:"patterns_discovered"`
	PatternsApplied    int      `json:"patterns_applied"`
	PatternsRetired    int      `json:"patterns_retired"`
	FrequencyBumps     int      `json:"frequency_bumps"`
	Rejected           int      `json:"rejected"`
	Notes              []string `json:"notes,omitempty"`
}

// Add accumulates another summary into s.
func (s *LearningSummary) Add(o LearningSummary) {
	s.FieldsProcessed += o.FieldsProcessed
	s.FeedbackCount += o.FeedbackCount
	s.PatternsDiscovered += o.PatternsDiscovered
	s.PatternsApplied += o.PatternsApplied
	s.PatternsRetired += o.PatternsRetired
	s.FrequencyBumps += o.FrequencyBumps
	s.Rejected += o.Rejected
	s.Notes = append(s.Notes, o.Notes...)
}

// PatternLearningJob is a unit of background learning work for a template,
// optionally scoped to one field. An empty FieldName means all fields.
type PatternLearningJob struct {
	ID                 string           `json:"id"`
	TemplateID         string           `json:"template_id"`
	FieldName          string           `json:"field_name,omitempty"`
	Status             JobStatus        `json:"status"`
	Attempts           int              `json:"attempts"`
	MaxAttempts        int              `json:"max_attempts"`
	FeedbackCount      int              `json:"feedback_count"`
	PatternsDiscovered int              `json:"patterns_discovered"`
	PatternsApplied    int              `json:"patterns_applied"`
	LastError          string           `json:"last_error,omitempty"`
	Summary            *LearningSummary `json:"result_summary,omitempty"`
	WorkerID           string           `json:"worker_id,omitempty"`
	NextRunAt          time.Time        `json:"next_run_at"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Key identifies the (template, field) scope jobs are serialized on.
func (j PatternLearningJob) Key() string {
	if j.FieldName == "" {
		return j.TemplateID + "/*"
	}
	return j.TemplateID + "/" + j.FieldName
}

// FailedJob is the permanent record of a job that exhausted its attempts.
type FailedJob struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	TemplateID string    `json:"template_id"`
	FieldName  string    `json:"field_name,omitempty"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}
