package model

import "time"

// Audit entities.
const (
	EntityTemplate       = "template"
	EntityLearnedPattern = "learned_pattern"
	EntityFieldPattern   = "field_pattern"
	EntityFeedback       = "feedback"
	EntityLearningJob    = "learning_job"
)

// Audit actions.
const (
	ActionCreate     = "create"
	ActionPublish    = "publish"
	ActionDelete     = "delete"
	ActionDeactivate = "deactivate"
	ActionFrequency  = "frequency_bump"
	ActionMatchRate  = "match_rate_update"
	ActionFail       = "fail"
	ActionConsume    = "consume"
)

// ConfigChange is one append-only audit row.
type ConfigChange struct {
	ID        int64             `json:"id"`
	Actor     string            `json:"actor"`
	Entity    string            `json:"entity"`
	EntityID  string            `json:"entity_id"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
