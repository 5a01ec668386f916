// Package feedback accepts reviewer corrections and queues learning once
// enough have accumulated for a field.
package feedback

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/store"
)

// ErrInvalid marks a submission rejected before it reached the store.
var ErrInvalid = eris.New("feedback: invalid submission")

// Store is the persistence the service needs.
type Store interface {
	GetFieldConfig(ctx context.Context, fieldConfigID string) (*model.FieldConfig, error)
	InsertFeedback(ctx context.Context, rec *model.FeedbackRecord) error
	ImportFeedback(ctx context.Context, recs []model.FeedbackRecord) (int64, error)
	CountUnconsumed(ctx context.Context, templateID, fieldName string) (int, error)
	EnqueueJob(ctx context.Context, templateID, fieldName string, maxAttempts int) (*model.PatternLearningJob, bool, error)
	AppendChange(ctx context.Context, c *model.ConfigChange) error
}

// Config sets when learning is triggered.
type Config struct {
	// Threshold is the unconsumed feedback count that queues a job.
	Threshold   int
	MaxAttempts int
}

// Receipt describes what a submission did.
type Receipt struct {
	Feedback   *model.FeedbackRecord     `json:"feedback"`
	Unconsumed int                       `json:"unconsumed"`
	Job        *model.PatternLearningJob `json:"job,omitempty"`
	JobCreated bool                      `json:"job_created"`
}

// Service validates, stores and audits feedback.
type Service struct {
	store Store
	cfg   Config
}

// NewService creates a Service.
func NewService(st Store, cfg Config) *Service {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Service{store: st, cfg: cfg}
}

// Submit records one correction and queues a learning job for the field
// when its unconsumed count reaches the threshold.
func (s *Service) Submit(ctx context.Context, rec *model.FeedbackRecord, actor string) (*Receipt, error) {
	field, err := s.resolve(ctx, rec)
	if err != nil {
		return nil, err
	}
	rec.UsedForTraining = false

	if err := s.store.InsertFeedback(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "feedback: insert")
	}
	if err := s.store.AppendChange(ctx, &model.ConfigChange{
		Actor:    actor,
		Entity:   model.EntityFeedback,
		EntityID: rec.ID,
		Action:   model.ActionCreate,
		Details: map[string]string{
			"field_config_id": rec.FieldConfigID,
			"document_id":     rec.DocumentID,
		},
	}); err != nil {
		return nil, eris.Wrap(err, "feedback: audit")
	}

	receipt := &Receipt{Feedback: rec}
	receipt.Unconsumed, receipt.Job, receipt.JobCreated, err = s.maybeEnqueue(ctx, field)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Import bulk-loads historical feedback, skipping ids already stored, and
// checks the learning threshold once per affected field.
func (s *Service) Import(ctx context.Context, recs []model.FeedbackRecord) (int64, []*model.PatternLearningJob, error) {
	fields := make(map[string]*model.FieldConfig)
	for i := range recs {
		field, err := s.resolve(ctx, &recs[i])
		if err != nil {
			return 0, nil, eris.Wrapf(err, "feedback: record %d", i)
		}
		fields[field.ID] = field
	}

	n, err := s.store.ImportFeedback(ctx, recs)
	if err != nil {
		return 0, nil, eris.Wrap(err, "feedback: import")
	}

	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var queued []*model.PatternLearningJob
	for _, id := range ids {
		_, job, created, err := s.maybeEnqueue(ctx, fields[id])
		if err != nil {
			return n, queued, err
		}
		if created {
			queued = append(queued, job)
		}
	}
	zap.L().Info("feedback: imported",
		zap.Int("records", len(recs)),
		zap.Int64("inserted", n),
		zap.Int("jobs_queued", len(queued)),
	)
	return n, queued, nil
}

// resolve validates rec and fills template and field name from its field config.
func (s *Service) resolve(ctx context.Context, rec *model.FeedbackRecord) (*model.FieldConfig, error) {
	rec.CorrectedValue = strings.TrimSpace(rec.CorrectedValue)
	if rec.FieldConfigID == "" {
		return nil, eris.Wrap(ErrInvalid, "field_config_id is required")
	}
	if rec.CorrectedValue == "" && rec.OriginalValue == "" {
		return nil, eris.Wrap(ErrInvalid, "corrected_value is required")
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return nil, eris.Wrapf(ErrInvalid, "confidence %v outside [0,1]", rec.Confidence)
	}

	field, err := s.store.GetFieldConfig(ctx, rec.FieldConfigID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrInvalid, "unknown field config %s", rec.FieldConfigID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "feedback: load field config")
	}
	if rec.FieldName != "" && rec.FieldName != field.Name {
		return nil, eris.Wrapf(ErrInvalid, "field_name %q does not match field config %q", rec.FieldName, field.Name)
	}
	rec.FieldName = field.Name
	rec.TemplateID = field.TemplateID
	return field, nil
}

func (s *Service) maybeEnqueue(ctx context.Context, field *model.FieldConfig) (int, *model.PatternLearningJob, bool, error) {
	count, err := s.store.CountUnconsumed(ctx, field.TemplateID, field.Name)
	if err != nil {
		return 0, nil, false, eris.Wrap(err, "feedback: count unconsumed")
	}
	if count < s.cfg.Threshold {
		return count, nil, false, nil
	}

	job, created, err := s.store.EnqueueJob(ctx, field.TemplateID, field.Name, s.cfg.MaxAttempts)
	if err != nil {
		return count, nil, false, eris.Wrap(err, "feedback: enqueue learning")
	}
	if created {
		zap.L().Info("feedback: threshold reached, learning queued",
			zap.String("template_id", field.TemplateID),
			zap.String("field", field.Name),
			zap.Int("unconsumed", count),
			zap.String("job_id", job.ID),
		)
	}
	return count, job, created, nil
}
