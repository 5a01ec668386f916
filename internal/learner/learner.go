// Package learner mines regex patterns from human corrections, evaluates
// them against the field's feedback history and retires learned patterns
// whose recent match rate falls below the viability floor.
package learner

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/matcher"
	"github.com/sells-group/formextract/internal/metrics"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/store"
	"github.com/sells-group/formextract/internal/textnorm"
)

// Store is the persistence the learner reads from and commits to.
type Store interface {
	GetTemplate(ctx context.Context, id string, version int) (*model.TemplateConfig, error)
	UnconsumedFeedback(ctx context.Context, templateID, fieldName string) ([]model.FeedbackRecord, error)
	FeedbackHistory(ctx context.Context, templateID, fieldName string, limit int) ([]model.FeedbackRecord, error)
	LearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error)
	ApplyLearning(ctx context.Context, batch store.LearningBatch) (int, error)
}

// Config holds the viability floor and sampling knobs.
type Config struct {
	MinMatchRate     float64 `yaml:"min_match_rate" mapstructure:"min_match_rate"`
	MinMatches       int     `yaml:"min_matches" mapstructure:"min_matches"`
	WindowSize       int     `yaml:"window_size" mapstructure:"window_size"`
	MinWindowSamples int     `yaml:"min_window_samples" mapstructure:"min_window_samples"`
	MaxExamples      int     `yaml:"max_examples" mapstructure:"max_examples"`
}

// DefaultConfig returns the standard learning parameters.
func DefaultConfig() Config {
	return Config{
		MinMatchRate:     0.3,
		MinMatches:       2,
		WindowSize:       50,
		MinWindowSamples: 5,
		MaxExamples:      5,
	}
}

// Learner runs learning passes for one template at a time.
type Learner struct {
	store   Store
	cfg     Config
	actor   string
	metrics *metrics.Metrics
}

// New creates a Learner. Zero config values fall back to the defaults.
func New(st Store, cfg Config) *Learner {
	def := DefaultConfig()
	if cfg.MinMatchRate <= 0 {
		cfg.MinMatchRate = def.MinMatchRate
	}
	if cfg.MinMatches <= 0 {
		cfg.MinMatches = def.MinMatches
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinWindowSamples <= 0 {
		cfg.MinWindowSamples = def.MinWindowSamples
	}
	if cfg.MaxExamples <= 0 {
		cfg.MaxExamples = def.MaxExamples
	}
	return &Learner{store: st, cfg: cfg, actor: "learner", metrics: metrics.NewMetrics()}
}

// Run learns from unconsumed feedback for one field of a template, or for
// every field when fieldName is empty. Fields are processed in extraction
// order and each field commits independently.
func (l *Learner) Run(ctx context.Context, templateID, fieldName string) (model.LearningSummary, error) {
	var total model.LearningSummary

	tmpl, err := l.store.GetTemplate(ctx, templateID, 0)
	if err != nil {
		return total, eris.Wrapf(err, "learner: load template %s", templateID)
	}

	fields := tmpl.OrderedFields()
	if fieldName != "" {
		f := tmpl.Field(fieldName)
		if f == nil {
			return total, eris.Errorf("learner: template %s has no field %q", templateID, fieldName)
		}
		fields = []model.FieldConfig{*f}
	}

	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		sum, err := l.LearnField(ctx, f)
		if err != nil {
			return total, err
		}
		total.Add(sum)
	}

	zap.L().Info("learner: run complete",
		zap.String("template_id", templateID),
		zap.String("field", fieldName),
		zap.Int("feedback", total.FeedbackCount),
		zap.Int("discovered", total.PatternsDiscovered),
		zap.Int("applied", total.PatternsApplied),
		zap.Int("retired", total.PatternsRetired),
	)
	return total, nil
}

// pending is a new candidate accumulated over one batch.
type pending struct {
	model.LearnedPattern
	shape    string
	examples map[string]bool
}

// LearnField runs one learning pass for a single field config. Feedback filed
// against any version of the template is consumed; new patterns attach to
// field.ID.
func (l *Learner) LearnField(ctx context.Context, field model.FieldConfig) (model.LearningSummary, error) {
	sum := model.LearningSummary{FieldsProcessed: 1}

	batch, err := l.store.UnconsumedFeedback(ctx, field.TemplateID, field.Name)
	if err != nil {
		return sum, eris.Wrapf(err, "learner: load feedback for %s", field.Name)
	}
	if len(batch) == 0 {
		return sum, nil
	}
	sum.FeedbackCount = len(batch)

	history, err := l.store.FeedbackHistory(ctx, field.TemplateID, field.Name, 0)
	if err != nil {
		return sum, eris.Wrapf(err, "learner: load history for %s", field.Name)
	}
	existing, err := l.store.LearnedPatterns(ctx, field.ID)
	if err != nil {
		return sum, eris.Wrapf(err, "learner: load patterns for %s", field.Name)
	}

	byRegex := make(map[string]bool, len(existing))
	byShape := make(map[string]string, len(existing))
	for _, p := range existing {
		byRegex[matcher.Sanitize(p.Regex)] = true
		if p.Active {
			byShape[shape(p.Regex)] = p.ID
		}
	}

	out := store.LearningBatch{
		FieldConfigID: field.ID,
		Actor:         l.actor,
		MatchRates:    make(map[string]float64),
		Deactivate:    make(map[string]string),
	}

	var order []*pending
	newByRegex := make(map[string]*pending)
	newByShape := make(map[string]*pending)

	for _, rec := range batch {
		out.ConsumeFeedback = append(out.ConsumeFeedback, rec.ID)
		if !rec.IsCorrection() {
			continue
		}
		for _, c := range Mine(rec) {
			norm := matcher.Sanitize(c.Regex)
			if byRegex[norm] {
				continue
			}
			if p, ok := newByRegex[norm]; ok {
				p.Frequency++
				p.examples[rec.CorrectedValue] = true
				continue
			}
			sh := shape(norm)
			if id, ok := byShape[sh]; ok {
				out.FrequencyBumps = append(out.FrequencyBumps, id)
				continue
			}
			if p, ok := newByShape[sh]; ok {
				p.Frequency++
				p.examples[rec.CorrectedValue] = true
				continue
			}
			p := &pending{
				LearnedPattern: model.LearnedPattern{Regex: norm, Type: c.Type, Frequency: 1, Active: true},
				shape:          sh,
				examples:       map[string]bool{rec.CorrectedValue: true},
			}
			order = append(order, p)
			newByRegex[norm] = p
			newByShape[sh] = p
		}
	}
	sum.PatternsDiscovered = len(order)
	sum.FrequencyBumps = len(out.FrequencyBumps)

	for _, p := range order {
		re, err := matcher.Compile(p.Regex)
		if err != nil {
			sum.Rejected++
			continue
		}
		ev := Evaluate(re, p.Type, history)
		rate := ev.Rate()
		if rate < l.cfg.MinMatchRate || ev.Matched < l.cfg.MinMatches {
			sum.Rejected++
			zap.L().Debug("learner: candidate rejected",
				zap.String("field", field.Name),
				zap.String("pattern", p.Regex),
				zap.Float64("match_rate", rate),
				zap.Int("matched", ev.Matched),
			)
			continue
		}
		p.MatchRate = rate
		p.Priority = int(math.Round(rate * 100))
		p.Examples = l.examples(p.examples)
		out.Insert = append(out.Insert, p.LearnedPattern)
	}

	l.retire(field, existing, history, &out)
	sum.PatternsRetired = len(out.Deactivate)

	applied, err := l.store.ApplyLearning(ctx, out)
	if err != nil {
		return sum, eris.Wrapf(err, "learner: apply learning for %s", field.Name)
	}
	sum.PatternsApplied = applied

	l.metrics.PatternsDiscoveredTotal.Add(float64(sum.PatternsDiscovered))
	l.metrics.PatternsAppliedTotal.Add(float64(sum.PatternsApplied))
	l.metrics.PatternsRetiredTotal.Add(float64(sum.PatternsRetired))
	return sum, nil
}

// retire re-evaluates active learned patterns over the trailing window and
// queues match-rate updates and soft deactivations.
func (l *Learner) retire(field model.FieldConfig, existing []model.LearnedPattern, history []model.FeedbackRecord, out *store.LearningBatch) {
	window := history
	if len(window) > l.cfg.WindowSize {
		window = window[:l.cfg.WindowSize]
	}
	for _, p := range existing {
		if !p.Active {
			continue
		}
		re, err := matcher.Compile(p.Regex)
		if err != nil {
			// Invalid stored patterns need an explicit deactivation.
			continue
		}
		ev := Evaluate(re, p.Type, window)
		if ev.Evaluated < l.cfg.MinWindowSamples {
			continue
		}
		rate := ev.Rate()
		if math.Abs(rate-p.MatchRate) > 1e-9 {
			out.MatchRates[p.ID] = rate
		}
		if rate < l.cfg.MinMatchRate {
			out.Deactivate[p.ID] = fmt.Sprintf("match rate %.2f below %.2f over last %d samples", rate, l.cfg.MinMatchRate, ev.Evaluated)
			zap.L().Warn("learner: retiring pattern",
				zap.String("field", field.Name),
				zap.String("pattern_id", p.ID),
				zap.Float64("match_rate", rate),
			)
		}
	}
}

func (l *Learner) examples(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	seen := make(map[string]bool, len(set))
	for v := range set {
		key := textnorm.Normalize(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) > l.cfg.MaxExamples {
		out = out[:l.cfg.MaxExamples]
	}
	return out
}
