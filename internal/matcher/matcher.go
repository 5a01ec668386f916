// Package matcher applies ranked regex patterns to located field text.
package matcher

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/metrics"
	"github.com/sells-group/formextract/internal/model"
)

// Repository is the pattern store the matcher reads from and reports usage to.
type Repository interface {
	ActiveLearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error)
	// FieldPatterns returns global patterns plus those owned by userID.
	FieldPatterns(ctx context.Context, fieldName, userID string) ([]model.Pattern, error)
	IncrementUsage(ctx context.Context, ref model.PatternRef) error
}

// Config holds the confidence priors used when no match rate is known.
type Config struct {
	BasePrior    float64 `yaml:"base_prior" mapstructure:"base_prior"`
	LearnedPrior float64 `yaml:"learned_prior" mapstructure:"learned_prior"`
	GlobalPrior  float64 `yaml:"global_prior" mapstructure:"global_prior"`
}

// DefaultConfig returns the standard priors.
func DefaultConfig() Config {
	return Config{BasePrior: 0.7, LearnedPrior: 0.5, GlobalPrior: 0.6}
}

// Candidate is one compiled pattern in a field's plan.
type Candidate struct {
	Ref        model.PatternRef
	Regex      string
	Type       model.LearnedPatternType
	Method     model.Method
	Confidence float64
	re         *regexp.Regexp
}

// Plan is the ordered pattern list for one field, built once per document.
type Plan struct {
	Field    model.FieldConfig
	Patterns []Candidate
	Warnings []string
}

// Input is the located text for one field location.
type Input struct {
	Text        string
	WordsBefore []string
	WordsAfter  []string
	Location    model.FieldLocation
}

// Window joins the context words around the text, for context-anchored patterns.
func (in Input) Window() string {
	parts := make([]string, 0, len(in.WordsBefore)+len(in.WordsAfter)+1)
	parts = append(parts, in.WordsBefore...)
	if in.Text != "" {
		parts = append(parts, in.Text)
	}
	parts = append(parts, in.WordsAfter...)
	return strings.Join(parts, " ")
}

// Match is the outcome of running a plan against one input.
type Match struct {
	Candidate model.ExtractionCandidate
	Pattern   *Candidate
}

// Matcher runs pattern plans. It holds no mutable state of its own.
type Matcher struct {
	repo    Repository
	cfg     Config
	metrics *metrics.Metrics
}

// New creates a Matcher. repo may be nil, in which case only base patterns apply.
func New(repo Repository, cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.BasePrior <= 0 {
		cfg.BasePrior = def.BasePrior
	}
	if cfg.LearnedPrior <= 0 {
		cfg.LearnedPrior = def.LearnedPrior
	}
	if cfg.GlobalPrior <= 0 {
		cfg.GlobalPrior = def.GlobalPrior
	}
	return &Matcher{repo: repo, cfg: cfg, metrics: metrics.NewMetrics()}
}

// Plan builds the ordered candidate list for a field: base pattern, then
// active learned patterns by priority, then user and global patterns.
// Patterns that fail to compile are dropped from the plan with a warning.
func (m *Matcher) Plan(ctx context.Context, field model.FieldConfig, userID string) (*Plan, error) {
	plan := &Plan{Field: field}

	if field.BasePattern != "" {
		m.add(plan, Candidate{
			Ref:        model.PatternRef{Kind: model.PatternKindBase},
			Regex:      field.BasePattern,
			Method:     model.MethodRule,
			Confidence: m.cfg.BasePrior,
		})
	}

	if m.repo == nil {
		return plan, nil
	}

	if field.ID != "" {
		learned, err := m.repo.ActiveLearnedPatterns(ctx, field.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "matcher: load learned patterns for %s", field.Name)
		}
		model.SortLearned(learned)
		for _, lp := range learned {
			if !lp.Active {
				continue
			}
			m.add(plan, Candidate{
				Ref:        model.PatternRef{Kind: model.PatternKindLearned, ID: lp.ID},
				Regex:      lp.Regex,
				Type:       lp.Type,
				Method:     model.MethodLearned,
				Confidence: m.learnedConfidence(lp),
			})
		}
	}

	shared, err := m.repo.FieldPatterns(ctx, field.Name, userID)
	if err != nil {
		return nil, eris.Wrapf(err, "matcher: load field patterns for %s", field.Name)
	}
	// User patterns outrank global ones; store order is kept within each group.
	for _, kind := range []model.PatternKind{model.PatternKindUser, model.PatternKindGlobal} {
		for _, p := range shared {
			if p.Kind() != kind {
				continue
			}
			m.add(plan, Candidate{
				Ref:        model.PatternRef{Kind: kind, ID: p.ID},
				Regex:      p.Regex,
				Method:     model.MethodRule,
				Confidence: m.cfg.GlobalPrior,
			})
		}
	}

	return plan, nil
}

func (m *Matcher) learnedConfidence(lp model.LearnedPattern) float64 {
	base := m.cfg.LearnedPrior
	if rate, ok := lp.ObservedRate(); ok {
		base = rate
	}
	return model.Clamp01(base + lp.ConfidenceBoost)
}

func (m *Matcher) add(plan *Plan, c Candidate) {
	re, err := Compile(c.Regex)
	if err != nil {
		m.metrics.InvalidPatternsTotal.Inc()
		zap.L().Warn("matcher: skipping invalid pattern",
			zap.String("field", plan.Field.Name),
			zap.String("kind", string(c.Ref.Kind)),
			zap.String("pattern_id", c.Ref.ID),
			zap.String("pattern", c.Regex),
			zap.Error(err),
		)
		plan.Warnings = append(plan.Warnings, "invalid pattern skipped for "+plan.Field.Name+": "+c.Regex)
		return
	}
	c.re = re
	c.Confidence = model.Clamp01(c.Confidence)
	plan.Patterns = append(plan.Patterns, c)
}

// Match tries the plan's patterns in order and returns the first non-empty
// capture. Each successful match increments the pattern's usage count; the
// success count is reported separately once the final value is known.
func (m *Matcher) Match(ctx context.Context, plan *Plan, in Input) Match {
	window := ""
	for i := range plan.Patterns {
		p := &plan.Patterns[i]

		subject := in.Text
		if p.Type == model.LearnedContext {
			if window == "" {
				window = in.Window()
			}
			subject = window
		}
		if subject == "" {
			continue
		}

		value := strings.TrimSpace(Capture(p.re, subject))
		if value == "" {
			continue
		}

		if m.repo != nil && p.Ref.Stored() {
			if err := m.repo.IncrementUsage(ctx, p.Ref); err != nil {
				zap.L().Warn("matcher: increment usage failed",
					zap.String("pattern_id", p.Ref.ID),
					zap.Error(err),
				)
			}
		}

		return Match{
			Candidate: model.ExtractionCandidate{
				Value:      value,
				Confidence: p.Confidence,
				Source: model.Source{
					Method: p.Method,
					Rule:   &model.RuleSource{Ref: p.Ref, Regex: p.Regex},
				},
				LocationIndex: in.Location.Index,
				Page:          in.Location.Page,
				Label:         in.Location.Label,
			},
			Pattern: p,
		}
	}
	return Match{Candidate: model.NoMatch(in.Location)}
}
