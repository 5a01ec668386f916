// Package extract runs the per-document pipeline: locate each field's
// text, race the pattern matcher against the sequence tagger at every
// location, combine the two, resolve disagreement across locations and
// assemble the result payload.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/formextract/internal/combine"
	"github.com/sells-group/formextract/internal/conflict"
	"github.com/sells-group/formextract/internal/locate"
	"github.com/sells-group/formextract/internal/matcher"
	"github.com/sells-group/formextract/internal/metrics"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/tagger"
	"github.com/sells-group/formextract/internal/textnorm"
)

// TemplateSource loads template versions.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string, version int) (*model.TemplateConfig, error)
}

// SuccessRecorder receives the second phase of the pattern counter update:
// one call per location whose rule value became the field's final answer.
type SuccessRecorder interface {
	RecordSuccess(ctx context.Context, ref model.PatternRef) error
}

// Config holds pipeline settings.
type Config struct {
	MaxConcurrentFields int `yaml:"max_concurrent_fields" mapstructure:"max_concurrent_fields"`
}

// Engine extracts documents. It is safe for concurrent use.
type Engine struct {
	templates TemplateSource
	matcher   *matcher.Matcher
	tagger    tagger.Tagger
	combiner  *combine.Combiner
	resolver  *conflict.Resolver
	outcomes  SuccessRecorder
	cfg       Config
	metrics   *metrics.Metrics
}

// Deps bundles the engine's collaborators. Tagger and Outcomes may be nil.
type Deps struct {
	Templates TemplateSource
	Matcher   *matcher.Matcher
	Tagger    tagger.Tagger
	Combiner  *combine.Combiner
	Resolver  *conflict.Resolver
	Outcomes  SuccessRecorder
}

// New creates an Engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.MaxConcurrentFields <= 0 {
		cfg.MaxConcurrentFields = 4
	}
	if deps.Tagger == nil {
		deps.Tagger = tagger.Nop{}
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(nil, matcher.DefaultConfig())
	}
	if deps.Combiner == nil {
		deps.Combiner = combine.New(combine.Config{AgreementBonus: combine.DefaultAgreementBonus})
	}
	if deps.Resolver == nil {
		deps.Resolver = conflict.New(conflict.DefaultConfig())
	}
	return &Engine{
		templates: deps.Templates,
		matcher:   deps.Matcher,
		tagger:    deps.Tagger,
		combiner:  deps.Combiner,
		resolver:  deps.Resolver,
		outcomes:  deps.Outcomes,
		cfg:       cfg,
		metrics:   metrics.NewMetrics(),
	}
}

// Request identifies the document to extract.
type Request struct {
	DocumentID string
	TemplateID string
	// Version 0 selects the latest published version.
	Version int
	// UserID selects which user-owned patterns apply besides global ones.
	UserID string
	Reader locate.PageReader
}

// Extract loads the template and runs the pipeline.
func (e *Engine) Extract(ctx context.Context, req Request) (*model.ExtractionResult, error) {
	if e.templates == nil {
		return nil, eris.New("extract: no template source configured")
	}
	tmpl, err := e.templates.GetTemplate(ctx, req.TemplateID, req.Version)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: load template %s", req.TemplateID)
	}
	return e.ExtractTemplate(ctx, tmpl, req)
}

// fieldResult is one field's contribution to the document result.
type fieldResult struct {
	field     model.FieldConfig
	final     model.ExtractionCandidate
	conflict  *model.FieldConflict
	context   *model.FieldContext
	validate  bool
	warnings  []string
	// successes holds one ref per location whose rule value became the
	// final answer, pairing each usage increment with its outcome.
	successes []model.PatternRef
}

// ExtractTemplate runs the pipeline against an already-loaded template.
func (e *Engine) ExtractTemplate(ctx context.Context, tmpl *model.TemplateConfig, req Request) (*model.ExtractionResult, error) {
	if req.Reader == nil {
		return nil, eris.New("extract: page reader is required")
	}
	fields := tmpl.OrderedFields()
	results := make([]fieldResult, len(fields))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentFields)
	for i, field := range fields {
		g.Go(func() error {
			fr, err := e.extractField(gctx, tmpl, field, req)
			if err != nil {
				return err
			}
			results[i] = fr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := model.NewExtractionResult(req.DocumentID, tmpl)
	for _, fr := range results {
		name := fr.field.Name
		out.ExtractedData[name] = fr.final.Value
		out.ConfidenceScores[name] = fr.final.Confidence
		out.ExtractionMethods[name] = fr.final.Method()
		if fr.conflict != nil && fr.conflict.Detected {
			out.Conflicts[name] = fr.conflict
		}
		if fr.context != nil {
			out.FieldContexts[name] = *fr.context
		}
		if fr.validate {
			out.RequiresValidation = append(out.RequiresValidation, name)
			e.metrics.ValidationFlagsTotal.Inc()
		}
		out.Warnings = append(out.Warnings, fr.warnings...)
		e.metrics.RecordField(string(fr.final.Method()))

		if e.outcomes != nil {
			for _, ref := range fr.successes {
				if err := e.outcomes.RecordSuccess(ctx, ref); err != nil {
					zap.L().Warn("extract: record pattern success failed",
						zap.String("field", name),
						zap.String("pattern_id", ref.ID),
						zap.Error(err),
					)
				}
			}
		}
	}
	out.Finalize()

	zap.L().Info("extract: document complete",
		zap.String("document_id", req.DocumentID),
		zap.String("template_id", tmpl.ID),
		zap.Int("version", tmpl.Version),
		zap.Int("fields", len(fields)),
		zap.Int("conflicts", len(out.Conflicts)),
		zap.Int("requires_validation", len(out.RequiresValidation)),
	)
	return out, nil
}

func (e *Engine) extractField(ctx context.Context, tmpl *model.TemplateConfig, field model.FieldConfig, req Request) (fieldResult, error) {
	fr := fieldResult{field: field}

	plan, err := e.matcher.Plan(ctx, field, req.UserID)
	if err != nil {
		return fr, eris.Wrapf(err, "extract: plan %s", field.Name)
	}
	fr.warnings = append(fr.warnings, plan.Warnings...)

	located := locate.Extract(ctx, req.Reader, field)
	if len(located) == 0 {
		fr.warnings = append(fr.warnings, "field "+field.Name+" has no locations")
		located = []locate.Located{{}}
	}

	outcomes := make([]combine.Outcome, len(located))
	for i, loc := range located {
		if loc.Err != nil && !errors.Is(loc.Err, context.Canceled) {
			fr.warnings = append(fr.warnings,
				fmt.Sprintf("field %s location %d unreadable: %v", field.Name, loc.Location.Index, loc.Err))
		}
		outcomes[i] = e.extractLocation(ctx, tmpl, field, plan, loc)
	}
	if err := ctx.Err(); err != nil {
		return fr, err
	}

	winner := 0
	if len(outcomes) > 1 {
		finals := make([]model.ExtractionCandidate, len(outcomes))
		for i, o := range outcomes {
			finals[i] = o.Candidate
		}
		fr.conflict = e.resolver.Resolve(field.Name, finals)
		winner = pickWinner(outcomes, fr.conflict)
		if fr.conflict.Detected {
			e.metrics.RecordConflict(string(fr.conflict.Severity))
			if fr.conflict.RequiresValidation {
				zap.L().Warn("extract: conflict requires validation",
					zap.String("field", field.Name),
					zap.String("severity", string(fr.conflict.Severity)),
					zap.Float64("similarity", fr.conflict.Similarity),
				)
				fr.validate = true
			}
		}
	}

	chosen := outcomes[winner]
	fr.final = chosen.Candidate
	if chosen.RequiresValidation || chosen.LowConfidence {
		fr.validate = true
	}
	if field.Required && fr.final.Empty() {
		fr.validate = true
	}

	if problems := checkRules(field, fr.final.Value); len(problems) > 0 {
		fr.validate = true
		for _, p := range problems {
			fr.warnings = append(fr.warnings, "field "+field.Name+": "+p)
		}
	}

	fr.successes = successRefs(outcomes, fr.final)

	if loc := located[winner]; !loc.Empty() {
		fr.context = &model.FieldContext{
			FieldConfigID: field.ID,
			LocationIndex: loc.Location.Index,
			RawText:       loc.Text,
			WordsBefore:   loc.WordsBefore,
			WordsAfter:    loc.WordsAfter,
		}
	}
	return fr, nil
}

// successRefs returns the stored pattern behind every location outcome whose
// rule value agrees with the field's final value. The matcher counted one
// usage per matching location, so agreeing locations each count a success.
func successRefs(outcomes []combine.Outcome, final model.ExtractionCandidate) []model.PatternRef {
	if final.Empty() {
		return nil
	}
	var refs []model.PatternRef
	for _, o := range outcomes {
		rule := o.Candidate.Source.Rule
		if !o.RuleWon || rule == nil || !rule.Ref.Stored() {
			continue
		}
		if textnorm.Equal(o.Candidate.Value, final.Value) {
			refs = append(refs, rule.Ref)
		}
	}
	return refs
}

// extractLocation runs the matcher and the tagger concurrently for one
// location and combines their candidates.
func (e *Engine) extractLocation(ctx context.Context, tmpl *model.TemplateConfig, field model.FieldConfig, plan *matcher.Plan, loc locate.Located) combine.Outcome {
	in := matcher.Input{
		Text:        loc.Text,
		WordsBefore: loc.WordsBefore,
		WordsAfter:  loc.WordsAfter,
		Location:    loc.Location,
	}

	var (
		rule matcher.Match
		stat *model.ExtractionCandidate
		g    errgroup.Group
	)
	g.Go(func() error {
		rule = e.matcher.Match(ctx, plan, in)
		return nil
	})
	g.Go(func() error {
		stat = e.predict(ctx, tmpl, field, loc)
		return nil
	})
	_ = g.Wait()

	return e.combiner.Combine(field, rule.Candidate, stat)
}

// predict returns nil when the tagger cannot contribute, which makes the
// combiner fall back to the rule candidate alone.
func (e *Engine) predict(ctx context.Context, tmpl *model.TemplateConfig, field model.FieldConfig, loc locate.Located) *model.ExtractionCandidate {
	if loc.Empty() && len(loc.WordsBefore) == 0 && len(loc.WordsAfter) == 0 {
		return nil
	}
	ctxWords := make([]string, 0, len(loc.WordsBefore)+len(loc.WordsAfter))
	ctxWords = append(ctxWords, loc.WordsBefore...)
	ctxWords = append(ctxWords, loc.WordsAfter...)

	pred, err := e.tagger.Predict(ctx, tagger.Request{
		TemplateID: tmpl.ID,
		FieldName:  field.Name,
		Text:       loc.Text,
		Context:    ctxWords,
	})
	if err != nil {
		if !errors.Is(err, tagger.ErrUnavailable) {
			e.metrics.TaggerErrorsTotal.Inc()
			zap.L().Warn("extract: tagger failed, using rules only",
				zap.String("field", field.Name),
				zap.Int("location", loc.Location.Index),
				zap.Error(err),
			)
		}
		return nil
	}
	c := combine.Statistical(pred.Value, pred.Confidence, pred.Model, loc.Location)
	return &c
}

// pickWinner returns the index of the outcome whose candidate carries the
// resolved value, preferring the highest confidence among equals.
func pickWinner(outcomes []combine.Outcome, fc *model.FieldConflict) int {
	best := -1
	for i, o := range outcomes {
		if o.Candidate.Empty() || o.Candidate.Value != fc.ResolvedValue {
			continue
		}
		if best < 0 || o.Candidate.Confidence > outcomes[best].Candidate.Confidence {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	for i, o := range outcomes {
		if !o.Candidate.Empty() {
			return i
		}
	}
	return 0
}

func checkRules(field model.FieldConfig, value string) []string {
	rules := field.Validation
	if err := rules.Compile(); err != nil {
		zap.L().Warn("extract: invalid validation pattern",
			zap.String("field", field.Name),
			zap.String("pattern", rules.Pattern),
			zap.Error(err),
		)
	}
	return rules.Check(value)
}
