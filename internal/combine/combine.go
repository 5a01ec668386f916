// Package combine merges the rule and statistical candidates for one field
// location into a single scored candidate.
package combine

import (
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/textnorm"
)

// DefaultAgreementBonus is added to the stronger confidence when both
// extractors agree.
const DefaultAgreementBonus = 0.1

// Config holds combiner tuning.
type Config struct {
	AgreementBonus float64 `yaml:"agreement_bonus" mapstructure:"agreement_bonus"`
}

// Outcome is the combined candidate plus the flags the caller acts on.
type Outcome struct {
	Candidate model.ExtractionCandidate
	// RuleWon is true when the rule candidate's value became final, alone or
	// in agreement. It drives the pattern success_count update.
	RuleWon            bool
	LowConfidence      bool
	RequiresValidation bool
}

// Combiner is stateless apart from its config.
type Combiner struct {
	bonus float64
}

// New creates a Combiner. A negative bonus is treated as zero.
func New(cfg Config) *Combiner {
	if cfg.AgreementBonus < 0 {
		cfg.AgreementBonus = 0
	}
	return &Combiner{bonus: cfg.AgreementBonus}
}

// Combine merges the two candidates for one location. stat is nil when the
// statistical extractor was unavailable, in which case the rule candidate is
// used as is.
func (c *Combiner) Combine(field model.FieldConfig, rule model.ExtractionCandidate, stat *model.ExtractionCandidate) Outcome {
	threshold := field.Threshold()

	var out Outcome
	switch {
	case stat == nil:
		out.Candidate = rule
		out.RuleWon = !rule.Empty()

	case !rule.Empty() && !stat.Empty() && textnorm.Equal(rule.Value, stat.Value):
		conf := rule.Confidence
		if stat.Confidence > conf {
			conf = stat.Confidence
		}
		out.Candidate = rule
		out.Candidate.Confidence = model.Clamp01(conf + c.bonus)
		out.Candidate.Source = model.Source{
			Method:      model.MethodHybrid,
			Rule:        rule.Source.Rule,
			Statistical: stat.Source.Statistical,
			Hybrid: &model.HybridSource{
				RuleConfidence:        rule.Confidence,
				StatisticalConfidence: stat.Confidence,
			},
		}
		out.RuleWon = true

	case !rule.Empty() && rule.Confidence >= threshold:
		out.Candidate = rule
		out.RuleWon = true

	case !stat.Empty():
		out.Candidate = *stat

	default:
		// Both empty, or only a weak rule value remains.
		out.Candidate = rule
		out.RuleWon = !rule.Empty()
	}

	if out.Candidate.Empty() {
		out.Candidate = model.NoMatch(model.FieldLocation{
			Page:  rule.Page,
			Label: rule.Label,
			Index: rule.LocationIndex,
		})
		out.RequiresValidation = field.Required
		return out
	}

	out.LowConfidence = out.Candidate.Confidence < threshold
	return out
}

// Statistical builds the candidate for a tagger prediction at a location.
func Statistical(value string, confidence float64, modelVersion string, loc model.FieldLocation) model.ExtractionCandidate {
	if value == "" {
		return model.NoMatch(loc)
	}
	return model.ExtractionCandidate{
		Value:      value,
		Confidence: model.Clamp01(confidence),
		Source: model.Source{
			Method:      model.MethodStatistical,
			Statistical: &model.StatisticalSource{Model: modelVersion},
		},
		LocationIndex: loc.Index,
		Page:          loc.Page,
		Label:         loc.Label,
	}
}
