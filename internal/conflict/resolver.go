// Package conflict compares the per-location candidates of a field and
// decides whether their disagreement can be resolved automatically.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/textnorm"
)

// Config holds the severity bands and the similarity metric.
type Config struct {
	MinorThreshold    float64 `yaml:"minor_threshold" mapstructure:"minor_threshold"`
	ModerateThreshold float64 `yaml:"moderate_threshold" mapstructure:"moderate_threshold"`
	Metric            Metric  `yaml:"metric" mapstructure:"metric"`
}

// DefaultConfig returns the 0.8 / 0.5 bands with the hybrid metric.
func DefaultConfig() Config {
	return Config{MinorThreshold: 0.8, ModerateThreshold: 0.5, Metric: MetricHybrid}
}

// Resolver classifies and resolves multi-location conflicts.
type Resolver struct {
	cfg Config
}

// New creates a Resolver. Out-of-range thresholds fall back to defaults.
func New(cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.MinorThreshold <= 0 || cfg.MinorThreshold > 1 {
		cfg.MinorThreshold = def.MinorThreshold
	}
	if cfg.ModerateThreshold <= 0 || cfg.ModerateThreshold > cfg.MinorThreshold {
		cfg.ModerateThreshold = min(def.ModerateThreshold, cfg.MinorThreshold)
	}
	switch cfg.Metric {
	case MetricLevenshtein, MetricToken, MetricHybrid:
	default:
		cfg.Metric = def.Metric
	}
	return &Resolver{cfg: cfg}
}

// Classify maps a similarity score to a severity band.
func (r *Resolver) Classify(similarity float64) model.Severity {
	switch {
	case similarity >= r.cfg.MinorThreshold:
		return model.SeverityMinor
	case similarity >= r.cfg.ModerateThreshold:
		return model.SeverityModerate
	default:
		return model.SeverityMajor
	}
}

// distinct is one normalized value and its strongest candidate.
type distinct struct {
	norm string
	best model.ExtractionCandidate
}

// Resolve inspects every location's final candidate for one field. It
// returns nil when the field has at most one location. Otherwise the
// returned conflict carries every candidate, and Detected reports whether
// two or more distinct non-empty values were seen.
func (r *Resolver) Resolve(fieldName string, candidates []model.ExtractionCandidate) *model.FieldConflict {
	if len(candidates) <= 1 {
		return nil
	}

	fc := &model.FieldConflict{
		FieldName:  fieldName,
		Candidates: append([]model.ExtractionCandidate(nil), candidates...),
	}

	values := distinctValues(candidates)
	if len(values) <= 1 {
		fc.Severity = model.SeverityMinor
		fc.Similarity = 1
		fc.AutoResolved = true
		if len(values) == 1 {
			fc.ResolvedValue = values[0].best.Value
			fc.ResolvedConfidence = values[0].best.Confidence
		}
		return fc
	}

	fc.Detected = true
	fc.Similarity = r.minPairwise(values)
	fc.Severity = r.Classify(fc.Similarity)

	provisional := strongest(values)
	superset := supersetValue(values)

	switch {
	case superset != nil && fc.Severity != model.SeverityMajor:
		fc.AutoResolved = true
		fc.ResolvedValue = superset.best.Value
		fc.ResolvedConfidence = superset.best.Confidence
		fc.Suggestion = fmt.Sprintf("Picked %q as the most complete of %d values (similarity %.2f).",
			superset.best.Value, len(values), fc.Similarity)
	case fc.Severity == model.SeverityMinor:
		fc.AutoResolved = true
		fc.ResolvedValue = provisional.best.Value
		fc.ResolvedConfidence = provisional.best.Confidence
		fc.Suggestion = fmt.Sprintf("Values differ slightly (similarity %.2f); kept the highest-confidence value %q.",
			fc.Similarity, provisional.best.Value)
	default:
		fc.RequiresValidation = true
		fc.ResolvedValue = provisional.best.Value
		fc.ResolvedConfidence = provisional.best.Confidence
		fc.Suggestion = fmt.Sprintf("%s conflict across %d values (%s); please confirm. Best guess %q from page %d.",
			capitalize(string(fc.Severity)), len(values), quoteAll(values), provisional.best.Value, provisional.best.Page)
	}

	zap.L().Debug("conflict: detected",
		zap.String("field", fieldName),
		zap.String("severity", string(fc.Severity)),
		zap.Float64("similarity", fc.Similarity),
		zap.Bool("auto_resolved", fc.AutoResolved),
	)
	return fc
}

// distinctValues groups non-empty candidates by normalized value, keeping
// the highest-confidence candidate of each group, in first-seen order.
func distinctValues(candidates []model.ExtractionCandidate) []distinct {
	var out []distinct
	index := make(map[string]int)
	for _, c := range candidates {
		if c.Empty() {
			continue
		}
		n := textnorm.Normalize(c.Value)
		if n == "" {
			continue
		}
		if i, ok := index[n]; ok {
			if c.Confidence > out[i].best.Confidence {
				out[i].best = c
			}
			continue
		}
		index[n] = len(out)
		out = append(out, distinct{norm: n, best: c})
	}
	return out
}

func (r *Resolver) minPairwise(values []distinct) float64 {
	lowest := 1.0
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if s := Similarity(r.cfg.Metric, values[i].norm, values[j].norm); s < lowest {
				lowest = s
			}
		}
	}
	return lowest
}

// strongest returns the highest-confidence value, earliest location on ties.
func strongest(values []distinct) distinct {
	sorted := append([]distinct(nil), values...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].best.Confidence != sorted[j].best.Confidence {
			return sorted[i].best.Confidence > sorted[j].best.Confidence
		}
		return sorted[i].best.LocationIndex < sorted[j].best.LocationIndex
	})
	return sorted[0]
}

// supersetValue finds the value that strictly contains every other value,
// as a substring or as a token superset.
func supersetValue(values []distinct) *distinct {
	for i := range values {
		cand := values[i]
		candTokens := textnorm.TokenSet(cand.norm)
		ok := true
		for j := range values {
			if i == j {
				continue
			}
			if !strings.Contains(cand.norm, values[j].norm) && !tokenSuperset(candTokens, textnorm.TokenSet(values[j].norm)) {
				ok = false
				break
			}
		}
		if ok {
			return &values[i]
		}
	}
	return nil
}

func tokenSuperset(big, small map[string]struct{}) bool {
	if len(small) == 0 || len(big) <= len(small) {
		return false
	}
	for t := range small {
		if _, ok := big[t]; !ok {
			return false
		}
	}
	return true
}

func quoteAll(values []distinct) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%q", v.best.Value)
	}
	return strings.Join(parts, ", ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
