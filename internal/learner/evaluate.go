package learner

import (
	"regexp"
	"strings"

	"github.com/sells-group/formextract/internal/matcher"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/textnorm"
)

// Evaluation is a pattern's performance over a feedback sample.
type Evaluation struct {
	Evaluated int
	Matched   int
}

// Rate is Matched/Evaluated, or 0 for an empty sample.
func (e Evaluation) Rate() float64 {
	if e.Evaluated == 0 {
		return 0
	}
	return float64(e.Matched) / float64(e.Evaluated)
}

// subject picks the text a pattern is applied to for one record.
func subject(rec model.FeedbackRecord, ptype model.LearnedPatternType) string {
	raw := rec.RawText
	if raw == "" {
		raw = rec.CorrectedValue
	}
	if ptype != model.LearnedContext {
		return raw
	}
	parts := make([]string, 0, len(rec.WordsBefore)+len(rec.WordsAfter)+1)
	parts = append(parts, rec.WordsBefore...)
	parts = append(parts, raw)
	parts = append(parts, rec.WordsAfter...)
	return strings.Join(parts, " ")
}

// Evaluate applies re to every record with a corrected value and counts the
// records where the capture equals that value after normalization.
func Evaluate(re *regexp.Regexp, ptype model.LearnedPatternType, records []model.FeedbackRecord) Evaluation {
	var ev Evaluation
	for _, rec := range records {
		if strings.TrimSpace(rec.CorrectedValue) == "" {
			continue
		}
		ev.Evaluated++
		got := strings.TrimSpace(matcher.Capture(re, subject(rec, ptype)))
		if got != "" && textnorm.Equal(got, rec.CorrectedValue) {
			ev.Matched++
		}
	}
	return ev
}
