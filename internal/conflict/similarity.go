package conflict

import (
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"github.com/sells-group/formextract/internal/textnorm"
)

// Metric selects the string similarity function.
type Metric string

const (
	// MetricLevenshtein is 1 - editDistance/maxRuneLength.
	MetricLevenshtein Metric = "levenshtein"
	// MetricToken is the Jaccard ratio of the two token sets.
	MetricToken Metric = "token"
	// MetricHybrid takes the larger of the two.
	MetricHybrid Metric = "hybrid"
)

// Similarity scores a and b in [0, 1] after normalization. Two empty strings
// are identical.
func Similarity(metric Metric, a, b string) float64 {
	a, b = textnorm.Normalize(a), textnorm.Normalize(b)
	if a == b {
		return 1
	}
	switch metric {
	case MetricLevenshtein:
		return editRatio(a, b)
	case MetricToken:
		return tokenRatio(a, b)
	default:
		return max(editRatio(a, b), tokenRatio(a, b))
	}
}

func editRatio(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	d := levenshtein.Distance(a, b, nil)
	return 1 - float64(d)/float64(longest)
}

func tokenRatio(a, b string) float64 {
	sa, sb := textnorm.TokenSet(a), textnorm.TokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}
