package tagger

import (
	"strings"

	"github.com/sells-group/formextract/pkg/seqtag"
)

// DecodeBIO joins the best B-/I- span of a tagged token sequence and returns
// it with the span's mean token score. The best span has the highest mean
// score; earlier spans win ties. An I- token with no open span starts one.
func DecodeBIO(tokens []seqtag.TaggedToken) (string, float64) {
	var (
		bestText  string
		bestScore float64
		cur       []string
		curSum    float64
	)

	flush := func() {
		if len(cur) == 0 {
			return
		}
		mean := curSum / float64(len(cur))
		if bestText == "" || mean > bestScore {
			bestText = strings.Join(cur, " ")
			bestScore = mean
		}
		cur = cur[:0]
		curSum = 0
	}

	for _, tok := range tokens {
		label := strings.ToUpper(tok.Label)
		switch {
		case strings.HasPrefix(label, "B"):
			flush()
			cur = append(cur, tok.Token)
			curSum += tok.Score
		case strings.HasPrefix(label, "I"):
			cur = append(cur, tok.Token)
			curSum += tok.Score
		default:
			flush()
		}
	}
	flush()

	return strings.TrimSpace(bestText), bestScore
}
