package learner

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/sells-group/formextract/internal/matcher"
	"github.com/sells-group/formextract/internal/model"
)

// Candidate is a mined pattern before evaluation.
type Candidate struct {
	Regex string
	Type  model.LearnedPatternType
}

// maxAnchorWords bounds how many preceding words anchor a context pattern.
const maxAnchorWords = 2

// Mine generalizes a corrected value into candidate patterns, in escalating
// order: literal, character-class generalization, then context-anchored.
func Mine(rec model.FeedbackRecord) []Candidate {
	value := strings.TrimSpace(rec.CorrectedValue)
	if value == "" {
		return nil
	}

	exact := regexp.QuoteMeta(value)
	out := []Candidate{{Regex: exact, Type: model.LearnedExact}}

	general := Generalize(value)
	if general != exact {
		out = append(out, Candidate{Regex: general, Type: model.LearnedGeneralized})
	}

	if ctx := contextPattern(general, rec.WordsBefore, rec.WordsAfter); ctx != "" {
		out = append(out, Candidate{Regex: ctx, Type: model.LearnedContext})
	}
	return out
}

type runeClass int

const (
	classOther runeClass = iota
	classDigit
	classASCIILetter
	classLetter
	classSpace
)

func classify(r rune) runeClass {
	switch {
	case r >= '0' && r <= '9':
		return classDigit
	case r < unicode.MaxASCII && unicode.IsLetter(r):
		return classASCIILetter
	case unicode.IsLetter(r):
		return classLetter
	case unicode.IsSpace(r):
		return classSpace
	default:
		return classOther
	}
}

// Generalize replaces digit runs with \d{n}, letter runs with a letter class
// and whitespace runs with \s+. Punctuation is kept literally.
func Generalize(value string) string {
	runes := []rune(value)
	var b strings.Builder
	for i := 0; i < len(runes); {
		class := classify(runes[i])
		j := i + 1
		for j < len(runes) && class != classOther && classify(runes[j]) == class {
			j++
		}
		switch class {
		case classDigit:
			if n := j - i; n == 1 {
				b.WriteString(`\d`)
			} else {
				b.WriteString(`\d{` + strconv.Itoa(n) + `}`)
			}
		case classASCIILetter:
			b.WriteString(`[A-Za-z]+`)
		case classLetter:
			b.WriteString(`\p{L}+`)
		case classSpace:
			b.WriteString(`\s+`)
		default:
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		}
		i = j
	}
	return b.String()
}

func contextPattern(general string, before, after []string) string {
	anchors := anchorWords(before)
	if len(anchors) == 0 {
		return ""
	}
	quoted := make([]string, len(anchors))
	for i, w := range anchors {
		quoted[i] = regexp.QuoteMeta(w)
	}
	p := `(?i)` + strings.Join(quoted, `\s+`) + `\s*[:\-]?\s*(` + general + `)`
	if next := anchorWords(after); len(next) > 0 {
		p += `\s*` + regexp.QuoteMeta(next[0])
	}
	return p
}

// anchorWords keeps the trailing label words, trimmed of separator
// punctuation. Pure punctuation tokens are dropped.
func anchorWords(words []string) []string {
	var out []string
	for _, w := range words {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if w != "" {
			out = append(out, w)
		}
	}
	if len(out) > maxAnchorWords {
		out = out[len(out)-maxAnchorWords:]
	}
	return out
}

var quantifierRe = regexp.MustCompile(`\{\d+(,\d*)?\}`)

// shape is the near-duplicate key: the sanitized regex without inline
// flags, with counted quantifiers collapsed to +, lower-cased.
func shape(regex string) string {
	s := matcher.Sanitize(regex)
	for _, flag := range []string{"(?i)", "(?m)", "(?s)", "(?ms)", "(?im)", "(?is)", "(?ims)"} {
		s = strings.TrimPrefix(s, flag)
	}
	s = quantifierRe.ReplaceAllString(s, "+")
	return strings.ToLower(s)
}
