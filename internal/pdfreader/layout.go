package pdfreader

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/sells-group/formextract/internal/locate"
	"github.com/sells-group/formextract/internal/model"
)

// word is a run of glyphs on one baseline, in PDF user space.
type word struct {
	S    string
	X0   float64
	X1   float64
	Y    float64
	Size float64
}

func (w word) centerX() float64 { return (w.X0 + w.X1) / 2 }

// groupWords turns positioned glyph runs into words in reading order:
// lines top to bottom, words left to right.
func groupWords(texts []pdf.Text) []word {
	runs := make([]pdf.Text, 0, len(texts))
	for _, t := range texts {
		if t.S != "" {
			runs = append(runs, t)
		}
	}
	if len(runs) == 0 {
		return nil
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Y > runs[j].Y })

	var lines [][]pdf.Text
	var cur []pdf.Text
	lineY := runs[0].Y
	for _, t := range runs {
		if len(cur) > 0 && math.Abs(t.Y-lineY) > lineTolerance(t.FontSize) {
			lines = append(lines, cur)
			cur = nil
			lineY = t.Y
		}
		cur = append(cur, t)
	}
	lines = append(lines, cur)

	var words []word
	for _, line := range lines {
		sort.SliceStable(line, func(i, j int) bool { return line[i].X < line[j].X })
		words = append(words, lineWords(line)...)
	}
	return words
}

func lineTolerance(size float64) float64 {
	return math.Max(size*0.5, 1)
}

func lineWords(line []pdf.Text) []word {
	var out []word
	var b strings.Builder
	var w word
	open := false

	flush := func() {
		if open && b.Len() > 0 {
			w.S = b.String()
			out = append(out, w)
		}
		b.Reset()
		open = false
	}

	for _, t := range line {
		gap := 0.0
		if open {
			gap = t.X - w.X1
		}
		if open && gap > math.Max(t.FontSize*0.25, 0.5) {
			flush()
		}
		for _, r := range t.S {
			if unicode.IsSpace(r) {
				flush()
				continue
			}
			if !open {
				w = word{X0: t.X, X1: t.X, Y: t.Y, Size: t.FontSize}
				open = true
			}
			b.WriteRune(r)
		}
		if open {
			w.X1 = math.Max(w.X1, t.X+t.W)
		}
	}
	flush()
	return out
}

// selectRegion collects words centred in bbox and their neighbours.
func selectRegion(words []word, bbox model.BBox, n int) locate.PageText {
	first, last := -1, -1
	var parts []string
	for i, w := range words {
		if !bbox.Contains(w.centerX(), w.Y) {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
		parts = append(parts, w.S)
	}
	if first < 0 {
		return locate.PageText{}
	}

	pt := locate.PageText{Text: strings.Join(parts, " ")}
	for i := max(0, first-n); i < first; i++ {
		pt.WordsBefore = append(pt.WordsBefore, words[i].S)
	}
	for i := last + 1; i < len(words) && i <= last+n; i++ {
		pt.WordsAfter = append(pt.WordsAfter, words[i].S)
	}
	return pt
}
