package pdfreader

import (
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/formextract/internal/model"
)

// glyphs lays out s one character per run, 5pt wide, starting at x.
func glyphs(s string, x, y float64) []pdf.Text {
	var out []pdf.Text
	for _, r := range s {
		out = append(out, pdf.Text{S: string(r), X: x, Y: y, W: 5, FontSize: 10})
		x += 5
	}
	return out
}

func page() []pdf.Text {
	var texts []pdf.Text
	texts = append(texts, glyphs("Tanggal: 15/01/2024", 50, 700)...)
	texts = append(texts, glyphs("Nama: Budi Santoso", 50, 680)...)
	return texts
}

func TestGroupWords_ReadingOrder(t *testing.T) {
	words := groupWords(page())

	var got []string
	for _, w := range words {
		got = append(got, w.S)
	}
	assert.Equal(t, []string{"Tanggal:", "15/01/2024", "Nama:", "Budi", "Santoso"}, got)
}

func TestGroupWords_GapSplitsWords(t *testing.T) {
	texts := []pdf.Text{
		{S: "NIK", X: 10, Y: 100, W: 15, FontSize: 10},
		{S: "3171", X: 40, Y: 100.3, W: 20, FontSize: 10},
	}
	words := groupWords(texts)
	require.Len(t, words, 2)
	assert.Equal(t, "NIK", words[0].S)
	assert.Equal(t, "3171", words[1].S)
}

func TestSelectRegion(t *testing.T) {
	words := groupWords(page())

	// "15/01/2024" spans x 95..145 on y=700.
	pt := selectRegion(words, model.BBox{X0: 90, Y0: 695, X1: 200, Y1: 705}, 2)
	assert.Equal(t, "15/01/2024", pt.Text)
	assert.Equal(t, []string{"Tanggal:"}, pt.WordsBefore)
	assert.Equal(t, []string{"Nama:", "Budi"}, pt.WordsAfter)

	pt = selectRegion(words, model.BBox{X0: 75, Y0: 675, X1: 300, Y1: 685}, 1)
	assert.Equal(t, "Budi Santoso", pt.Text)
	assert.Equal(t, []string{"Nama:"}, pt.WordsBefore)
	assert.Empty(t, pt.WordsAfter)
}

func TestSelectRegion_Empty(t *testing.T) {
	pt := selectRegion(groupWords(page()), model.BBox{X0: 0, Y0: 0, X1: 10, Y1: 10}, 3)
	assert.Equal(t, "", pt.Text)
	assert.Nil(t, pt.WordsBefore)
}
