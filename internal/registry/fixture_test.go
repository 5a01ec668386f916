package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/formextract/internal/model"
)

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const ktpYAML = `
id: ktp
name: Kartu Tanda Penduduk
fields:
  - field_name: nik
    field_type: id
    base_pattern: '/\d{16}/'
    is_required: true
    extraction_order: 1
    validation_rules:
      min_length: 16
      max_length: 16
    locations:
      - page: 1
        index: 0
        label: NIK
        bbox: {x0: 120, y0: 80, x1: 420, y1: 98}
  - field_name: nama
    field_type: name
    confidence_threshold: 0.8
    extraction_order: 2
    locations:
      - page: 1
        index: 0
        bbox: {x0: 120, y0: 100, x1: 420, y1: 118}
      - page: 2
        index: 1
        bbox: {x0: 60, y0: 700, x1: 300, y1: 716}
`

func TestLoadTemplates_YAMLSingle(t *testing.T) {
	path := writeFixture(t, "ktp.yaml", ktpYAML)

	got, err := LoadTemplates(path)
	require.NoError(t, err)
	require.Len(t, got, 1)

	tmpl := got[0]
	assert.Equal(t, "ktp", tmpl.ID)
	require.Len(t, tmpl.Fields, 2)
	assert.Equal(t, `\d{16}`, tmpl.Fields[0].BasePattern, "base pattern is sanitized")
	assert.True(t, tmpl.Fields[0].Required)
	assert.Equal(t, 16, tmpl.Fields[0].Validation.MaxLength)
	assert.InDelta(t, 420, tmpl.Fields[0].Locations[0].BBox.X1, 1e-9)
	assert.Len(t, tmpl.Fields[1].Locations, 2)
	assert.InDelta(t, 0.8, tmpl.Fields[1].ConfidenceThreshold, 1e-9)
}

func TestLoadTemplates_JSONList(t *testing.T) {
	path := writeFixture(t, "templates.json", `{"templates": [
		{"id": "a", "fields": [{"field_name": "x"}]},
		{"id": "b", "fields": [{"field_name": "y", "base_pattern": "\\d+"}]}
	]}`)

	got, err := LoadTemplates(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, `\d+`, got[1].Fields[0].BasePattern)
}

func TestLoadTemplates_Errors(t *testing.T) {
	_, err := LoadTemplates("/nonexistent/templates.yaml")
	assert.Error(t, err)

	_, err = LoadTemplates(writeFixture(t, "bad.json", "{not valid json"))
	assert.Error(t, err)

	_, err = LoadTemplates(writeFixture(t, "tmpl.toml", "id = 'x'"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported fixture extension")
}

func TestValidateTemplate(t *testing.T) {
	good := model.TemplateConfig{ID: "t", Fields: []model.FieldConfig{{Name: "a", BasePattern: `\d+`}}}
	require.NoError(t, ValidateTemplate(&good))

	bad := model.TemplateConfig{Fields: []model.FieldConfig{
		{Name: "a", BasePattern: `(unclosed`},
		{Name: "a", ConfidenceThreshold: 1.5},
		{Name: "b", Validation: model.ValidationRules{Pattern: `[`, MinLength: 5, MaxLength: 2}},
		{Name: "c", Locations: []model.FieldLocation{
			{Page: 0, Index: 0, BBox: model.BBox{X0: 1, Y0: 1, X1: 2, Y1: 2}},
			{Page: 1, Index: 0},
		}},
	}}
	err := ValidateTemplate(&bad)
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"id is required",
		"field a: base_pattern",
		"field a: duplicate field_name",
		"confidence_threshold 1.5 outside [0,1]",
		"field b: validation pattern",
		"min_length exceeds max_length",
		"page must be >= 1",
		"bbox has no area",
		"duplicate location index 0",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Equal(t, `(unclosed`, bad.Fields[0].BasePattern, "invalid pattern left as written")
}

func TestLoadPatterns(t *testing.T) {
	path := writeFixture(t, "patterns.yaml", `
- field_name: tanggal
  pattern: '/\d{2}-\d{2}-\d{4}/'
- field_name: nama
  pattern: 'Nama\s*:\s*(.+)'
  user_id: alice
`)
	got, err := LoadPatterns(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `\d{2}-\d{2}-\d{4}`, got[0].Regex)
	assert.Equal(t, model.PatternKindUser, got[1].Kind())

	_, err = LoadPatterns(writeFixture(t, "bad.yaml", "- pattern: x\n"))
	assert.Error(t, err)
	_, err = LoadPatterns(writeFixture(t, "unsafe.yaml", "- field_name: x\n  pattern: '(oops'\n"))
	assert.Error(t, err)
}

func TestLoadFeedback(t *testing.T) {
	path := writeFixture(t, "feedback.json", `[
		{"id": "f1", "field_config_id": "fc1", "original_value": "BUD1", "corrected_value": "BUDI",
		 "raw_text": "Nama: BUDI", "words_before": ["Nama"]}
	]`)
	got, err := LoadFeedback(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BUDI", got[0].CorrectedValue)
	assert.Equal(t, []string{"Nama"}, got[0].WordsBefore)
}
