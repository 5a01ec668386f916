package model

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultConfidenceThreshold applies when a field config leaves its threshold unset.
const DefaultConfidenceThreshold = 0.7

// FieldType classifies the kind of value a field holds.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeDate     FieldType = "date"
	FieldTypeNumber   FieldType = "number"
	FieldTypeCurrency FieldType = "currency"
	FieldTypeID       FieldType = "id"
	FieldTypeName     FieldType = "name"
)

// BBox is a rectangular region on a page in PDF user-space points.
type BBox struct {
	X0 float64 `json:"x0" yaml:"x0"`
	Y0 float64 `json:"y0" yaml:"y0"`
	X1 float64 `json:"x1" yaml:"x1"`
	Y1 float64 `json:"y1" yaml:"y1"`
}

// Contains reports whether the point lies inside the box (edges inclusive).
func (b BBox) Contains(x, y float64) bool {
	return x >= b.X0 && x <= b.X1 && y >= b.Y0 && y <= b.Y1
}

// Valid reports whether the box has positive area.
func (b BBox) Valid() bool {
	return b.X1 > b.X0 && b.Y1 > b.Y0
}

// FieldLocation is one occurrence of a field on the template.
type FieldLocation struct {
	Page  int    `json:"page" yaml:"page"`
	BBox  BBox   `json:"bbox" yaml:"bbox"`
	Label string `json:"label,omitempty" yaml:"label"`
	Index int    `json:"index" yaml:"index"`
}

// ValidationRules constrains acceptable values for a field.
type ValidationRules struct {
	MinLength     int            `json:"min_length,omitempty" yaml:"min_length"`
	MaxLength     int            `json:"max_length,omitempty" yaml:"max_length"`
	Pattern       string         `json:"pattern,omitempty" yaml:"pattern"`
	AllowedValues []string       `json:"allowed_values,omitempty" yaml:"allowed_values"`
	patternRe     *regexp.Regexp // compiled by Compile
}

// Compile pre-compiles the validation pattern. An invalid pattern disables
// the pattern check and is returned so callers can log it.
func (v *ValidationRules) Compile() error {
	if v.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(v.Pattern)
	if err != nil {
		v.patternRe = nil
		return err
	}
	v.patternRe = re
	return nil
}

// Check returns the list of rule violations for value. An empty value is
// not checked; requiredness is enforced elsewhere.
func (v ValidationRules) Check(value string) []string {
	if value == "" {
		return nil
	}
	var problems []string
	n := len([]rune(value))
	if v.MinLength > 0 && n < v.MinLength {
		problems = append(problems, "shorter than min_length")
	}
	if v.MaxLength > 0 && n > v.MaxLength {
		problems = append(problems, "longer than max_length")
	}
	if v.patternRe != nil && !v.patternRe.MatchString(value) {
		problems = append(problems, "does not match validation pattern")
	}
	if len(v.AllowedValues) > 0 {
		ok := false
		for _, a := range v.AllowedValues {
			if strings.EqualFold(a, value) {
				ok = true
				break
			}
		}
		if !ok {
			problems = append(problems, "not in allowed_values")
		}
	}
	return problems
}

// FieldConfig describes one extractable field of a template version.
type FieldConfig struct {
	ID                  string          `json:"id" yaml:"id"`
	TemplateID          string          `json:"template_id" yaml:"template_id"`
	TemplateVersion     int             `json:"template_version" yaml:"template_version"`
	Name                string          `json:"field_name" yaml:"field_name"`
	Type                FieldType       `json:"field_type" yaml:"field_type"`
	BasePattern         string          `json:"base_pattern,omitempty" yaml:"base_pattern"`
	ConfidenceThreshold float64         `json:"confidence_threshold" yaml:"confidence_threshold"`
	Required            bool            `json:"is_required" yaml:"is_required"`
	ExtractionOrder     int             `json:"extraction_order" yaml:"extraction_order"`
	Validation          ValidationRules `json:"validation_rules" yaml:"validation_rules"`
	Locations           []FieldLocation `json:"locations" yaml:"locations"`
}

// Threshold returns the configured confidence threshold or the default.
func (f FieldConfig) Threshold() float64 {
	if f.ConfidenceThreshold <= 0 || f.ConfidenceThreshold > 1 {
		return DefaultConfidenceThreshold
	}
	return f.ConfidenceThreshold
}

// TemplateConfig is a versioned form template.
type TemplateConfig struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Version   int           `json:"version" yaml:"version"`
	Published bool          `json:"published" yaml:"published"`
	Fields    []FieldConfig `json:"fields" yaml:"fields"`
}

// Field returns the field config with the given name, or nil.
func (t *TemplateConfig) Field(name string) *FieldConfig {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// OrderedFields returns the fields sorted by extraction order, then name.
func (t *TemplateConfig) OrderedFields() []FieldConfig {
	out := make([]FieldConfig, len(t.Fields))
	copy(out, t.Fields)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExtractionOrder != out[j].ExtractionOrder {
			return out[i].ExtractionOrder < out[j].ExtractionOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}
