// Package registry loads template, pattern and feedback fixtures from YAML
// or JSON files and validates templates before they are stored.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/formextract/internal/matcher"
	"github.com/sells-group/formextract/internal/model"
)

// templateFile is the on-disk shape: either a single template or a list
// under "templates".
type templateFile struct {
	Templates []model.TemplateConfig `json:"templates" yaml:"templates"`
}

// LoadTemplates reads one or more templates from path and validates each.
// The decoder is chosen by extension: .yaml/.yml or .json.
func LoadTemplates(path string) ([]model.TemplateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read templates fixture")
	}

	var file templateFile
	if err := decode(path, data, &file); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal templates fixture")
	}
	if len(file.Templates) == 0 {
		var single model.TemplateConfig
		if err := decode(path, data, &single); err != nil {
			return nil, eris.Wrap(err, "registry: unmarshal template fixture")
		}
		file.Templates = []model.TemplateConfig{single}
	}

	for i := range file.Templates {
		if err := ValidateTemplate(&file.Templates[i]); err != nil {
			return nil, eris.Wrapf(err, "registry: template %d in %s", i, filepath.Base(path))
		}
	}
	return file.Templates, nil
}

// LoadPatterns reads a list of global or user patterns.
func LoadPatterns(path string) ([]model.Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read patterns fixture")
	}
	var patterns []model.Pattern
	if err := decode(path, data, &patterns); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal patterns fixture")
	}
	for i := range patterns {
		p := &patterns[i]
		if p.FieldName == "" {
			return nil, eris.Errorf("registry: pattern %d has no field_name", i)
		}
		if _, err := matcher.Compile(p.Regex); err != nil {
			return nil, eris.Wrapf(err, "registry: pattern %d for %s", i, p.FieldName)
		}
		p.Regex = matcher.Sanitize(p.Regex)
	}
	return patterns, nil
}

// LoadFeedback reads a list of historical feedback records.
func LoadFeedback(path string) ([]model.FeedbackRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read feedback fixture")
	}
	var recs []model.FeedbackRecord
	if err := decode(path, data, &recs); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal feedback fixture")
	}
	return recs, nil
}

// ValidateTemplate checks a template before it is saved and normalizes
// base patterns to their sanitized form. Every problem is reported.
func ValidateTemplate(tmpl *model.TemplateConfig) error {
	var errs []error
	if strings.TrimSpace(tmpl.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if len(tmpl.Fields) == 0 {
		errs = append(errs, errors.New("at least one field is required"))
	}

	seen := make(map[string]bool, len(tmpl.Fields))
	for i := range tmpl.Fields {
		f := &tmpl.Fields[i]
		name := f.Name
		if name == "" {
			errs = append(errs, fmt.Errorf("field %d: field_name is required", i))
			name = fmt.Sprintf("#%d", i)
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("field %s: duplicate field_name", name))
		}
		seen[name] = true

		if f.BasePattern != "" {
			if _, err := matcher.Compile(f.BasePattern); err != nil {
				errs = append(errs, fmt.Errorf("field %s: base_pattern: %w", name, err))
			} else {
				f.BasePattern = matcher.Sanitize(f.BasePattern)
			}
		}
		if err := f.Validation.Compile(); err != nil {
			errs = append(errs, fmt.Errorf("field %s: validation pattern: %w", name, err))
		}
		if f.ConfidenceThreshold < 0 || f.ConfidenceThreshold > 1 {
			errs = append(errs, fmt.Errorf("field %s: confidence_threshold %v outside [0,1]", name, f.ConfidenceThreshold))
		}
		if f.Validation.MaxLength > 0 && f.Validation.MinLength > f.Validation.MaxLength {
			errs = append(errs, fmt.Errorf("field %s: min_length exceeds max_length", name))
		}

		indexes := make(map[int]bool, len(f.Locations))
		for _, loc := range f.Locations {
			if loc.Page < 1 {
				errs = append(errs, fmt.Errorf("field %s location %d: page must be >= 1", name, loc.Index))
			}
			if !loc.BBox.Valid() {
				errs = append(errs, fmt.Errorf("field %s location %d: bbox has no area", name, loc.Index))
			}
			if indexes[loc.Index] {
				errs = append(errs, fmt.Errorf("field %s: duplicate location index %d", name, loc.Index))
			}
			indexes[loc.Index] = true
		}
	}
	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "registry: invalid template")
	}
	return nil
}

func decode(path string, data []byte, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		return dec.Decode(out)
	default:
		return eris.Errorf("unsupported fixture extension %q", filepath.Ext(path))
	}
}
