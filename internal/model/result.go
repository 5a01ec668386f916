package model

import "sort"

// FieldContext is the raw text and neighbouring words a value came from.
// It is kept with the result so a later correction can be learned from.
type FieldContext struct {
	FieldConfigID string   `json:"field_config_id"`
	LocationIndex int      `json:"location_index"`
	RawText       string   `json:"raw_text"`
	WordsBefore   []string `json:"words_before,omitempty"`
	WordsAfter    []string `json:"words_after,omitempty"`
}

// ExtractionResult is the per-document output payload.
//
// RequiresValidation lists fields flagged by any check: an unresolved
// conflict, a final confidence below the field threshold, an empty required
// value or a validation rule violation. The checks are independent, so an
// auto-resolved conflict whose winner is below threshold is still flagged.
type ExtractionResult struct {
	DocumentID         string                    `json:"document_id,omitempty"`
	TemplateID         string                    `json:"template_id"`
	TemplateVersion    int                       `json:"template_version"`
	ExtractedData      map[string]string         `json:"extracted_data"`
	ConfidenceScores   map[string]float64        `json:"confidence_scores"`
	ExtractionMethods  map[string]Method         `json:"extraction_methods"`
	Conflicts          map[string]*FieldConflict `json:"conflicts"`
	RequiresValidation []string                  `json:"requires_validation,omitempty"`
	FieldContexts      map[string]FieldContext   `json:"field_context,omitempty"`
	Warnings           []string                  `json:"warnings,omitempty"`
}

// NewExtractionResult returns a result with all maps allocated.
func NewExtractionResult(documentID string, tmpl *TemplateConfig) *ExtractionResult {
	return &ExtractionResult{
		DocumentID:        documentID,
		TemplateID:        tmpl.ID,
		TemplateVersion:   tmpl.Version,
		ExtractedData:     make(map[string]string, len(tmpl.Fields)),
		ConfidenceScores:  make(map[string]float64, len(tmpl.Fields)),
		ExtractionMethods: make(map[string]Method, len(tmpl.Fields)),
		Conflicts:         make(map[string]*FieldConflict),
		FieldContexts:     make(map[string]FieldContext, len(tmpl.Fields)),
	}
}

// Finalize sorts list fields so output is deterministic.
func (r *ExtractionResult) Finalize() {
	sort.Strings(r.RequiresValidation)
	sort.Strings(r.Warnings)
}
