package model

import "time"

// FeedbackRecord is a human correction of an extracted value. Records are
// immutable apart from UsedForTraining.
type FeedbackRecord struct {
	ID              string    `json:"id" yaml:"id"`
	DocumentID      string    `json:"document_id" yaml:"document_id"`
	TemplateID      string    `json:"template_id" yaml:"template_id"`
	FieldConfigID   string    `json:"field_config_id" yaml:"field_config_id"`
	FieldName       string    `json:"field_name" yaml:"field_name"`
	OriginalValue   string    `json:"original_value" yaml:"original_value"`
	CorrectedValue  string    `json:"corrected_value" yaml:"corrected_value"`
	Confidence      float64   `json:"confidence" yaml:"confidence"`
	RawText         string    `json:"raw_text,omitempty" yaml:"raw_text"`
	WordsBefore     []string  `json:"words_before,omitempty" yaml:"words_before"`
	WordsAfter      []string  `json:"words_after,omitempty" yaml:"words_after"`
	UsedForTraining bool      `json:"used_for_training" yaml:"used_for_training"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
}

// IsCorrection reports whether the reviewer changed the value.
func (f FeedbackRecord) IsCorrection() bool {
	return f.CorrectedValue != "" && f.CorrectedValue != f.OriginalValue
}
