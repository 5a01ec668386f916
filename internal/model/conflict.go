package model

// Severity grades how far apart conflicting candidate values are.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
)

// FieldConflict describes disagreement between a field's locations.
// Candidates always holds every location's candidate, including losers.
type FieldConflict struct {
	FieldName          string                `json:"field_name"`
	Detected           bool                  `json:"detected"`
	Severity           Severity              `json:"severity"`
	Similarity         float64               `json:"similarity"`
	Candidates         []ExtractionCandidate `json:"candidates"`
	AutoResolved       bool                  `json:"auto_resolved"`
	RequiresValidation bool                  `json:"requires_validation"`
	ResolvedValue      string                `json:"resolved_value"`
	ResolvedConfidence float64               `json:"resolved_confidence"`
	Suggestion         string                `json:"suggestion,omitempty"`
}
