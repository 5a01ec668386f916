package model

// Method records how a value was produced.
type Method string

const (
	MethodRule        Method = "rule"
	MethodLearned     Method = "learned"
	MethodStatistical Method = "statistical"
	MethodHybrid      Method = "hybrid"
	MethodNone        Method = "none"
)

// RuleSource carries metadata for pattern-produced values.
type RuleSource struct {
	Ref   PatternRef `json:"ref"`
	Regex string     `json:"pattern"`
}

// StatisticalSource carries metadata for tagger-produced values.
type StatisticalSource struct {
	Model string `json:"model,omitempty"`
}

// HybridSource records the inputs of an agreement between both extractors.
type HybridSource struct {
	RuleConfidence        float64 `json:"rule_confidence"`
	StatisticalConfidence float64 `json:"statistical_confidence"`
}

// Source is a tagged variant: Method selects which detail pointer is set.
type Source struct {
	Method      Method             `json:"method"`
	Rule        *RuleSource        `json:"rule,omitempty"`
	Statistical *StatisticalSource `json:"statistical,omitempty"`
	Hybrid      *HybridSource      `json:"hybrid,omitempty"`
}

// ExtractionCandidate is one proposed value for a field.
type ExtractionCandidate struct {
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
	Source        Source  `json:"source"`
	LocationIndex int     `json:"location_index"`
	Page          int     `json:"page,omitempty"`
	Label         string  `json:"label,omitempty"`
}

// Method returns the candidate's source method.
func (c ExtractionCandidate) Method() Method {
	if c.Source.Method == "" {
		return MethodNone
	}
	return c.Source.Method
}

// Empty reports whether the candidate carries no value.
func (c ExtractionCandidate) Empty() bool {
	return c.Value == ""
}

// NoMatch returns an empty candidate with method none.
func NoMatch(loc FieldLocation) ExtractionCandidate {
	return ExtractionCandidate{
		Source:        Source{Method: MethodNone},
		LocationIndex: loc.Index,
		Page:          loc.Page,
		Label:         loc.Label,
	}
}

// Clamp01 limits v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
