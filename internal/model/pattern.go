package model

import (
	"sort"
	"time"
)

// PatternKind identifies which library a pattern came from.
type PatternKind string

const (
	PatternKindBase    PatternKind = "base"
	PatternKindLearned PatternKind = "learned"
	PatternKindUser    PatternKind = "user"
	PatternKindGlobal  PatternKind = "global"
)

// LearnedPatternType is the mining strategy that produced a learned pattern.
type LearnedPatternType string

const (
	LearnedExact       LearnedPatternType = "exact"
	LearnedGeneralized LearnedPatternType = "generalized"
	LearnedContext     LearnedPatternType = "context"
)

// MinTrackedUsage is the usage count after which a learned pattern's
// confidence comes from its observed success ratio instead of its
// evaluation-time match rate.
const MinTrackedUsage = 5

// Pattern is a global (Owner empty) or user-scoped regex for a field name.
type Pattern struct {
	ID         string    `json:"id" yaml:"id"`
	FieldName  string    `json:"field_name" yaml:"field_name"`
	Regex      string    `json:"pattern" yaml:"pattern"`
	Owner      string    `json:"user_id,omitempty" yaml:"user_id"`
	UsageCount int64     `json:"usage_count" yaml:"usage_count"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// Kind returns PatternKindUser for owned patterns, PatternKindGlobal otherwise.
func (p Pattern) Kind() PatternKind {
	if p.Owner != "" {
		return PatternKindUser
	}
	return PatternKindGlobal
}

// LearnedPattern is a regex mined from feedback for one field config.
type LearnedPattern struct {
	ID              string             `json:"id"`
	FieldConfigID   string             `json:"field_config_id"`
	Regex           string             `json:"pattern"`
	Type            LearnedPatternType `json:"pattern_type"`
	Frequency       int                `json:"frequency"`
	MatchRate       float64            `json:"match_rate"`
	ConfidenceBoost float64            `json:"confidence_boost"`
	Priority        int                `json:"priority"`
	UsageCount      int64              `json:"usage_count"`
	SuccessCount    int64              `json:"success_count"`
	Active          bool               `json:"is_active"`
	Examples        []string           `json:"examples,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// ObservedRate returns the success ratio once enough usage has been
// recorded, otherwise the evaluation match rate. ok is false when neither is known.
func (l LearnedPattern) ObservedRate() (rate float64, ok bool) {
	if l.UsageCount >= MinTrackedUsage {
		return float64(l.SuccessCount) / float64(l.UsageCount), true
	}
	if l.MatchRate > 0 {
		return l.MatchRate, true
	}
	return 0, false
}

// SortLearned orders patterns by priority desc, match rate desc, usage desc.
// The sort is stable so equal patterns keep their stored order.
func SortLearned(patterns []LearnedPattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		a, b := patterns[i], patterns[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.MatchRate != b.MatchRate {
			return a.MatchRate > b.MatchRate
		}
		return a.UsageCount > b.UsageCount
	})
}

// PatternRef identifies a stored pattern for counter updates.
type PatternRef struct {
	Kind PatternKind `json:"kind"`
	ID   string      `json:"id,omitempty"`
}

// Stored reports whether the reference points at a persisted row.
func (r PatternRef) Stored() bool {
	return r.ID != "" && r.Kind != PatternKindBase
}
