package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortLearned(t *testing.T) {
	t.Parallel()

	patterns := []LearnedPattern{
		{ID: "low-priority", Priority: 10, MatchRate: 0.99, UsageCount: 100},
		{ID: "tie-a", Priority: 50, MatchRate: 0.8, UsageCount: 3},
		{ID: "tie-b", Priority: 50, MatchRate: 0.8, UsageCount: 3},
		{ID: "more-used", Priority: 50, MatchRate: 0.8, UsageCount: 9},
		{ID: "better-rate", Priority: 50, MatchRate: 0.9, UsageCount: 0},
	}

	SortLearned(patterns)

	var ids []string
	for _, p := range patterns {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"better-rate", "more-used", "tie-a", "tie-b", "low-priority"}, ids)
}

func TestLearnedPattern_ObservedRate(t *testing.T) {
	t.Parallel()

	_, ok := LearnedPattern{}.ObservedRate()
	assert.False(t, ok)

	rate, ok := LearnedPattern{MatchRate: 0.6, UsageCount: 2, SuccessCount: 0}.ObservedRate()
	assert.True(t, ok)
	assert.InDelta(t, 0.6, rate, 1e-9)

	rate, ok = LearnedPattern{MatchRate: 0.6, UsageCount: 10, SuccessCount: 9}.ObservedRate()
	assert.True(t, ok)
	assert.InDelta(t, 0.9, rate, 1e-9)
}

func TestPatternKindAndRef(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PatternKindGlobal, Pattern{}.Kind())
	assert.Equal(t, PatternKindUser, Pattern{Owner: "u1"}.Kind())
	assert.False(t, PatternRef{Kind: PatternKindBase}.Stored())
	assert.True(t, PatternRef{Kind: PatternKindLearned, ID: "x"}.Stored())
}

func TestJobKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "t1/*", PatternLearningJob{TemplateID: "t1"}.Key())
	assert.Equal(t, "t1/nik", PatternLearningJob{TemplateID: "t1", FieldName: "nik"}.Key())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobRunning.Terminal())
}
