package queryparser_test

import (
	"testing"

	"github.com/kestrel-db/kestrel/internal/queryparser"
	"github.com/stretchr/testify/assert"
)

func TestParseEmptyQueryReturnsEmptyPlan(t *testing.T) {
	plan := queryparser.Parse("   ", 64)
	assert.Empty(t, plan.Include)
	assert.Empty(t, plan.Exclude)
}

func TestParseImplicitAndPlanIncludesEachTerm(t *testing.T) {
	plan := queryparser.Parse("hello world", 64)
	assert.Equal(t, queryparser.And, plan.Conjunction)
	assert.Equal(t, []queryparser.Clause{{Term: "hello"}, {Term: "world"}}, plan.Include)
}

func TestParsePropertyRestriction(t *testing.T) {
	plan := queryparser.Parse("subject:hello", 64)
	assert.Equal(t, []queryparser.Clause{{Property: "subject", Term: "hello"}}, plan.Include)
}

func TestParseHyphenatedTermSplitsIntoTwoClauses(t *testing.T) {
	plan := queryparser.Parse("bar-baz", 64)
	assert.Equal(t, []queryparser.Clause{{Term: "bar"}, {Term: "baz"}}, plan.Include)
}

func TestParseOrKeywordSwitchesConjunction(t *testing.T) {
	plan := queryparser.Parse("hello OR world", 64)
	assert.Equal(t, queryparser.Or, plan.Conjunction)
	assert.Equal(t, []queryparser.Clause{{Term: "hello"}, {Term: "world"}}, plan.Include)
}

func TestParseNotKeywordExcludesNextTerm(t *testing.T) {
	plan := queryparser.Parse("hello NOT spam", 64)
	assert.Equal(t, []queryparser.Clause{{Term: "hello"}}, plan.Include)
	assert.Equal(t, []queryparser.Clause{{Term: "spam"}}, plan.Exclude)
}

func TestParseTruncatesLongTerms(t *testing.T) {
	plan := queryparser.Parse("abcdefgh", 4)
	assert.Equal(t, []queryparser.Clause{{Term: "abcd"}}, plan.Include)
}

func TestParseColonAtWordStartIsNotAPropertyRestriction(t *testing.T) {
	plan := queryparser.Parse(":hello", 64)
	assert.Equal(t, []queryparser.Clause{{Term: "hello"}}, plan.Include)
}
