package tokenize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeSplitsOnHyphen(t *testing.T) {
	tokens := Tokenize("bar-baz qux", 0)
	terms := termsOf(tokens)
	assert.Equal(t, []string{"bar", "baz", "qux"}, terms)
}

func TestTokenizeLowercases(t *testing.T) {
	tokens := Tokenize("Hello WORLD", 0)
	assert.Equal(t, []string{"hello", "world"}, termsOf(tokens))
}

func TestTokenizeNoStemmingOrStopwords(t *testing.T) {
	tokens := Tokenize("the message is running", 0)
	assert.Equal(t, []string{"the", "message", "is", "running"}, termsOf(tokens))
}

func TestTokenizeTruncatesLongTerms(t *testing.T) {
	tokens := Tokenize("supercalifragilisticexpialidocious", 10)
	assert.Equal(t, []string{"supercalif"}, termsOf(tokens))
}

func TestTokenizeAndQueryTruncationAgree(t *testing.T) {
	indexed := Tokenize("supercalifragilisticexpialidocious", 10)
	query := TruncateQueryTerm("SUPERCALIFRAGILISTICEXPIALIDOCIOUS", 10)
	assert.Equal(t, indexed[0].Term, query)
}

func TestTokenizeEmptyInput(t *testing.T) {
	assert.Empty(t, Tokenize("", 0))
	assert.Empty(t, Tokenize("   ---   ", 0))
}

func termsOf(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Term
	}
	return out
}
