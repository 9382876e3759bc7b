// Package tokenize breaks document and query text into terms for the term
// index, adapted in structure from the teacher repository's
// internal/indexer/tokenizer package (FieldsFunc word-splitting, Token with
// a Position) but deliberately without its stemming or stop-word removal:
// the engine promises exact and prefix term matches against the literal
// token text (see the none-normalizer behavior in the reference Icing
// implementation), and a suffix-stripping stemmer would silently break
// that guarantee by rewriting "message" to something a verbatim-match
// query never asked for.
package tokenize

import (
	"strings"
	"unicode"
)

// Token is a single normalized term and the byte offset it started at in
// the source text.
type Token struct {
	Term   string
	Offset int
}

// Tokenize splits text into lowercased Tokens on any rune that is neither
// a letter nor a digit -- this treats hyphens, punctuation, and whitespace
// alike as separators, so "bar-baz" yields the two tokens "bar" and "baz".
// Each token longer than maxTokenLength bytes is truncated to exactly
// maxTokenLength bytes; a maxTokenLength of 0 disables truncation. The same
// truncation is applied on the query path so a query term and an indexed
// term that agree up to the limit still compare equal.
func Tokenize(text string, maxTokenLength int) []Token {
	text = strings.ToLower(text)
	tokens := make([]Token, 0, len(text)/6)

	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		term := text[start:end]
		term = truncate(term, maxTokenLength)
		if term != "" {
			tokens = append(tokens, Token{Term: term, Offset: start})
		}
		start = -1
	}

	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))

	return tokens
}

// TruncateQueryTerm applies the same length limit Tokenize uses, so a
// query parser can normalize a raw term before looking it up in the term
// index.
func TruncateQueryTerm(term string, maxTokenLength int) string {
	return truncate(strings.ToLower(term), maxTokenLength)
}

func truncate(term string, maxTokenLength int) string {
	if maxTokenLength <= 0 || len(term) <= maxTokenLength {
		return term
	}
	return term[:maxTokenLength]
}
