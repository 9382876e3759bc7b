// Package queryparser turns a SearchSpec's query string into a term
// plan the engine can evaluate against the term index, grounded on the
// teacher repository's internal/searcher/parser.Parse (whitespace
// splitting, AND/OR/NOT keyword recognition, per-word tokenization).
// Generalized with the spec's "prop:term" section-restriction syntax,
// which the teacher's flat query language does not have.
package queryparser

import (
	"strings"

	"github.com/kestrel-db/kestrel/internal/tokenize"
)

// Conjunction names how Terms combine. The spec's default grammar is
// implicit AND; an "OR" or "AND" keyword sets the conjunction for the
// whole plan, so the last such keyword in the query decides how every
// included clause combines.
type Conjunction int

const (
	And Conjunction = iota
	Or
)

// Clause is one parsed query term, optionally restricted to a named
// property via "prop:term" syntax.
type Clause struct {
	Property string // empty means unrestricted: match the term in any indexed section
	Term     string
}

// Plan is the parsed form of a SearchSpec.Query.
type Plan struct {
	Conjunction Conjunction
	Include     []Clause
	Exclude     []Clause
	RawQuery    string
}

// Parse tokenizes and parses query into a Plan. maxTokenLength bounds
// each parsed term the same way it bounds indexed terms, so a query
// term and its indexed counterpart truncate identically.
func Parse(query string, maxTokenLength int) Plan {
	plan := Plan{RawQuery: query, Conjunction: And}
	if strings.TrimSpace(query) == "" {
		return plan
	}

	excludeNext := false
	for _, word := range strings.Fields(query) {
		switch strings.ToUpper(word) {
		case "AND":
			plan.Conjunction = And
			continue
		case "OR":
			plan.Conjunction = Or
			continue
		case "NOT":
			excludeNext = true
			continue
		}

		property, rawTerm := splitPropertyRestriction(word)
		tokens := tokenize.Tokenize(rawTerm, maxTokenLength)
		if len(tokens) == 0 {
			continue
		}
		for _, tok := range tokens {
			clause := Clause{Property: property, Term: tok.Term}
			if excludeNext {
				plan.Exclude = append(plan.Exclude, clause)
			} else {
				plan.Include = append(plan.Include, clause)
			}
		}
		excludeNext = false
	}
	return plan
}

// splitPropertyRestriction splits "prop:term" into ("prop", "term"). A
// word with no colon, or a colon in position 0, is treated as having no
// property restriction.
func splitPropertyRestriction(word string) (property, term string) {
	idx := strings.IndexByte(word, ':')
	if idx <= 0 || idx == len(word)-1 {
		return "", word
	}
	return word[:idx], word[idx+1:]
}
