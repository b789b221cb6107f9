// Package match implements the token containment test used both to search
// resource listings and to decide whether an incoming file offer satisfies a
// fetch request.
package match

import "strings"

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Tokens splits a query into the tokens Matches looks for. The query is
// normalized first and split on single spaces; runs of spaces therefore
// produce empty tokens, which match anything.
func Tokens(query string) []string {
	q := normalize(query)
	if q == "" {
		return nil
	}
	return strings.Split(q, " ")
}

// Matches reports whether every token of query is a substring of target,
// ignoring case and surrounding whitespace. An empty query matches every
// target.
func Matches(target, query string) bool {
	t := normalize(target)
	for _, tok := range Tokens(query) {
		if !strings.Contains(t, tok) {
			return false
		}
	}
	return true
}

// Matcher is a query whose tokens have been computed once, for callers that
// test many targets against the same query.
type Matcher struct {
	tokens []string
}

func New(query string) Matcher {
	return Matcher{tokens: Tokens(query)}
}

func (m Matcher) Match(target string) bool {
	t := normalize(target)
	for _, tok := range m.tokens {
		if !strings.Contains(t, tok) {
			return false
		}
	}
	return true
}
