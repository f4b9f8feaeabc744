// Package matcher implements the route-matching kinds of spec C5: matchall,
// regex, contains, starts-with, ends-with and equals. Matchers are derived
// from a pattern at parse time, preferring the cheapest possible kind: a
// bare `*` collapses to matchall; a plain alphanumeric-with-underscores/dots
// pattern anchored with `^`/`$` collapses to starts-with/ends-with/equals;
// any remaining regex metacharacter forces a compiled regex.
package matcher

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies which matching strategy a Matcher uses.
type Kind int

const (
	MatchAll Kind = iota
	StartsWith
	EndsWith
	Equals
	Contains
	Regex
)

func (k Kind) String() string {
	switch k {
	case MatchAll:
		return "matchall"
	case StartsWith:
		return "starts-with"
	case EndsWith:
		return "ends-with"
	case Equals:
		return "equals"
	case Contains:
		return "contains"
	case Regex:
		return "regex"
	default:
		return "unknown"
	}
}

// Matcher tests a metric name (the byte range up to the first space) against
// a compiled pattern. Each route holds one Matcher, shared by all dispatcher
// workers; Regex kinds rely on regexp.Regexp being safe for concurrent use.
type Matcher struct {
	Kind       Kind
	Pattern    string // original pattern, kept for Snapshot/Print
	literal    string
	re         *regexp.Regexp
	numGroups  int
}

// isPlain reports whether s holds alphanumeric/underscore/dot bytes only -- the set
// that collapses to a cheap string-op matcher instead of a regex.
func isPlain(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.') {
			return false
		}
	}
	return true
}

// New compiles pattern into the cheapest matcher kind that can express it,
// per spec §4.5's optimiser rule.
func New(pattern string) (*Matcher, error) {
	if pattern == "*" || pattern == "" {
		return &Matcher{Kind: MatchAll, Pattern: pattern}, nil
	}

	hasPrefixAnchor := strings.HasPrefix(pattern, "^")
	hasSuffixAnchor := strings.HasSuffix(pattern, "$")
	body := strings.TrimSuffix(strings.TrimPrefix(pattern, "^"), "$")

	if (hasPrefixAnchor || hasSuffixAnchor) && isPlain(body) {
		switch {
		case hasPrefixAnchor && hasSuffixAnchor:
			return &Matcher{Kind: Equals, Pattern: pattern, literal: body}, nil
		case hasPrefixAnchor:
			return &Matcher{Kind: StartsWith, Pattern: pattern, literal: body}, nil
		case hasSuffixAnchor:
			return &Matcher{Kind: EndsWith, Pattern: pattern, literal: body}, nil
		}
	}

	if isPlain(pattern) && !hasPrefixAnchor && !hasSuffixAnchor {
		// a bare plain token with no anchors is treated as "contains" --
		// the cheapest matcher that still expresses it, used heavily by the
		// route-table optimiser's synthetic group wrapper (spec §4.5).
		return &Matcher{Kind: Contains, Pattern: pattern, literal: pattern}, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("matcher: invalid regex %q: %w", pattern, err)
	}
	return &Matcher{Kind: Regex, Pattern: pattern, re: re, numGroups: re.NumSubexp()}, nil
}

// Match reports whether name matches m, and for Regex kind, returns the
// capture groups ([]string, index 0 = whole match) used by rewrite rules.
func (m *Matcher) Match(name []byte) (bool, []string) {
	switch m.Kind {
	case MatchAll:
		return true, nil
	case StartsWith:
		return bytesHasPrefix(name, m.literal), nil
	case EndsWith:
		return bytesHasSuffix(name, m.literal), nil
	case Equals:
		return string(name) == m.literal, nil
	case Contains:
		return bytesContains(name, m.literal), nil
	case Regex:
		groups := m.re.FindSubmatch(name)
		if groups == nil {
			return false, nil
		}
		out := make([]string, len(groups))
		for i, g := range groups {
			out[i] = string(g)
		}
		return true, out
	default:
		return false, nil
	}
}

// NumGroups returns the number of capture groups a Regex matcher has
// (0 for all other kinds).
func (m *Matcher) NumGroups() int { return m.numGroups }

func bytesHasPrefix(b []byte, s string) bool {
	return len(b) >= len(s) && string(b[:len(s)]) == s
}

func bytesHasSuffix(b []byte, s string) bool {
	return len(b) >= len(s) && string(b[len(b)-len(s):]) == s
}

func bytesContains(b []byte, s string) bool {
	return strings.Contains(string(b), s)
}
