package route

import (
	"github.com/graphite-ng/carbon-relay-ng/cluster"
	"github.com/graphite-ng/carbon-relay-ng/matcher"
)

// BuildOptimisedTable scans parsed routes for a trailing [A-Za-z_]{3,} block
// (skipping balanced parentheses), groups consecutive routes sharing the
// same block, and wraps runs of 3 or more in a synthetic `group` cluster
// whose outer matcher is a cheap contains check on that block (spec §4.5
// "Optimiser"). Rewrite and matchall routes never participate; a `stop`
// route terminates a run even if the next route shares the same block.
func BuildOptimisedTable(routes []*Route) *Table {
	out := make([]*Route, 0, len(routes))
	i := 0
	for i < len(routes) {
		block, ok := trailingBlock(routes[i])
		if !ok {
			out = append(out, routes[i])
			i++
			continue
		}

		j := i
		for j < len(routes) {
			b, ok := trailingBlock(routes[j])
			if !ok || b != block {
				break
			}
			if routes[j].Stop() {
				j++
				break
			}
			j++
		}

		if j-i >= 3 {
			out = append(out, wrapGroup(block, routes[i:j]))
		} else {
			out = append(out, routes[i:j]...)
		}
		i = j
	}
	return NewTable(out)
}

// trailingBlock extracts a route's pattern's trailing run of three or more
// [A-Za-z_] bytes, skipping over any balanced trailing parenthesised group
// first. Matchall and rewrite-bearing routes are excluded, per spec §4.5.
func trailingBlock(r *Route) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.matcher.Kind == matcher.MatchAll {
		return "", false
	}
	for _, c := range r.clusters {
		if c.Kind() == "rewrite" {
			return "", false
		}
	}

	p := r.matcher.Pattern
	end := len(p)
	// skip one trailing balanced parenthesised group, e.g. "foo.bar(baz)"
	if end > 0 && p[end-1] == ')' {
		depth := 0
		k := end - 1
		for k >= 0 {
			switch p[k] {
			case ')':
				depth++
			case '(':
				depth--
			}
			if depth == 0 {
				break
			}
			k--
		}
		if k >= 0 {
			end = k
		}
	}

	start := end
	for start > 0 && isBlockByte(p[start-1]) {
		start--
	}
	if end-start < 3 {
		return "", false
	}
	return p[start:end], true
}

func isBlockByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

// wrapGroup builds a single Route whose sole cluster is a synthetic
// cluster.Group containing one GroupRule per input route, preserving each
// route's own matcher, clusters and stop flag as the nested rule.
func wrapGroup(block string, routes []*Route) *Route {
	outer, _ := matcher.New(block) // plain token -> Contains, never errors
	rules := make([]cluster.GroupRule, len(routes))
	for i, r := range routes {
		r.mu.RLock()
		rules[i] = cluster.GroupRule{Matcher: r.matcher, Dests: r.clusters, Stop: r.stop}
		r.mu.RUnlock()
	}
	g := cluster.NewGroup("group:"+block, rules)
	return NewRoute("group:"+block, outer, []cluster.Cluster{g}, false)
}
