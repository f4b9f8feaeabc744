// Package imperatives implements the free-text command mini-language used
// for `init` directives and runtime admin commands (matching the teacher's
// own `imperatives.Apply(table, cmd)` call in table/table.go). Apply takes
// a Mutator interface rather than a concrete *table.Table: table.Table
// calls into imperatives for its init-command processing, so imperatives
// must not import table back, or the two packages would cycle.
package imperatives

import (
	"fmt"
	"strings"
)

// Mutator is the subset of table.Table's behaviour the command language
// needs. table.Table implements this directly.
type Mutator interface {
	// AddRoute registers a new route, matching pattern against metric
	// names and forwarding to the named clusters (which must already
	// exist) in the order given.
	AddRoute(key, pattern string, clusterNames []string, stop bool) error
	// DelRoute removes the route with the given key. It is a no-op if no
	// such route exists.
	DelRoute(key string) error
	// Block installs a validate-and-drop route at the front of the table,
	// matching the teacher's `addBlacklist` (spec.md §6 `validate ...
	// else drop` semantics applied unconditionally).
	Block(pattern string) error
}

// Apply parses and executes a single command line against m. Accepted
// forms:
//
//	addRoute <key> match <pattern> sendTo <cluster[,cluster...]> [stop]
//	delRoute <key>
//	block <pattern>
//
// Patterns containing whitespace must be double-quoted.
func Apply(m Mutator, cmd string) error {
	tokens, err := tokenize(cmd)
	if err != nil {
		return fmt.Errorf("imperatives: %q: %w", cmd, err)
	}
	if len(tokens) == 0 {
		return nil
	}

	switch tokens[0] {
	case "addRoute":
		return applyAddRoute(m, tokens)
	case "delRoute":
		if len(tokens) != 2 {
			return fmt.Errorf("imperatives: delRoute takes exactly one argument: %q", cmd)
		}
		return m.DelRoute(tokens[1])
	case "block":
		if len(tokens) != 2 {
			return fmt.Errorf("imperatives: block takes exactly one argument: %q", cmd)
		}
		return m.Block(tokens[1])
	default:
		return fmt.Errorf("imperatives: unknown command %q", tokens[0])
	}
}

func applyAddRoute(m Mutator, tokens []string) error {
	// addRoute <key> match <pattern> sendTo <c1,c2> [stop]
	if len(tokens) < 5 || tokens[2] != "match" || tokens[4] != "sendTo" {
		return fmt.Errorf("imperatives: malformed addRoute, want `addRoute <key> match <pattern> sendTo <clusters> [stop]`, got %v", tokens)
	}
	key := tokens[1]
	pattern := tokens[3]
	if len(tokens) < 6 {
		return fmt.Errorf("imperatives: addRoute missing cluster list")
	}
	clusterNames := strings.Split(tokens[5], ",")

	stop := false
	if len(tokens) >= 7 {
		if tokens[6] != "stop" {
			return fmt.Errorf("imperatives: unexpected trailing token %q", tokens[6])
		}
		stop = true
	}

	return m.AddRoute(key, pattern, clusterNames, stop)
}

// tokenize splits cmd on spaces (not tabs or other whitespace), honouring double-quoted spans so a
// pattern like `"^prod\\.(foo|bar)$"` survives as one token.
func tokenize(cmd string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	hasToken := false

	flush := func() {
		if hasToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			hasToken = true
		case c == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
			hasToken = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}
