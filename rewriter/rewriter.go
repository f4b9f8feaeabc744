// Package rewriter implements the §4.5 rewrite semantics shared by the
// `rewrite` route action (C4) and the `*_ch` cluster masquerade key (C3):
// given a match's capture groups, expand a replacement template left to
// right. A backslash introduces: a digit -> capture reference; `\_`/`\^` ->
// following references lowercased/uppercased; `\.` -> further references
// with `.` replaced by `_`; any other `\x` -> literal `x`.
package rewriter

import "strings"

// Expand applies template against groups (groups[0] is the whole match) and
// returns the resulting name. It never mutates groups.
func Expand(template string, groups []string) string {
	var out strings.Builder
	lower, upper, dotUnderscore := false, false, false

	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '\\' || i+1 >= len(template) {
			out.WriteByte(c)
			continue
		}
		i++
		next := template[i]
		switch {
		case next >= '0' && next <= '9':
			idx := int(next - '0')
			var ref string
			if idx < len(groups) {
				ref = groups[idx]
			}
			if dotUnderscore {
				ref = strings.ReplaceAll(ref, ".", "_")
			}
			switch {
			case lower:
				ref = strings.ToLower(ref)
			case upper:
				ref = strings.ToUpper(ref)
			}
			out.WriteString(ref)
		case next == '_':
			lower, upper = true, false
		case next == '^':
			upper, lower = true, false
		case next == '.':
			dotUnderscore = true
		default:
			out.WriteByte(next)
		}
	}
	return out.String()
}

// Identity is the `\0` template: applying it against any match leaves the
// original name byte-identical (spec §8 round-trip property).
const Identity = `\0`
