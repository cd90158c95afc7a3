// Package filter rewrites configured row-filter expressions against the
// columns a chunk actually staged. Dataset configs are written casually
// ("kingdom = 'Plantae'") while source headers carry arbitrary casing
// ("Kingdom"); the adapter maps identifiers onto real column names without
// attempting to validate the SQL around them.
package filter

import "strings"

// reserved are SQL words never treated as column references.
var reserved = map[string]bool{
	"and": true, "or": true, "not": true,
	"in": true, "is": true, "null": true,
	"like": true, "glob": true, "regexp": true, "match": true,
	"between": true, "escape": true,
	"case": true, "when": true, "then": true, "else": true, "end": true,
	"cast": true, "as": true, "collate": true,
	"exists": true, "distinct": true,
	"true": true, "false": true,
}

// Adapt rewrites expr so every identifier that names a staged column (matched
// case-insensitively) refers to it exactly, quoting names that need it.
// Single-quoted literals pass through untouched; reserved words and unknown
// identifiers stay verbatim. Returns ok=false when no identifier matched any
// column, in which case the caller should proceed unfiltered.
func Adapt(expr string, columns []string) (string, bool) {
	lookup := make(map[string]string, len(columns))
	for _, c := range columns {
		lookup[strings.ToLower(c)] = c
	}

	var (
		out     strings.Builder
		matched bool
	)
	out.Grow(len(expr) + 8)

	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == '\'':
			j := scanLiteral(expr, i)
			out.WriteString(expr[i:j])
			i = j
		case c == '"':
			j, inner := scanQuotedIdent(expr, i)
			if actual, ok := lookup[strings.ToLower(inner)]; ok {
				matched = true
				out.WriteString(columnRef(actual))
			} else {
				out.WriteString(expr[i:j])
			}
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(expr) && isIdentPart(expr[j]) {
				j++
			}
			tok := expr[i:j]
			i = j
			low := strings.ToLower(tok)
			if reserved[low] {
				out.WriteString(tok)
				continue
			}
			if actual, ok := lookup[low]; ok {
				matched = true
				out.WriteString(columnRef(actual))
				continue
			}
			out.WriteString(tok)
		default:
			out.WriteByte(c)
			i++
		}
	}
	if !matched {
		return "", false
	}
	return out.String(), true
}

// scanLiteral returns the index just past a single-quoted literal starting at
// i, honoring '' escapes. An unterminated literal runs to the end.
func scanLiteral(expr string, i int) int {
	j := i + 1
	for j < len(expr) {
		if expr[j] != '\'' {
			j++
			continue
		}
		if j+1 < len(expr) && expr[j+1] == '\'' {
			j += 2
			continue
		}
		return j + 1
	}
	return j
}

// scanQuotedIdent returns the index just past a double-quoted identifier
// starting at i, plus its unescaped contents.
func scanQuotedIdent(expr string, i int) (int, string) {
	var inner strings.Builder
	j := i + 1
	for j < len(expr) {
		if expr[j] != '"' {
			inner.WriteByte(expr[j])
			j++
			continue
		}
		if j+1 < len(expr) && expr[j+1] == '"' {
			inner.WriteByte('"')
			j += 2
			continue
		}
		return j + 1, inner.String()
	}
	return j, inner.String()
}

// columnRef renders a column name for the staging query: bare when it is
// already simple lowercase, double-quoted otherwise.
func columnRef(name string) string {
	if simpleLower(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func simpleLower(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
