// Package schema owns identifier rules and the column alias table applied at
// the ingestion boundary.
package schema

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxIdentBytes is the identifier length limit shared by every backend.
const MaxIdentBytes = 63

// MaxTableBytes leaves room for the "__chunk" staging suffix within
// MaxIdentBytes.
const MaxTableBytes = MaxIdentBytes - 7

const (
	unnamedColumn = "unnamed_column"
	unnamedTable  = "unnamed_table"
)

// collapse lowercases s, maps every rune outside [a-z0-9_] to '_', collapses
// runs of '_' and trims them from both ends.
func collapse(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// ColumnName converts a raw header cell into a column identifier.
// A leading digit gets a "col_" prefix; an empty result is "unnamed_column".
func ColumnName(raw string) string {
	raw = strings.TrimPrefix(raw, "\ufeff")
	s := collapse(raw)
	if s == "" {
		return unnamedColumn
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "col_" + s
	}
	return s
}

// TableName converts path parts (directories then file stem) into a table
// identifier of at most MaxTableBytes. An empty result is "unnamed_table".
func TableName(parts ...string) string {
	s := collapse(strings.Join(parts, "_"))
	if s == "" {
		return unnamedTable
	}
	if len(s) > MaxTableBytes {
		s = strings.TrimRight(s[:MaxTableBytes], "_")
	}
	return s
}

// Truncate enforces MaxIdentBytes, cutting on a UTF-8 boundary.
func Truncate(s string) string {
	if len(s) <= MaxIdentBytes {
		return s
	}
	cut := MaxIdentBytes
	for cut > 0 && !utf8.ValidString(s[:cut]) {
		cut--
	}
	if cut <= 0 {
		return s[:MaxIdentBytes]
	}
	return s[:cut]
}

// Dedupe makes names unique in order. The first occurrence keeps its name;
// later ones get "_1", "_2", ... Suffixed names are re-truncated so they stay
// within MaxIdentBytes.
func Dedupe(names []string) []string {
	out := make([]string, len(names))
	seen := make(map[string]int, len(names))
	used := make(map[string]struct{}, len(names))
	for _, n := range names {
		used[n] = struct{}{}
	}
	taken := make(map[string]struct{}, len(names))

	for i, n := range names {
		if _, dup := taken[n]; !dup {
			out[i] = n
			taken[n] = struct{}{}
			continue
		}
		for {
			seen[n]++
			suffix := "_" + strconv.Itoa(seen[n])
			cand := Truncate(n[:min(len(n), MaxIdentBytes-len(suffix))] + suffix)
			if _, clash := taken[cand]; clash {
				continue
			}
			if _, clash := used[cand]; clash {
				continue
			}
			out[i] = cand
			taken[cand] = struct{}{}
			break
		}
	}
	return out
}
