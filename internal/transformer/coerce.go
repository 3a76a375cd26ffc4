package transformer

import (
	"context"
	"strconv"
	"strings"

	"csvload/internal/storage"
)

// NullSet is the set of raw values loaded as NULL. The empty string is always
// a member; tokens are matched after trimming surrounding space.
type NullSet map[string]struct{}

// NewNullSet builds a NullSet from configured tokens.
func NewNullSet(tokens []string) NullSet {
	s := NullSet{"": {}}
	for _, t := range tokens {
		s[strings.TrimSpace(t)] = struct{}{}
	}
	return s
}

// IsNull reports whether raw is a null token. A nil set only treats blank
// values as null.
func (s NullSet) IsNull(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	_, ok := s[raw]
	return ok
}

// ParseInt parses a base-10 integer that fits in int64.
func ParseInt(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v, err == nil
}

// ParseReal parses a decimal number. Spellings ParseFloat accepts beyond
// plain decimal notation (inf, nan, hex floats) are rejected.
func ParseReal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	digits := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits = true
		case c == '+' || c == '-' || c == '.' || c == 'e' || c == 'E':
		default:
			return 0, false
		}
	}
	if !digits {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

// ParseBool accepts 1/t/true/yes/y and 0/f/false/no/n, case-insensitively.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	}
	return false, false
}

// CoerceSpec maps column names to their destination types.
type CoerceSpec struct {
	Types map[string]storage.ColumnType
	Nulls NullSet
}

// SpecFor builds a CoerceSpec from a table spec.
func SpecFor(t storage.TableSpec, nulls NullSet) CoerceSpec {
	types := make(map[string]storage.ColumnType, len(t.Columns))
	for _, c := range t.Columns {
		types[c.Name] = c.Type
	}
	return CoerceSpec{Types: types, Nulls: nulls}
}

type colPlan struct {
	coerce func(dst *any, raw string) bool
}

type plan struct {
	cols []colPlan
}

// compilePlan resolves one coerce function per column. Columns missing from
// spec.Types are text.
//
// A coerce function reports false when raw does not conform to the column
// type; dst then holds raw unchanged so the store decides whether to accept
// it.
func compilePlan(columns []string, spec CoerceSpec) *plan {
	nulls := spec.Nulls
	p := &plan{cols: make([]colPlan, len(columns))}

	for i, name := range columns {
		switch spec.Types[name] {
		case storage.TypeInteger:
			p.cols[i].coerce = func(dst *any, raw string) bool {
				if nulls.IsNull(raw) {
					*dst = nil
					return true
				}
				if v, ok := ParseInt(raw); ok {
					*dst = v
					return true
				}
				*dst = raw
				return false
			}
		case storage.TypeReal:
			p.cols[i].coerce = func(dst *any, raw string) bool {
				if nulls.IsNull(raw) {
					*dst = nil
					return true
				}
				if v, ok := ParseReal(raw); ok {
					*dst = v
					return true
				}
				*dst = raw
				return false
			}
		case storage.TypeBoolean:
			p.cols[i].coerce = func(dst *any, raw string) bool {
				if nulls.IsNull(raw) {
					*dst = nil
					return true
				}
				if v, ok := ParseBool(raw); ok {
					*dst = v
					return true
				}
				*dst = raw
				return false
			}
		default:
			p.cols[i].coerce = func(dst *any, raw string) bool {
				if nulls.IsNull(raw) {
					*dst = nil
					return true
				}
				*dst = raw
				return true
			}
		}
	}
	return p
}

// coerceRow fills r.V from r.Src. It returns the indexes of columns whose
// value did not conform to the column type.
func (p *plan) coerceRow(r *Row, bad []int) []int {
	bad = bad[:0]
	for i := range p.cols {
		if i >= len(r.Src) || i >= len(r.V) {
			break
		}
		if !p.cols[i].coerce(&r.V[i], r.Src[i]) {
			bad = append(bad, i)
		}
	}
	return bad
}

// CoerceLoopRows reads rows from in, fills V from Src according to spec and
// forwards them to out. Rows carrying a parse error pass through untouched. onMismatch is called for every value passed through
// uncoerced. It returns when in is closed.
func CoerceLoopRows(
	ctx context.Context,
	columns []string,
	in <-chan *Row,
	out chan<- *Row,
	spec CoerceSpec,
	onMismatch func(line int, column string, raw string),
) {
	p := compilePlan(columns, spec)
	var bad []int

	for r := range in {
		// On cancellation: drain without re-pooling (prevents reuse races).
		select {
		case <-ctx.Done():
			if r != nil {
				r.Drop()
			}
			continue
		default:
		}
		if r == nil {
			continue
		}

		if r.Err == nil {
			bad = p.coerceRow(r, bad)
			if onMismatch != nil {
				for _, i := range bad {
					onMismatch(r.Line, columns[i], r.Src[i])
				}
			}
		}

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}
