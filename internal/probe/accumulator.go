package probe

import (
	"csvload/internal/storage"
	"csvload/internal/transformer"
)

// colState tracks which candidate types a column can still be.
//
// Candidates are tried in the order integer, real, boolean, text. A
// candidate's flag only ever goes from viable to not viable, so the type
// reported for a column can only widen as more values are seen.
type colState struct {
	notInt  bool
	notReal bool
	notBool bool

	values   int
	nullable bool
}

func (c *colState) observe(v string, nulls transformer.NullSet) {
	if nulls.IsNull(v) {
		c.nullable = true
		return
	}
	c.values++
	if !c.notInt {
		if _, ok := transformer.ParseInt(v); !ok {
			c.notInt = true
		}
	}
	if !c.notReal {
		if _, ok := transformer.ParseReal(v); !ok {
			c.notReal = true
		}
	}
	if !c.notBool {
		if _, ok := transformer.ParseBool(v); !ok {
			c.notBool = true
		}
	}
}

func (c *colState) typ() storage.ColumnType {
	switch {
	case c.values == 0:
		return storage.TypeText
	case !c.notInt:
		return storage.TypeInteger
	case !c.notReal:
		return storage.TypeReal
	case !c.notBool:
		return storage.TypeBoolean
	default:
		return storage.TypeText
	}
}

// accepts reports whether every value observed so far converts to t.
func (c *colState) accepts(t storage.ColumnType) bool {
	switch t {
	case storage.TypeInteger:
		return !c.notInt
	case storage.TypeReal:
		return !c.notReal
	case storage.TypeBoolean:
		return !c.notBool
	default:
		return true
	}
}

// Accumulator infers column types from rows fed one at a time. It keeps no
// row data, only one colState per column.
type Accumulator struct {
	nulls transformer.NullSet
	cols  []colState
	rows  int
}

// NewAccumulator returns an Accumulator for width columns.
func NewAccumulator(width int, nulls transformer.NullSet) *Accumulator {
	return &Accumulator{nulls: nulls, cols: make([]colState, width)}
}

// Add observes one record. Missing trailing fields count as null; fields
// beyond the width are ignored.
func (a *Accumulator) Add(fields []string) {
	a.rows++
	for i := range a.cols {
		if i < len(fields) {
			a.cols[i].observe(fields[i], a.nulls)
		} else {
			a.cols[i].nullable = true
		}
	}
}

// Rows is the number of records observed.
func (a *Accumulator) Rows() int { return a.rows }

// Types returns the current inferred type of every column.
func (a *Accumulator) Types() []storage.ColumnType {
	out := make([]storage.ColumnType, len(a.cols))
	for i := range a.cols {
		out[i] = a.cols[i].typ()
	}
	return out
}

// Columns builds column specs from the accumulated state. names and sources
// must have one entry per column.
func (a *Accumulator) Columns(names, sources []string) []storage.ColumnSpec {
	out := make([]storage.ColumnSpec, len(a.cols))
	for i := range a.cols {
		c := &a.cols[i]
		out[i] = storage.ColumnSpec{
			Name:     names[i],
			Source:   sources[i],
			Type:     c.typ(),
			Nullable: c.nullable || c.values == 0,
			Ordinal:  i,
		}
	}
	return out
}

// Drift compares the accumulated values to a table's columns and returns
// one entry per column holding a value its declared type cannot take.
func (a *Accumulator) Drift(table []storage.ColumnSpec) []string {
	var out []string
	for i := range a.cols {
		if i >= len(table) {
			break
		}
		c := &a.cols[i]
		if c.values > 0 && !c.accepts(table[i].Type) {
			out = append(out, table[i].Name+": "+string(table[i].Type)+" -> "+string(c.typ()))
		}
	}
	return out
}
