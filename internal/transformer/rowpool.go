// Package transformer provides the pooled row type that flows
// parser -> coerce -> loader, and the value coercion applied between them.
package transformer

import "sync"

// Row is a pooled container for one source record.
//
// Src holds the raw fields, already padded or truncated to the table width.
// V holds the coerced values in the same order; it is filled by the coerce
// stage and consumed by the loader.
//
// Ownership contract:
//   - Exactly one goroutine "owns" a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer (the loader) must call Free() AFTER it is fully
//     done with the Row (and anything referencing r.V or r.Src).
//
// IMPORTANT:
//   - During ctx cancellation, drain-safe stages may still be running while the
//     parser is also unwinding. If canceled rows are returned to the pool, they
//     can be reused immediately and written concurrently with downstream reads.
//
// Therefore:
//   - Use Free() only on the normal path.
//   - Use Drop() on cancellation paths (no re-pooling; allow GC to reclaim).
type Row struct {
	V   []any
	Src []string

	// Line is the 1-based physical line the record starts on.
	Line int

	// Offset is the byte offset of the decoded input just past this record.
	Offset int64

	// Err marks a record the parser could not read. Raw then holds its text
	// and Src is left empty; such a row is never coerced or inserted.
	Err error
	Raw string
}

var rowPool sync.Pool

// GetRow returns a pooled Row with V and Src of length colCount. All
// elements are zeroed.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		if cap(r.Src) < colCount {
			r.Src = make([]string, colCount)
		}
		r.V = r.V[:colCount]
		r.Src = r.Src[:colCount]
		clear(r.V)
		clear(r.Src)
		r.Line = 0
		r.Offset = 0
		r.Err = nil
		r.Raw = ""
		return r
	}
	return &Row{
		V:   make([]any, colCount),
		Src: make([]string, colCount),
	}
}

// Free returns the Row to the pool.
// Call this ONLY when you're sure no other goroutine can observe r.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row WITHOUT returning it to the pool.
//
// Use this on ctx-cancellation paths to prevent "canceled drain" from racing
// with upstream reuse of the same pooled Row.
func (r *Row) Drop() {
	r.V = nil
	r.Src = nil
	r.Line = 0
	r.Offset = 0
	r.Err = nil
	r.Raw = ""
}

// Drain consumes in until it is closed, dropping every row.
func Drain(in <-chan *Row) {
	for r := range in {
		if r != nil {
			r.Drop()
		}
	}
}
