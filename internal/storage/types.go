// Package storage defines the destination store contract shared by the
// import pipeline and the backend packages (sqlite, postgres, mssql).
//
// TableSpec and ColumnSpec live here so that probe, materialize and the backends can
// all import them without cycles.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ColumnType is an inferred column type.
type ColumnType string

const (
	TypeInteger ColumnType = "integer"
	TypeReal    ColumnType = "real"
	TypeBoolean ColumnType = "boolean"
	TypeText    ColumnType = "text"
)

// rank orders types by width; text accepts everything.
func (t ColumnType) rank() int {
	switch t {
	case TypeInteger:
		return 0
	case TypeReal:
		return 1
	case TypeBoolean:
		return 2
	default:
		return 3
	}
}

// Wider reports whether t accepts strictly more values than o in the
// inference order integer -> real -> boolean -> text.
func (t ColumnType) Wider(o ColumnType) bool {
	return t.rank() > o.rank()
}

// ColumnSpec describes one destination column.
type ColumnSpec struct {
	Name     string     `json:"name"`
	Source   string     `json:"source"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
	Ordinal  int        `json:"ordinal"`
}

// TableSpec describes one destination table. Columns are in source order.
type TableSpec struct {
	Name     string       `json:"name"`
	Columns  []ColumnSpec `json:"columns"`
	RowCount int64        `json:"row_count"`
}

// ColumnNames returns the column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Status is the lifecycle state of an imported table.
type Status string

const (
	StatusLoading Status = "loading"
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Complete reports whether s is a final state a reader may trust.
func (s Status) Complete() bool {
	return s == StatusOK || s == StatusPartial
}

// Loader names the load path a table went through.
type Loader string

const (
	LoaderBatch   Loader = "batch"
	LoaderChunked Loader = "chunked"
)

// ImportRecord is one row of the import_metadata table.
type ImportRecord struct {
	Table       string
	Source      string
	RowCount    int64
	ColumnCount int
	Status      Status
	Loader      Loader
	Oversized   bool
	Encoding    string
	Lossy       bool
	RunID       string
	ImportedAt  time.Time
}

// ChunkMarker is one row of the _import_chunks table.
type ChunkMarker struct {
	Index       int
	RowsLoaded  int64
	RowsSkipped int64
	Fingerprint string
	CompletedAt time.Time
}

// Bookkeeping table names.
const (
	MetadataTable = "import_metadata"
	ChunksTable   = "_import_chunks"

	stagingSuffix = "__chunk"
)

// StagingTable returns the staging table used while loading a chunk of table.
func StagingTable(table string) string {
	return table + stagingSuffix
}

// IsBookkeeping reports whether name is a bookkeeping or staging table.
func IsBookkeeping(name string) bool {
	return name == MetadataTable || name == ChunksTable || strings.HasSuffix(name, stagingSuffix)
}

// IndexName returns the secondary index name for table.column.
func IndexName(table, column string) string {
	return "idx_" + table + "_" + column
}

// ErrorClass partitions write failures.
type ErrorClass int

const (
	// ClassRow failures are caused by the data in the statement (constraint,
	// conversion, overflow). Retrying smaller windows can isolate them.
	ClassRow ErrorClass = iota
	// ClassFatal failures are caused by the store or the run (I/O, lost
	// connection, disk full, cancellation). Nothing can be retried.
	ClassFatal
)

func (c ErrorClass) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "row"
}

var (
	// ErrCeilingExceeded means a statement would carry at least Ceiling bound
	// parameters.
	ErrCeilingExceeded = errors.New("storage: parameter ceiling exceeded")

	// ErrStoreUnavailable means the destination cannot be opened or written.
	ErrStoreUnavailable = errors.New("storage: store unavailable")
)

// Unavailable wraps err with ErrStoreUnavailable.
func Unavailable(kind string, err error) error {
	return fmt.Errorf("%s: %w: %w", kind, ErrStoreUnavailable, err)
}

// CheckCeiling returns ErrCeilingExceeded unless rows*cols < ceiling.
func CheckCeiling(ceiling, rows, cols int) error {
	if rows*cols >= ceiling {
		return fmt.Errorf("%w: %d rows x %d columns >= %d", ErrCeilingExceeded, rows, cols, ceiling)
	}
	return nil
}

// MaxBatchRows returns the largest batch size not above want for which
// rows*cols stays strictly below ceiling. It returns ErrCeilingExceeded when
// not even one row fits.
func MaxBatchRows(ceiling, cols, want int) (int, error) {
	if cols <= 0 {
		return 0, fmt.Errorf("storage: table has no columns")
	}
	if cols >= ceiling {
		return 0, fmt.Errorf("%w: %d columns >= %d", ErrCeilingExceeded, cols, ceiling)
	}
	n := (ceiling - 1) / cols
	if want > 0 && want < n {
		n = want
	}
	return n, nil
}

// ClassifyCommon handles errors every backend classifies the same way.
// ok is false when the backend must decide.
func ClassifyCommon(err error) (class ErrorClass, ok bool) {
	switch {
	case err == nil:
		return ClassRow, false
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassFatal, true
	}
	return ClassRow, false
}
