package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Ceiling <= 0 selects the backend default.
type Config struct {
	Kind    string
	DSN     string
	Ceiling int
}

// Repository is the destination store as seen by the import pipeline.
//
// Every method that writes rows runs in its own transaction. A Repository is
// used by one writer at a time; read methods may be called by the verifier
// while nothing writes.
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// Kind returns the registered backend kind.
	Kind() string

	// Ceiling returns the bound parameter limit for one statement.
	Ceiling() int

	// Prepare creates the bookkeeping tables if missing.
	Prepare(ctx context.Context) error

	// CreateTable drops t.Name if it exists and creates it from t.
	CreateTable(ctx context.Context, t TableSpec) error
	DropTable(ctx context.Context, table string) error

	// InsertRows inserts rows in one transaction. It returns
	// ErrCeilingExceeded, without touching the store, when
	// len(rows)*len(columns) is not strictly below Ceiling.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// CreateIndex creates idx_<table>_<column>.
	CreateIndex(ctx context.Context, table, column string) error

	TableExists(ctx context.Context, table string) (bool, error)

	// ListTables returns user tables sorted by name, excluding bookkeeping
	// and staging tables.
	ListTables(ctx context.Context) ([]string, error)
	CountRows(ctx context.Context, table string) (int64, error)
	ColumnNames(ctx context.Context, table string) ([]string, error)
	SampleRows(ctx context.Context, table string, limit int) ([][]any, error)

	// MarkImport upserts the import_metadata row for rec.Table.
	MarkImport(ctx context.Context, rec ImportRecord) error
	// ImportRecords returns all import_metadata rows keyed by table name.
	ImportRecords(ctx context.Context) (map[string]ImportRecord, error)

	// ChunkMarkers returns completed chunk markers for table ordered by index.
	ChunkMarkers(ctx context.Context, table string) ([]ChunkMarker, error)
	ResetChunks(ctx context.Context, table string) error

	// CommitChunk moves the staging table's rows into table, records m and
	// drops the staging table, all in one transaction.
	CommitChunk(ctx context.Context, table string, m ChunkMarker) error

	// Classify decides whether a failed write is attributable to the rows it
	// carried or to the store itself.
	Classify(err error) ErrorClass
}

// Factory opens a Repository for a registered kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns; factories wrap
//     connection failures with ErrStoreUnavailable.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
