package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"csvload/internal/storage"
)

// DefaultCeiling is SQLite's SQLITE_MAX_VARIABLE_NUMBER since 3.32.
const DefaultCeiling = 32766

// Repo implements storage.Repository for a single SQLite database file.
//
// Key design points:
//   - One open connection. SQLite has one writer; a second pooled connection
//     would only add SQLITE_BUSY retries.
//   - WAL journal and synchronous=NORMAL: a crash can lose the last committed
//     batch but never corrupts the file.
//   - Timestamps are stored as RFC3339Nano text for reliable round trips.
type Repo struct {
	db      *sql.DB
	ceiling int
}

func init() {
	storage.Register("sqlite", New)
}

// pragmas run once on the single connection after open.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// New opens cfg.DSN (e.g. "file:csvload.db?_pragma=busy_timeout(5000)").
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, storage.Unavailable("sqlite", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storage.Unavailable("sqlite", err)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, storage.Unavailable("sqlite", fmt.Errorf("%s: %w", p, err))
		}
	}

	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Repo{db: db, ceiling: ceiling}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) Kind() string { return "sqlite" }

func (r *Repo) Ceiling() int { return r.ceiling }

func (r *Repo) Prepare(ctx context.Context) error {
	for _, q := range []string{createMetadataSQL, createChunksSQL} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return storage.Unavailable("sqlite", err)
		}
	}
	return nil
}

const createMetadataSQL = `CREATE TABLE IF NOT EXISTS "import_metadata" (
	"table_name" TEXT NOT NULL UNIQUE,
	"source_file" TEXT NOT NULL,
	"row_count" INTEGER NOT NULL DEFAULT 0,
	"column_count" INTEGER NOT NULL DEFAULT 0,
	"status" TEXT NOT NULL,
	"loader" TEXT NOT NULL,
	"oversized" INTEGER NOT NULL DEFAULT 0,
	"encoding" TEXT NOT NULL DEFAULT '',
	"lossy" INTEGER NOT NULL DEFAULT 0,
	"run_id" TEXT NOT NULL DEFAULT '',
	"import_timestamp" TEXT NOT NULL
)`

const createChunksSQL = `CREATE TABLE IF NOT EXISTS "_import_chunks" (
	"table_name" TEXT NOT NULL,
	"chunk_index" INTEGER NOT NULL,
	"rows_loaded" INTEGER NOT NULL DEFAULT 0,
	"rows_skipped" INTEGER NOT NULL DEFAULT 0,
	"fingerprint" TEXT NOT NULL,
	"completed_at" TEXT NOT NULL,
	PRIMARY KEY ("table_name", "chunk_index")
)`

func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if err := r.DropTable(ctx, t.Name); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := storage.CheckCeiling(r.ceiling, len(rows), len(columns)); err != nil {
		return 0, err
	}

	q, args := buildInsertSQL(table, columns, rows)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *Repo) CreateIndex(ctx context.Context, table, column string) error {
	q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		sqlIdent(storage.IndexName(table, column)), sqlIdent(table), sqlIdent(column))
	_, err := r.db.ExecContext(ctx, q)
	return err
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !storage.IsBookkeeping(name) {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n)
	return n, err
}

func (r *Repo) ColumnNames(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+sqlIdent(table)+" LIMIT 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rows.Columns()
}

func (r *Repo) SampleRows(ctx context.Context, table string, limit int) ([][]any, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+sqlIdent(table)+" LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

func (r *Repo) MarkImport(ctx context.Context, rec storage.ImportRecord) error {
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, upsertMetadataSQL,
		rec.Table, rec.Source, rec.RowCount, rec.ColumnCount, string(rec.Status), string(rec.Loader),
		boolInt(rec.Oversized), rec.Encoding, boolInt(rec.Lossy), rec.RunID, formatSQLiteTime(rec.ImportedAt),
	)
	if err != nil {
		return fmt.Errorf("mark import %s: %w", rec.Table, err)
	}
	return nil
}

const upsertMetadataSQL = `INSERT INTO "import_metadata"
	("table_name", "source_file", "row_count", "column_count", "status", "loader",
	 "oversized", "encoding", "lossy", "run_id", "import_timestamp")
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT ("table_name") DO UPDATE SET
	"source_file" = excluded."source_file",
	"row_count" = excluded."row_count",
	"column_count" = excluded."column_count",
	"status" = excluded."status",
	"loader" = excluded."loader",
	"oversized" = excluded."oversized",
	"encoding" = excluded."encoding",
	"lossy" = excluded."lossy",
	"run_id" = excluded."run_id",
	"import_timestamp" = excluded."import_timestamp"`

func (r *Repo) ImportRecords(ctx context.Context) (map[string]storage.ImportRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT "table_name", "source_file", "row_count", "column_count",
		"status", "loader", "oversized", "encoding", "lossy", "run_id", "import_timestamp"
		FROM "import_metadata"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]storage.ImportRecord{}
	for rows.Next() {
		var (
			rec              storage.ImportRecord
			status, loader   string
			oversized, lossy int64
			importedAt       string
		)
		if err := rows.Scan(&rec.Table, &rec.Source, &rec.RowCount, &rec.ColumnCount,
			&status, &loader, &oversized, &rec.Encoding, &lossy, &rec.RunID, &importedAt); err != nil {
			return nil, err
		}
		rec.Status = storage.Status(status)
		rec.Loader = storage.Loader(loader)
		rec.Oversized = oversized != 0
		rec.Lossy = lossy != 0
		rec.ImportedAt, _ = parseSQLiteTime(importedAt)
		out[rec.Table] = rec
	}
	return out, rows.Err()
}

func (r *Repo) ChunkMarkers(ctx context.Context, table string) ([]storage.ChunkMarker, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT "chunk_index", "rows_loaded", "rows_skipped", "fingerprint", "completed_at"
		FROM "_import_chunks" WHERE "table_name" = ? ORDER BY "chunk_index"`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ChunkMarker
	for rows.Next() {
		var (
			m  storage.ChunkMarker
			at string
		)
		if err := rows.Scan(&m.Index, &m.RowsLoaded, &m.RowsSkipped, &m.Fingerprint, &at); err != nil {
			return nil, err
		}
		m.CompletedAt, _ = parseSQLiteTime(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repo) ResetChunks(ctx context.Context, table string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM "_import_chunks" WHERE "table_name" = ?`, table)
	return err
}

func (r *Repo) CommitChunk(ctx context.Context, table string, m storage.ChunkMarker) error {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now()
	}
	staging := storage.StagingTable(table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "INSERT INTO "+sqlIdent(table)+" SELECT * FROM "+sqlIdent(staging)); err != nil {
		return fmt.Errorf("copy chunk %d into %s: %w", m.Index, table, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO "_import_chunks"
		("table_name", "chunk_index", "rows_loaded", "rows_skipped", "fingerprint", "completed_at")
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT ("table_name", "chunk_index") DO UPDATE SET
			"rows_loaded" = excluded."rows_loaded",
			"rows_skipped" = excluded."rows_skipped",
			"fingerprint" = excluded."fingerprint",
			"completed_at" = excluded."completed_at"`,
		table, m.Index, m.RowsLoaded, m.RowsSkipped, m.Fingerprint, formatSQLiteTime(m.CompletedAt)); err != nil {
		return fmt.Errorf("record chunk %d of %s: %w", m.Index, table, err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+sqlIdent(staging)); err != nil {
		return fmt.Errorf("drop %s: %w", staging, err)
	}
	return tx.Commit()
}

// Classify maps SQLite primary result codes onto storage.ErrorClass.
// Errors that did not come from the engine (bad parameters) are row-class.
func (r *Repo) Classify(err error) storage.ErrorClass {
	if c, ok := storage.ClassifyCommon(err); ok {
		return c
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return storage.ClassRow
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_RANGE:
		return storage.ClassRow
	case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_CORRUPT,
		sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED,
		sqlite3.SQLITE_NOMEM, sqlite3.SQLITE_PERM:
		return storage.ClassFatal
	default:
		return storage.ClassRow
	}
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// sqliteType maps inferred types to declared types. BOOLEAN gets NUMERIC
// affinity, so bools are stored as 0/1.
func sqliteType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "INTEGER"
	case storage.TypeReal:
		return "REAL"
	case storage.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// buildCreateTableSQL renders CREATE TABLE for t. Nullability is not
// enforced: it is derived from a sample and later rows may hold empties.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		defs = append(defs, sqlIdent(c.Name)+" "+sqliteType(c.Type))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", sqlIdent(t.Name), strings.Join(defs, ",\n\t")), nil
}

// buildInsertSQL renders one multi-row INSERT with ? placeholders.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}
	return b.String(), args
}

func scanAll(rows *sql.Rows) ([][]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var _ storage.Repository = (*Repo)(nil)
