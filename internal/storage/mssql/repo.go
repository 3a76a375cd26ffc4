package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"csvload/internal/storage"
)

// DefaultCeiling is SQL Server's limit on parameters per request.
const DefaultCeiling = 2100

// maxValuesRows is SQL Server's limit on rows in one VALUES constructor.
const maxValuesRows = 1000

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Tables are created in the login's default schema. Inferred text columns are
// NVARCHAR(MAX), which SQL Server cannot index; index creation on them fails
// and is reported by the caller as a best-effort miss.
//
// Note on driver registration:
//   - This package does NOT blank-import a SQL Server driver. The application
//     registers "sqlserver" elsewhere (see internal/storage/all).
type Repo struct {
	db      dbConn
	ceiling int
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver, and
// validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, storage.Unavailable("mssql", err)
	}
	raw.SetMaxOpenConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, storage.Unavailable("mssql", err)
	}
	return newRepo(&sqlDB{db: raw}, cfg.Ceiling), nil
}

func newRepo(db dbConn, ceiling int) *Repo {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Repo{db: db, ceiling: ceiling}
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) Kind() string { return "mssql" }

func (r *Repo) Ceiling() int { return r.ceiling }

const createMetadataSQL = `IF OBJECT_ID(N'import_metadata', N'U') IS NULL
CREATE TABLE [import_metadata] (
	[table_name] NVARCHAR(256) NOT NULL UNIQUE,
	[source_file] NVARCHAR(MAX) NOT NULL,
	[row_count] BIGINT NOT NULL DEFAULT 0,
	[column_count] INT NOT NULL DEFAULT 0,
	[status] NVARCHAR(16) NOT NULL,
	[loader] NVARCHAR(16) NOT NULL,
	[oversized] BIT NOT NULL DEFAULT 0,
	[encoding] NVARCHAR(64) NOT NULL DEFAULT '',
	[lossy] BIT NOT NULL DEFAULT 0,
	[run_id] NVARCHAR(64) NOT NULL DEFAULT '',
	[import_timestamp] DATETIME2 NOT NULL
)`

const createChunksSQL = `IF OBJECT_ID(N'_import_chunks', N'U') IS NULL
CREATE TABLE [_import_chunks] (
	[table_name] NVARCHAR(256) NOT NULL,
	[chunk_index] INT NOT NULL,
	[rows_loaded] BIGINT NOT NULL DEFAULT 0,
	[rows_skipped] BIGINT NOT NULL DEFAULT 0,
	[fingerprint] NVARCHAR(128) NOT NULL,
	[completed_at] DATETIME2 NOT NULL,
	PRIMARY KEY ([table_name], [chunk_index])
)`

func (r *Repo) Prepare(ctx context.Context) error {
	for _, q := range []string{createMetadataSQL, createChunksSQL} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return storage.Unavailable("mssql", err)
		}
	}
	return nil
}

func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if err := r.DropTable(ctx, t.Name); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
	}
	return nil
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+mssqlIdent(table)); err != nil {
		return fmt.Errorf("mssql: drop table %s: %w", table, err)
	}
	return nil
}

// InsertRows splits rows into statements of at most maxValuesRows rows and
// runs them in one transaction.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := storage.CheckCeiling(r.ceiling, len(rows), len(columns)); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for start := 0; start < len(rows); start += maxValuesRows {
		end := min(start+maxValuesRows, len(rows))
		q, args := buildBulkInsertSQL(table, columns, rows[start:end])
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) CreateIndex(ctx context.Context, table, column string) error {
	q := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
		mssqlIdent(storage.IndexName(table, column)), mssqlIdent(table), mssqlIdent(column))
	_, err := r.db.ExecContext(ctx, q)
	return err
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END`, mssqlIdent(table)).Scan(&n)
	return n == 1, err
}

func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	names, err := r.queryStrings(ctx, `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = SCHEMA_NAME()
		ORDER BY TABLE_NAME`)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if !storage.IsBookkeeping(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *Repo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlIdent(table)).Scan(&n)
	return n, err
}

func (r *Repo) ColumnNames(ctx context.Context, table string) ([]string, error) {
	return r.queryStrings(ctx, `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = SCHEMA_NAME() AND TABLE_NAME = @p1
		ORDER BY ORDINAL_POSITION`, table)
}

func (r *Repo) SampleRows(ctx context.Context, table string, limit int) ([][]any, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT TOP (@p1) * FROM "+mssqlIdent(table), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

func (r *Repo) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// upsertMetadataSQL updates the row for @p1 and inserts it when absent.
const upsertMetadataSQL = `UPDATE [import_metadata] SET
	[source_file] = @p2, [row_count] = @p3, [column_count] = @p4, [status] = @p5, [loader] = @p6,
	[oversized] = @p7, [encoding] = @p8, [lossy] = @p9, [run_id] = @p10, [import_timestamp] = @p11
WHERE [table_name] = @p1;
IF @@ROWCOUNT = 0
INSERT INTO [import_metadata]
	([table_name], [source_file], [row_count], [column_count], [status], [loader],
	 [oversized], [encoding], [lossy], [run_id], [import_timestamp])
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11);`

func (r *Repo) MarkImport(ctx context.Context, rec storage.ImportRecord) error {
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, upsertMetadataSQL,
		rec.Table, rec.Source, rec.RowCount, rec.ColumnCount, string(rec.Status), string(rec.Loader),
		rec.Oversized, rec.Encoding, rec.Lossy, rec.RunID, rec.ImportedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mssql: mark import %s: %w", rec.Table, err)
	}
	return nil
}

func (r *Repo) ImportRecords(ctx context.Context) (map[string]storage.ImportRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT [table_name], [source_file], [row_count], [column_count],
		[status], [loader], [oversized], [encoding], [lossy], [run_id], [import_timestamp]
		FROM [import_metadata]`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]storage.ImportRecord{}
	for rows.Next() {
		var (
			rec            storage.ImportRecord
			status, loader string
		)
		if err := rows.Scan(&rec.Table, &rec.Source, &rec.RowCount, &rec.ColumnCount,
			&status, &loader, &rec.Oversized, &rec.Encoding, &rec.Lossy, &rec.RunID, &rec.ImportedAt); err != nil {
			return nil, err
		}
		rec.Status = storage.Status(status)
		rec.Loader = storage.Loader(loader)
		out[rec.Table] = rec
	}
	return out, rows.Err()
}

func (r *Repo) ChunkMarkers(ctx context.Context, table string) ([]storage.ChunkMarker, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT [chunk_index], [rows_loaded], [rows_skipped], [fingerprint], [completed_at]
		FROM [_import_chunks] WHERE [table_name] = @p1 ORDER BY [chunk_index]`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ChunkMarker
	for rows.Next() {
		var m storage.ChunkMarker
		if err := rows.Scan(&m.Index, &m.RowsLoaded, &m.RowsSkipped, &m.Fingerprint, &m.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repo) ResetChunks(ctx context.Context, table string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM [_import_chunks] WHERE [table_name] = @p1`, table)
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

	if _, err := tx.ExecContext(ctx, "INSERT INTO "+mssqlIdent(table)+" SELECT * FROM "+mssqlIdent(staging)); err != nil {
		return fmt.Errorf("mssql: copy chunk %d into %s: %w", m.Index, table, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM [_import_chunks] WHERE [table_name] = @p1 AND [chunk_index] = @p2;
INSERT INTO [_import_chunks] ([table_name], [chunk_index], [rows_loaded], [rows_skipped], [fingerprint], [completed_at])
VALUES (@p1, @p2, @p3, @p4, @p5, @p6);`,
		table, m.Index, m.RowsLoaded, m.RowsSkipped, m.Fingerprint, m.CompletedAt.UTC()); err != nil {
		return fmt.Errorf("mssql: record chunk %d of %s: %w", m.Index, table, err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+mssqlIdent(staging)); err != nil {
		return fmt.Errorf("mssql: drop %s: %w", staging, err)
	}
	return tx.Commit()
}

// rowErrorNumbers are SQL Server error numbers caused by the data in a
// statement rather than by the server.
var rowErrorNumbers = map[int32]bool{
	220:  true, // arithmetic overflow for data type
	232:  true, // arithmetic overflow for type
	241:  true, // conversion failed (date/time)
	242:  true, // out-of-range datetime
	245:  true, // conversion failed
	515:  true, // cannot insert NULL
	547:  true, // constraint conflict
	2601: true, // duplicate key row (unique index)
	2627: true, // unique/primary key violation
	2628: true, // string or binary data would be truncated
	8114: true, // error converting data type
	8115: true, // arithmetic overflow converting
	8152: true, // string or binary data would be truncated (legacy)
}

// sqlErrorNumber is implemented by the driver's error type.
type sqlErrorNumber interface {
	SQLErrorNumber() int32
}

// Classify maps SQL Server error numbers onto storage.ErrorClass. Server
// errors outside rowErrorNumbers (log full, login failed, database offline)
// and broken connections are fatal.
func (r *Repo) Classify(err error) storage.ErrorClass {
	return classify(err)
}

func classify(err error) storage.ErrorClass {
	if c, ok := storage.ClassifyCommon(err); ok {
		return c
	}
	var se sqlErrorNumber
	if errors.As(err, &se) {
		if rowErrorNumbers[se.SQLErrorNumber()] {
			return storage.ClassRow
		}
		return storage.ClassFatal
	}
	var ne net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &ne) {
		return storage.ClassFatal
	}
	return storage.ClassRow
}

func mssqlType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeReal:
		return "FLOAT"
	case storage.TypeBoolean:
		return "BIT"
	default:
		return "NVARCHAR(MAX)"
	}
}

// buildCreateTableSQL renders CREATE TABLE for t. Every column is NULL;
// nullability from inference is informational.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mssql: table %s has no columns", t.Name)
	}

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		defs = append(defs, mssqlIdent(c.Name)+" "+mssqlType(c.Type)+" NULL")
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", mssqlIdent(t.Name), strings.Join(defs, ",\n\t")), nil
}

// buildBulkInsertSQL renders INSERT ... VALUES with @pN placeholders.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn             = (*sqlDB)(nil)
	_ txConn             = (*sql.Tx)(nil)
	_ storage.Repository = (*Repo)(nil)
)
