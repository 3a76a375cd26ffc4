package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"csvload/internal/storage"
)

// DefaultCeiling is the wire protocol limit on bind parameters (uint16).
const DefaultCeiling = 65535

/*
Repo implements storage.Repository for Postgres.

Tables live in the connection's current schema (search_path). Every write
runs in its own transaction taken from the pool; the pipeline uses one writer
so the pool rarely holds more than one busy connection.
*/
type Repo struct {
	pool    *pgxpool.Pool
	ceiling int
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pool for cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, storage.Unavailable("postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.Unavailable("postgres", err)
	}

	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Repo{pool: pool, ceiling: ceiling}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) Kind() string { return "postgres" }

func (r *Repo) Ceiling() int { return r.ceiling }

const createMetadataSQL = `CREATE TABLE IF NOT EXISTS "import_metadata" (
	"table_name" TEXT NOT NULL UNIQUE,
	"source_file" TEXT NOT NULL,
	"row_count" BIGINT NOT NULL DEFAULT 0,
	"column_count" INTEGER NOT NULL DEFAULT 0,
	"status" TEXT NOT NULL,
	"loader" TEXT NOT NULL,
	"oversized" SMALLINT NOT NULL DEFAULT 0,
	"encoding" TEXT NOT NULL DEFAULT '',
	"lossy" SMALLINT NOT NULL DEFAULT 0,
	"run_id" TEXT NOT NULL DEFAULT '',
	"import_timestamp" TIMESTAMPTZ NOT NULL
)`

const createChunksSQL = `CREATE TABLE IF NOT EXISTS "_import_chunks" (
	"table_name" TEXT NOT NULL,
	"chunk_index" INTEGER NOT NULL,
	"rows_loaded" BIGINT NOT NULL DEFAULT 0,
	"rows_skipped" BIGINT NOT NULL DEFAULT 0,
	"fingerprint" TEXT NOT NULL,
	"completed_at" TIMESTAMPTZ NOT NULL,
	PRIMARY KEY ("table_name", "chunk_index")
)`

func (r *Repo) Prepare(ctx context.Context) error {
	for _, q := range []string{createMetadataSQL, createChunksSQL} {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return storage.Unavailable("postgres", err)
		}
	}
	return nil
}

func (r *Repo) CreateTable(ctx context.Context, t storage.TableSpec) error {
	ddl, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(t.Name)); err != nil {
		return fmt.Errorf("postgres: drop table %s: %w", t.Name, err)
	}
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
	}
	return tx.Commit(ctx)
}

func (r *Repo) DropTable(ctx context.Context, table string) error {
	if _, err := r.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgIdent(table)); err != nil {
		return fmt.Errorf("postgres: drop table %s: %w", table, err)
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

	sql, args := buildInsertSQL(table, columns, rows)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cmd, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *Repo) CreateIndex(ctx context.Context, table, column string) error {
	q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgIdent(storage.IndexName(table, column)), pgIdent(table), pgIdent(column))
	_, err := r.pool.Exec(ctx, q)
	return err
}

func (r *Repo) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1)`, table).Scan(&ok)
	return ok, err
}

func (r *Repo) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
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
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgIdent(table)).Scan(&n)
	return n, err
}

func (r *Repo) ColumnNames(ctx context.Context, table string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *Repo) SampleRows(ctx context.Context, table string, limit int) ([][]any, error) {
	rows, err := r.pool.Query(ctx, "SELECT * FROM "+pgIdent(table)+" LIMIT $1", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

const upsertMetadataSQL = `INSERT INTO "import_metadata"
	("table_name", "source_file", "row_count", "column_count", "status", "loader",
	 "oversized", "encoding", "lossy", "run_id", "import_timestamp")
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT ("table_name") DO UPDATE SET
	"source_file" = EXCLUDED."source_file",
	"row_count" = EXCLUDED."row_count",
	"column_count" = EXCLUDED."column_count",
	"status" = EXCLUDED."status",
	"loader" = EXCLUDED."loader",
	"oversized" = EXCLUDED."oversized",
	"encoding" = EXCLUDED."encoding",
	"lossy" = EXCLUDED."lossy",
	"run_id" = EXCLUDED."run_id",
	"import_timestamp" = EXCLUDED."import_timestamp"`

func (r *Repo) MarkImport(ctx context.Context, rec storage.ImportRecord) error {
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, upsertMetadataSQL,
		rec.Table, rec.Source, rec.RowCount, rec.ColumnCount, string(rec.Status), string(rec.Loader),
		boolInt(rec.Oversized), rec.Encoding, boolInt(rec.Lossy), rec.RunID, rec.ImportedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark import %s: %w", rec.Table, err)
	}
	return nil
}

func (r *Repo) ImportRecords(ctx context.Context) (map[string]storage.ImportRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT "table_name", "source_file", "row_count", "column_count",
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
			oversized, lossy int16
		)
		if err := rows.Scan(&rec.Table, &rec.Source, &rec.RowCount, &rec.ColumnCount,
			&status, &loader, &oversized, &rec.Encoding, &lossy, &rec.RunID, &rec.ImportedAt); err != nil {
			return nil, err
		}
		rec.Status = storage.Status(status)
		rec.Loader = storage.Loader(loader)
		rec.Oversized = oversized != 0
		rec.Lossy = lossy != 0
		out[rec.Table] = rec
	}
	return out, rows.Err()
}

func (r *Repo) ChunkMarkers(ctx context.Context, table string) ([]storage.ChunkMarker, error) {
	rows, err := r.pool.Query(ctx, `SELECT "chunk_index", "rows_loaded", "rows_skipped", "fingerprint", "completed_at"
		FROM "_import_chunks" WHERE "table_name" = $1 ORDER BY "chunk_index"`, table)
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
	_, err := r.pool.Exec(ctx, `DELETE FROM "_import_chunks" WHERE "table_name" = $1`, table)
	return err
}

func (r *Repo) CommitChunk(ctx context.Context, table string, m storage.ChunkMarker) error {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now()
	}
	staging := storage.StagingTable(table)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "INSERT INTO "+pgIdent(table)+" SELECT * FROM "+pgIdent(staging)); err != nil {
		return fmt.Errorf("postgres: copy chunk %d into %s: %w", m.Index, table, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO "_import_chunks"
		("table_name", "chunk_index", "rows_loaded", "rows_skipped", "fingerprint", "completed_at")
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ("table_name", "chunk_index") DO UPDATE SET
			"rows_loaded" = EXCLUDED."rows_loaded",
			"rows_skipped" = EXCLUDED."rows_skipped",
			"fingerprint" = EXCLUDED."fingerprint",
			"completed_at" = EXCLUDED."completed_at"`,
		table, m.Index, m.RowsLoaded, m.RowsSkipped, m.Fingerprint, m.CompletedAt.UTC()); err != nil {
		return fmt.Errorf("postgres: record chunk %d of %s: %w", m.Index, table, err)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE "+pgIdent(staging)); err != nil {
		return fmt.Errorf("postgres: drop %s: %w", staging, err)
	}
	return tx.Commit(ctx)
}

// Classify maps SQLSTATE classes onto storage.ErrorClass:
//   - 22 (data exception) and 23 (integrity constraint) are row-class;
//   - 08 (connection), 53 (resources), 57 (operator intervention),
//     58 (system error) and XX (internal) are fatal;
//   - connection and timeout errors raised by pgconn are fatal.
func (r *Repo) Classify(err error) storage.ErrorClass {
	return classify(err)
}

func classify(err error) storage.ErrorClass {
	if c, ok := storage.ClassifyCommon(err); ok {
		return c
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return storage.ClassRow
		}
		switch pgErr.Code[:2] {
		case "08", "53", "57", "58", "XX":
			return storage.ClassFatal
		default:
			return storage.ClassRow
		}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return storage.ClassFatal
	}
	return storage.ClassRow
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func pgType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInteger:
		return "BIGINT"
	case storage.TypeReal:
		return "DOUBLE PRECISION"
	case storage.TypeBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// buildCreateTableSQL renders CREATE TABLE for t. Nullability is
// informational only and is not enforced.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}

	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		defs = append(defs, pgIdent(c.Name)+" "+pgType(c.Type))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", pgIdent(t.Name), strings.Join(defs, ",\n\t")), nil
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// It is pure so placeholder numbering can be tested without a database.
// Every row must have len(columns) values.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

func boolInt(b bool) int16 {
	if b {
		return 1
	}
	return 0
}

var _ storage.Repository = (*Repo)(nil)
