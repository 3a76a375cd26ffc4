package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"csvload/internal/storage"
)

func openTestRepo(t *testing.T, ceiling int) *Repo {
	t.Helper()

	dsn := "file:" + filepath.ToSlash(filepath.Join(t.TempDir(), "test.db")) + "?_pragma=busy_timeout(5000)"
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn, Ceiling: ceiling})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)

	if err := repo.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return repo.(*Repo)
}

func playersSpec(name string) storage.TableSpec {
	return storage.TableSpec{
		Name: name,
		Columns: []storage.ColumnSpec{
			{Name: "player", Type: storage.TypeText},
			{Name: "kills", Type: storage.TypeInteger},
			{Name: "acs", Type: storage.TypeReal, Nullable: true},
			{Name: "igl", Type: storage.TypeBoolean},
		},
	}
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	ddl, err := buildCreateTableSQL(playersSpec("vct_players"))
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, want := range []string{`CREATE TABLE "vct_players"`, `"kills" INTEGER`, `"acs" REAL`, `"igl" BOOLEAN`, `"player" TEXT`} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q: %s", want, ddl)
		}
	}
	if strings.Contains(ddl, "NOT NULL") {
		t.Fatalf("ddl must not enforce nullability: %s", ddl)
	}

	if _, err := buildCreateTableSQL(storage.TableSpec{Name: " "}); err == nil {
		t.Fatalf("expected error for empty table name")
	}
	if _, err := buildCreateTableSQL(storage.TableSpec{Name: "x"}); err == nil {
		t.Fatalf("expected error for table without columns")
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL(`we"ird`, []string{"a", "b"}, [][]any{{1, "x"}, {2, nil}})
	want := `INSERT INTO "we""ird" ("a", "b") VALUES (?,?), (?,?)`
	if q != want {
		t.Fatalf("buildInsertSQL() = %q, want %q", q, want)
	}
	if len(args) != 4 || args[2] != 2 || args[3] != nil {
		t.Fatalf("args = %#v", args)
	}
}

func TestRepo_CreateInsertRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t, 0)

	spec := playersSpec("vct_players")
	if err := r.CreateTable(ctx, spec); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	rows := [][]any{
		{"TenZ", int64(20), 250.5, true},
		{"Sova main", int64(11), nil, false},
	}
	n, err := r.InsertRows(ctx, spec.Name, spec.ColumnNames(), rows)
	if err != nil || n != 2 {
		t.Fatalf("InsertRows = (%d, %v), want (2, nil)", n, err)
	}

	// CreateTable is drop-and-recreate.
	if err := r.CreateTable(ctx, spec); err != nil {
		t.Fatalf("CreateTable again: %v", err)
	}
	if got, _ := r.CountRows(ctx, spec.Name); got != 0 {
		t.Fatalf("CountRows after recreate = %d, want 0", got)
	}
	if _, err := r.InsertRows(ctx, spec.Name, spec.ColumnNames(), rows); err != nil {
		t.Fatalf("InsertRows: %v", err)
	}

	cols, err := r.ColumnNames(ctx, spec.Name)
	if err != nil || strings.Join(cols, ",") != "player,kills,acs,igl" {
		t.Fatalf("ColumnNames = %v, %v", cols, err)
	}
	sample, err := r.SampleRows(ctx, spec.Name, 1)
	if err != nil || len(sample) != 1 {
		t.Fatalf("SampleRows = %v, %v", sample, err)
	}
	if got := storage.FormatValue(sample[0][0]); got != "TenZ" {
		t.Fatalf("sample player = %q", got)
	}

	if err := r.CreateIndex(ctx, spec.Name, "player"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := r.CreateIndex(ctx, spec.Name, "missing"); err == nil {
		t.Fatalf("CreateIndex on missing column should fail")
	}

	ok, err := r.TableExists(ctx, spec.Name)
	if err != nil || !ok {
		t.Fatalf("TableExists = %v, %v", ok, err)
	}
	ok, err = r.TableExists(ctx, "nope")
	if err != nil || ok {
		t.Fatalf("TableExists(nope) = %v, %v", ok, err)
	}

	tables, err := r.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 1 || tables[0] != spec.Name {
		t.Fatalf("ListTables = %v, want only %s", tables, spec.Name)
	}
}

func TestRepo_InsertRowsRespectsCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t, 8)

	spec := playersSpec("t")
	if err := r.CreateTable(ctx, spec); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	two := [][]any{{"a", 1, 1.0, true}, {"b", 2, 2.0, false}}
	if _, err := r.InsertRows(ctx, "t", spec.ColumnNames(), two); !errors.Is(err, storage.ErrCeilingExceeded) {
		t.Fatalf("InsertRows(8 params, ceiling 8) = %v, want ErrCeilingExceeded", err)
	}
	if n, _ := r.CountRows(ctx, "t"); n != 0 {
		t.Fatalf("rows written despite ceiling: %d", n)
	}
	if _, err := r.InsertRows(ctx, "t", spec.ColumnNames(), two[:1]); err != nil {
		t.Fatalf("InsertRows(4 params) = %v", err)
	}
}

func TestRepo_Classify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t, 0)

	if _, err := r.db.ExecContext(ctx, `CREATE TABLE strict_t ("id" INTEGER NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	_, err := r.InsertRows(ctx, "strict_t", []string{"id"}, [][]any{{nil}})
	if err == nil {
		t.Fatalf("expected NOT NULL violation")
	}
	if got := r.Classify(err); got != storage.ClassRow {
		t.Fatalf("Classify(constraint) = %s, want row", got)
	}
	if got := r.Classify(context.Canceled); got != storage.ClassFatal {
		t.Fatalf("Classify(canceled) = %s, want fatal", got)
	}
	if got := r.Classify(errors.New("driver: unsupported type")); got != storage.ClassRow {
		t.Fatalf("Classify(plain) = %s, want row", got)
	}
}

func TestRepo_ImportMetadataUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t, 0)

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := storage.ImportRecord{
		Table: "maps", Source: "maps.csv", Status: storage.StatusLoading,
		Loader: storage.LoaderChunked, Oversized: true, Encoding: "utf-8", RunID: "r1", ImportedAt: at,
	}
	if err := r.MarkImport(ctx, rec); err != nil {
		t.Fatalf("MarkImport: %v", err)
	}
	rec.Status = storage.StatusPartial
	rec.RowCount = 99
	rec.ColumnCount = 4
	rec.Lossy = true
	if err := r.MarkImport(ctx, rec); err != nil {
		t.Fatalf("MarkImport update: %v", err)
	}

	got, err := r.ImportRecords(ctx)
	if err != nil {
		t.Fatalf("ImportRecords: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ImportRecords len = %d, want 1", len(got))
	}
	m := got["maps"]
	if m.Status != storage.StatusPartial || m.RowCount != 99 || !m.Oversized || !m.Lossy || m.Loader != storage.LoaderChunked {
		t.Fatalf("record = %+v", m)
	}
	if !m.ImportedAt.Equal(at) {
		t.Fatalf("ImportedAt = %v, want %v", m.ImportedAt, at)
	}
}

func TestRepo_CommitChunk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := openTestRepo(t, 0)

	spec := playersSpec("big")
	staging := spec
	staging.Name = storage.StagingTable("big")
	for _, s := range []storage.TableSpec{spec, staging} {
		if err := r.CreateTable(ctx, s); err != nil {
			t.Fatalf("CreateTable(%s): %v", s.Name, err)
		}
	}
	if _, err := r.InsertRows(ctx, staging.Name, staging.ColumnNames(), [][]any{{"a", 1, 1.0, true}, {"b", 2, 2.0, false}}); err != nil {
		t.Fatalf("InsertRows staging: %v", err)
	}

	if err := r.CommitChunk(ctx, "big", storage.ChunkMarker{Index: 0, RowsLoaded: 2, Fingerprint: "10:1:64"}); err != nil {
		t.Fatalf("CommitChunk: %v", err)
	}

	if n, _ := r.CountRows(ctx, "big"); n != 2 {
		t.Fatalf("rows after commit = %d, want 2", n)
	}
	if ok, _ := r.TableExists(ctx, staging.Name); ok {
		t.Fatalf("staging table not dropped")
	}
	markers, err := r.ChunkMarkers(ctx, "big")
	if err != nil || len(markers) != 1 || markers[0].Fingerprint != "10:1:64" || markers[0].RowsLoaded != 2 {
		t.Fatalf("ChunkMarkers = %+v, %v", markers, err)
	}

	// A failed commit (no staging table) leaves the marker set unchanged.
	if err := r.CommitChunk(ctx, "big", storage.ChunkMarker{Index: 1, Fingerprint: "10:1:64"}); err == nil {
		t.Fatalf("CommitChunk without staging should fail")
	}
	if markers, _ := r.ChunkMarkers(ctx, "big"); len(markers) != 1 {
		t.Fatalf("markers after failed commit = %d, want 1", len(markers))
	}

	if err := r.ResetChunks(ctx, "big"); err != nil {
		t.Fatalf("ResetChunks: %v", err)
	}
	if markers, _ := r.ChunkMarkers(ctx, "big"); len(markers) != 0 {
		t.Fatalf("markers after reset = %d, want 0", len(markers))
	}
}

func TestNew_UnavailableStore(t *testing.T) {
	t.Parallel()

	dsn := "file:" + filepath.ToSlash(filepath.Join(t.TempDir(), "missing", "dir", "x.db"))
	_, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if !errors.Is(err, storage.ErrStoreUnavailable) {
		t.Fatalf("New(bad path) = %v, want ErrStoreUnavailable", err)
	}
}
