package materialize

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"csvload/internal/catalog"
	"csvload/internal/metrics"
	"csvload/internal/probe"
	"csvload/internal/runctx"
	"csvload/internal/storage"
	"csvload/internal/storage/sqlite"
	"csvload/internal/textenc"
	"csvload/internal/transformer"

	"go.uber.org/zap/zaptest"
)

var errBadRow = errors.New("test: value rejected")

// faultyRepo rejects any statement containing a value in bad and records
// the size of every statement it sees.
type faultyRepo struct {
	storage.Repository

	mu       sync.Mutex
	bad      map[string]bool
	fatal    error
	maxParam int
	stmts    int
}

func (f *faultyRepo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	f.mu.Lock()
	f.stmts++
	if p := len(rows) * len(columns); p > f.maxParam {
		f.maxParam = p
	}
	fatal := f.fatal
	f.mu.Unlock()

	if fatal != nil {
		return 0, fatal
	}
	for _, r := range rows {
		for _, v := range r {
			if s, ok := v.(string); ok && f.bad[s] {
				return 0, errBadRow
			}
		}
	}
	return f.Repository.InsertRows(ctx, table, columns, rows)
}

func openRepo(t *testing.T, ceiling int) storage.Repository {
	t.Helper()
	dsn := "file:" + filepath.ToSlash(filepath.Join(t.TempDir(), "test.db")) + "?_pragma=busy_timeout(5000)"
	repo, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn, Ceiling: ceiling})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return repo
}

func newRun(t *testing.T) (*runctx.Run, *metrics.Memory) {
	t.Helper()
	m := metrics.NewMemory()
	return runctx.New(zaptest.NewLogger(t), m), m
}

func makeSource(t *testing.T, table, content string) Source {
	t.Helper()

	path := filepath.Join(t.TempDir(), table+".csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	fi, _ := os.Stat(path)

	r, _ := textenc.NewResolver(nil)
	res, err := r.Resolve(func() (io.ReadCloser, error) { return os.Open(path) })
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f, _ := os.Open(path)
	defer f.Close()
	inf, err := probe.Infer(context.Background(), res.NewReader(f), probe.Options{})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	return Source{
		File:     catalog.SourceFile{Path: path, RelPath: table + ".csv", Table: table, Size: fi.Size(), ModTime: fi.ModTime()},
		Encoding: res,
		Comma:    ',',
		Spec:     inf.Spec(table),
	}
}

func TestLoad_ThreeByFiveWithEmptyValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openRepo(t, 0)
	run, m := newRun(t)

	src := makeSource(t, "players", "player,kills,rating\nTenZ,20,1.2\nSova,,0.9\nJett,5,1.0\nOmen,7,0.5\nSage,3,1\n")
	if !src.Spec.Columns[1].Nullable {
		t.Fatalf("kills must be nullable")
	}

	out, err := New(repo, run, Options{}).Load(ctx, src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Status != storage.StatusOK || out.RowsLoaded != 5 || out.RowsSkipped != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if n, _ := repo.CountRows(ctx, "players"); n != 5 {
		t.Fatalf("CountRows = %d, want 5", n)
	}
	recs, _ := repo.ImportRecords(ctx)
	if rec := recs["players"]; rec.Status != storage.StatusOK || rec.RowCount != 5 || rec.RunID != run.ID || rec.Loader != storage.LoaderBatch {
		t.Fatalf("import record = %+v", rec)
	}
	if got := m.Counter(metrics.RowsTotal, metrics.Labels{"kind": "loaded"}); got != 5 {
		t.Fatalf("rows metric = %v, want 5", got)
	}
}

func TestLoad_LongRowIsTruncatedWithWarning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openRepo(t, 0)
	run, _ := newRun(t)

	src := makeSource(t, "maps", "a,b,c,d\n1,2,3,4\n5,6,7,8\n9,10,11,12,13\n14,15,16,17\n18,19,20,21\n")
	out, err := New(repo, run, Options{}).Load(ctx, src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Status != storage.StatusOK || out.RowsLoaded != 5 || out.WarningCount != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Warnings[0], "line 4") {
		t.Fatalf("warning = %q", out.Warnings[0])
	}
}

func TestLoad_BisectionIsolatesBadRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := openRepo(t, 0)
	repo := &faultyRepo{Repository: base, bad: map[string]bool{"bad3": true, "bad7": true}}
	run, m := newRun(t)

	var b strings.Builder
	b.WriteString("id,name\n")
	names := []string{"a", "b", "bad3", "d", "e", "f", "bad7", "h", "i", "j"}
	for i, n := range names {
		b.WriteString(strconv.Itoa(i) + "," + n)
		b.WriteString("\n")
	}
	src := makeSource(t, "t", b.String())

	out, err := New(repo, run, Options{BatchRows: 10}).Load(ctx, src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Status != storage.StatusPartial || out.RowsLoaded != 8 || out.RowsSkipped != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.RejectedCount != 2 || out.Rejected[0].Line != 4 || out.Rejected[1].Line != 8 {
		t.Fatalf("rejected = %+v", out.Rejected)
	}
	if out.Rejected[0].Raw != "2,bad3" {
		t.Fatalf("raw = %q", out.Rejected[0].Raw)
	}
	if n, _ := base.CountRows(ctx, "t"); n != 8 {
		t.Fatalf("CountRows = %d, want 8", n)
	}
	if m.Counter(metrics.BisectionsTotal, nil) == 0 {
		t.Fatalf("bisections not recorded")
	}
}

func TestLoad_CeilingInvariant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := openRepo(t, 10)
	repo := &faultyRepo{Repository: base, bad: map[string]bool{"x": true}}
	run, _ := newRun(t)

	var b strings.Builder
	b.WriteString("a,b,c\n")
	for i := 0; i < 40; i++ {
		if i == 17 {
			b.WriteString("x,x,x\n")
			continue
		}
		b.WriteString("1,2,3\n")
	}
	src := makeSource(t, "t", b.String())

	out, err := New(repo, run, Options{BatchRows: 500}).Load(ctx, src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if repo.maxParam >= 10 {
		t.Fatalf("a statement carried %d parameters, ceiling is 10", repo.maxParam)
	}
	if out.RowsLoaded != 39 || out.RowsSkipped != 1 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestLoad_BatchOverflowFailsTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openRepo(t, 3)
	run, _ := newRun(t)

	src := makeSource(t, "wide", "a,b,c\n1,2,3\n")
	out, err := New(repo, run, Options{}).Load(ctx, src)
	if err != nil {
		t.Fatalf("Load returned fatal error for overflow: %v", err)
	}
	if out.Status != storage.StatusFailed || !strings.Contains(out.Error, "ceiling") {
		t.Fatalf("outcome = %+v", out)
	}
	recs, _ := repo.ImportRecords(ctx)
	if recs["wide"].Status != storage.StatusFailed {
		t.Fatalf("metadata status = %s, want failed", recs["wide"].Status)
	}
}

func TestLoad_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openRepo(t, 0)
	run, _ := newRun(t)
	src := makeSource(t, "t", "a,b\n1,x\n2,y\n3,z\n")

	mat := New(repo, run, Options{})
	for i := 0; i < 3; i++ {
		if _, err := mat.Load(ctx, src); err != nil {
			t.Fatalf("Load #%d: %v", i, err)
		}
	}
	if n, _ := repo.CountRows(ctx, "t"); n != 3 {
		t.Fatalf("CountRows after reruns = %d, want 3", n)
	}
}

func TestLoad_FatalLeavesLoading(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := openRepo(t, 0)
	repo := &faultyRepo{Repository: base, fatal: storage.Unavailable("sqlite", errors.New("disk I/O error"))}
	run, _ := newRun(t)

	src := makeSource(t, "t", "a\n1\n2\n")
	out, err := New(repo, run, Options{}).Load(ctx, src)
	if !errors.Is(err, storage.ErrStoreUnavailable) {
		t.Fatalf("Load = %v, want ErrStoreUnavailable", err)
	}
	if out.Status != storage.StatusFailed {
		t.Fatalf("outcome status = %s, want failed", out.Status)
	}
	recs, _ := base.ImportRecords(ctx)
	if recs["t"].Status != storage.StatusLoading {
		t.Fatalf("metadata status = %s, want loading", recs["t"].Status)
	}
}

func TestLoad_AllRowsRejectedFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := &faultyRepo{Repository: openRepo(t, 0), bad: map[string]bool{"x": true, "y": true}}
	run, _ := newRun(t)

	src := makeSource(t, "t", "a\nx\ny\n")
	out, err := New(repo, run, Options{}).Load(ctx, src)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Status != storage.StatusFailed || out.RowsSkipped != 2 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestLoad_Canceled(t *testing.T) {
	t.Parallel()
	repo := openRepo(t, 0)
	run, _ := newRun(t)
	src := makeSource(t, "t", "a\n1\n2\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(repo, run, Options{}).Load(ctx, src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Load(canceled) = %v, want context.Canceled", err)
	}
}

func TestLoadRows_EmptyInput(t *testing.T) {
	t.Parallel()
	repo := openRepo(t, 0)
	run, _ := newRun(t)

	in := make(chan *transformer.Row)
	close(in)
	l := &Loader{Repo: repo, Run: run, Table: "t", Columns: []string{"a"}, BatchRows: 10}
	res, err := l.LoadRows(context.Background(), in)
	if err != nil || res.Rows != 0 || res.Batches != 0 {
		t.Fatalf("LoadRows(empty) = %+v, %v", res, err)
	}
}

func TestLoadRows_MalformedRowIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openRepo(t, 0)
	run, _ := newRun(t)

	spec := storage.TableSpec{Name: "t", Columns: []storage.ColumnSpec{{Name: "a", Type: storage.TypeText}}}
	if err := repo.CreateTable(ctx, spec); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	in := make(chan *transformer.Row, 3)
	for i, v := range []string{"x", "", "y"} {
		r := transformer.GetRow(1)
		r.Line = i + 2
		if v == "" {
			r.Raw = `"broken`
			r.Err = errors.New("extraneous or missing \" in quoted-field")
		} else {
			r.Src[0], r.V[0] = v, v
		}
		in <- r
	}
	close(in)

	var rejected []Rejection
	l := &Loader{Repo: repo, Run: run, Table: "t", Columns: []string{"a"}, BatchRows: 10,
		OnReject: func(r Rejection) { rejected = append(rejected, r) }}
	res, err := l.LoadRows(ctx, in)
	if err != nil {
		t.Fatalf("LoadRows: %v", err)
	}
	if res.Rows != 3 || res.Loaded != 2 || res.Skipped != 1 || res.Batches != 1 {
		t.Fatalf("LoadRows = %+v", res)
	}
	if len(rejected) != 1 || rejected[0].Line != 3 || rejected[0].Raw != `"broken` {
		t.Fatalf("rejected = %+v", rejected)
	}
	if n, _ := repo.CountRows(ctx, "t"); n != 2 {
		t.Fatalf("CountRows = %d, want 2", n)
	}
}

func TestIndexTargets(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{Columns: []storage.ColumnSpec{
		{Name: "id"}, {Name: "match_id"}, {Name: "player"}, {Name: "kills"}, {Name: "valid"},
	}}
	got := IndexTargets(spec, []string{"Player"})
	if strings.Join(got, ",") != "id,match_id,player" {
		t.Fatalf("IndexTargets = %v", got)
	}
}

func TestLoad_CreatesIndexes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := openRepo(t, 0)
	run, _ := newRun(t)

	src := makeSource(t, "t", "id,player,kills\n1,a,2\n")
	out, err := New(repo, run, Options{}).Load(ctx, src)
	if err != nil || out.WarningCount != 0 {
		t.Fatalf("Load = %+v, %v", out, err)
	}
	// Re-creating is a no-op; a missing column is only a warning.
	spec := src.Spec
	spec.Columns = append(append([]storage.ColumnSpec(nil), spec.Columns...), storage.ColumnSpec{Name: "ghost_id"})
	warns := CreateIndexes(ctx, run, repo, spec, DefaultIndexColumns)
	if len(warns) != 1 || !strings.Contains(warns[0], "ghost_id") {
		t.Fatalf("CreateIndexes warnings = %v, want one for ghost_id", warns)
	}
}
