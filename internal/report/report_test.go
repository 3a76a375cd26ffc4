package report

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"csvload/internal/storage"
)

func sampleInput() Input {
	return Input{
		RunID:   "run-1",
		Command: "import",
		Store:   "sqlite",
		Started: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Elapsed: 1500 * time.Millisecond,
		Outcomes: []Outcome{
			{Table: "players", Status: storage.StatusOK, Loader: storage.LoaderBatch, RowsLoaded: 10, WarningCount: 1, Encoding: "utf-8"},
			{Table: "maps", Status: storage.StatusPartial, Loader: storage.LoaderChunked, Oversized: true, RowsLoaded: 5, RowsSkipped: 2, Lossy: true, Encoding: "utf-8-lossy"},
			{Table: "agents", Status: storage.StatusFailed, Error: "boom"},
		},
		Skipped: []SkippedSource{{Path: "x/locked.csv", Reason: "permission denied"}},
	}
}

func TestBuild_Aggregates(t *testing.T) {
	t.Parallel()

	r := Build(sampleInput())

	if r.TablesCreated != 2 || r.TablesOK != 1 || r.TablesPartial != 1 || r.TablesFailed != 1 {
		t.Fatalf("table counts = %+v", r)
	}
	if r.RowsLoaded != 15 || r.RowsSkipped != 2 || r.Warnings != 1 {
		t.Fatalf("row counts = loaded %d skipped %d warnings %d", r.RowsLoaded, r.RowsSkipped, r.Warnings)
	}
	if len(r.LossyTables) != 1 || r.LossyTables[0] != "maps" {
		t.Fatalf("LossyTables = %v", r.LossyTables)
	}
	if len(r.Oversized) != 1 || len(r.FailedTables) != 1 || r.FailedTables[0] != "agents" {
		t.Fatalf("Oversized = %v FailedTables = %v", r.Oversized, r.FailedTables)
	}
	if r.Seconds != 1.5 {
		t.Fatalf("Seconds = %v, want 1.5", r.Seconds)
	}
	if r.OK() {
		t.Fatalf("OK() = true with a failed table")
	}
	if r.Tables[0].Table != "players" || r.Tables[2].Table != "agents" {
		t.Fatalf("Tables must keep input order")
	}
}

func TestBuild_IsPure(t *testing.T) {
	t.Parallel()

	in := sampleInput()
	a := Build(in)
	a.Tables[0].Table = "mutated"
	b := Build(in)
	if b.Tables[0].Table != "players" || in.Outcomes[0].Table != "players" {
		t.Fatalf("Build shares memory with its input")
	}

	empty := Build(Input{})
	if !empty.OK() || empty.LossyTables == nil {
		t.Fatalf("empty report = %+v", empty)
	}
}

func TestOutcome_KeepLimits(t *testing.T) {
	t.Parallel()

	var o Outcome
	for i := 0; i < 5; i++ {
		o.AddWarning("w", 3)
		o.AddRejected(Rejected{Line: i}, 2)
	}
	if o.WarningCount != 5 || len(o.Warnings) != 3 {
		t.Fatalf("warnings = %d kept of %d", len(o.Warnings), o.WarningCount)
	}
	if o.RejectedCount != 5 || len(o.Rejected) != 2 || o.Rejected[1].Line != 1 {
		t.Fatalf("rejected = %+v (%d)", o.Rejected, o.RejectedCount)
	}

	o.Fail(errors.New("store gone"))
	if o.Status != storage.StatusFailed || o.Error != "store gone" {
		t.Fatalf("Fail: %+v", o)
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", DefaultPath("vct.db"))
	r := Build(sampleInput())
	if err := r.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.RunID != "run-1" || len(got.Tables) != 3 || got.Tables[1].RowsSkipped != 2 {
		t.Fatalf("Read = %+v", got)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := Build(sampleInput())
	r.Aborted = "interrupted"
	if err := r.Render(&buf); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"players", "maps", "utf-8-lossy (lossy)", "1 failed", "skipped x/locked.csv", "interrupted"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Render output missing %q:\n%s", want, out)
		}
	}
}
