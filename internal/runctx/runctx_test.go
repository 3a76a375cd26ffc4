package runctx

import (
	"errors"
	"testing"

	"csvload/internal/metrics"

	"go.uber.org/zap/zaptest"
)

func TestNew_AssignsUniqueIDs(t *testing.T) {
	t.Parallel()

	a := New(nil, nil)
	b := New(zaptest.NewLogger(t), nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids = %q, %q; want distinct non-empty", a.ID, b.ID)
	}
	if _, ok := a.Metrics.(metrics.Nop); !ok {
		t.Fatalf("nil backend not replaced with Nop")
	}
}

func TestCounters_FeedMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.NewMemory()
	r := New(nil, m)
	r.AddRows(10, 2)
	r.AddRows(5, 0)
	r.AddBatch()
	r.AddBisection()
	r.AddChunk("committed")
	r.AddWarnings(3)

	if got := r.Counters.RowsLoaded.Load(); got != 15 {
		t.Fatalf("RowsLoaded = %d, want 15", got)
	}
	if got := r.Counters.RowsSkipped.Load(); got != 2 {
		t.Fatalf("RowsSkipped = %d, want 2", got)
	}
	if got := m.Counter(metrics.RowsTotal, metrics.Labels{"kind": "loaded"}); got != 15 {
		t.Fatalf("rows loaded metric = %v, want 15", got)
	}
	if got := m.Counter(metrics.ChunksTotal, metrics.Labels{"status": "committed"}); got != 1 {
		t.Fatalf("chunks metric = %v, want 1", got)
	}
	if got := r.Counters.Warnings.Load(); got != 3 {
		t.Fatalf("Warnings = %d, want 3", got)
	}
}

func TestStep_RecordsStatus(t *testing.T) {
	t.Parallel()

	m := metrics.NewMemory()
	r := New(nil, m)
	boom := errors.New("boom")

	if err := r.Step("scan", func() error { return nil }); err != nil {
		t.Fatalf("Step ok = %v", err)
	}
	if err := r.Step("scan", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Step err = %v, want boom", err)
	}
	if got := m.Counter(metrics.StepTotal, metrics.Labels{"step": "scan", "status": "error"}); got != 1 {
		t.Fatalf("error steps = %v, want 1", got)
	}
}

func TestNilRun_IsSafe(t *testing.T) {
	t.Parallel()

	var r *Run
	r.AddRows(1, 1)
	r.AddBatch()
	r.AddBisection()
	r.AddChunk("x")
	r.Logger("load").Info("ok")
	_ = r.Step("x", func() error { return nil })
}
