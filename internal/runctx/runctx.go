// Package runctx carries per-run state through the pipeline: the run id,
// logger, metrics backend and run-wide counters. A Run is created once per
// invocation and never shared between runs.
package runctx

import (
	"sync/atomic"
	"time"

	"csvload/internal/logging"
	"csvload/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run is the state of one import or verify invocation.
type Run struct {
	ID      string
	Started time.Time
	Log     *zap.Logger
	Metrics metrics.Backend

	Counters Counters
}

// Counters are run-wide totals updated concurrently by pipeline stages.
type Counters struct {
	RowsLoaded  atomic.Int64
	RowsSkipped atomic.Int64
	Batches     atomic.Int64
	Bisections  atomic.Int64
	Warnings    atomic.Int64
	Chunks      atomic.Int64
}

// New creates a Run with a fresh id. Nil logger and backend are replaced by
// no-ops.
func New(log *zap.Logger, m metrics.Backend) *Run {
	id := uuid.NewString()
	return &Run{
		ID:      id,
		Started: time.Now(),
		Log:     logging.OrNop(log).With(zap.String("run_id", id)),
		Metrics: metrics.OrNop(m),
	}
}

// Logger returns the run logger tagged with stage.
func (r *Run) Logger(stage string) *zap.Logger {
	if r == nil {
		return zap.NewNop()
	}
	return logging.Stage(r.Log, stage)
}

// Backend returns the run's metrics backend, or Nop for a nil Run.
func (r *Run) Backend() metrics.Backend {
	if r == nil {
		return metrics.Nop{}
	}
	return r.Metrics
}

// AddRows records loaded and skipped rows in both counters and metrics.
func (r *Run) AddRows(loaded, skipped int64) {
	if r == nil {
		return
	}
	r.Counters.RowsLoaded.Add(loaded)
	r.Counters.RowsSkipped.Add(skipped)
	metrics.RecordRows(r.Metrics, "loaded", loaded)
	metrics.RecordRows(r.Metrics, "skipped", skipped)
}

// AddBatch counts one executed insert batch.
func (r *Run) AddBatch() {
	if r == nil {
		return
	}
	r.Counters.Batches.Add(1)
	r.Metrics.IncCounter(metrics.BatchesTotal, 1, nil)
}

// AddBisection counts one split of a failed batch window.
func (r *Run) AddBisection() {
	if r == nil {
		return
	}
	r.Counters.Bisections.Add(1)
	r.Metrics.IncCounter(metrics.BisectionsTotal, 1, nil)
}

// AddChunk counts one chunk with its final status (committed, skipped, failed).
func (r *Run) AddChunk(status string) {
	if r == nil {
		return
	}
	r.Counters.Chunks.Add(1)
	r.Metrics.IncCounter(metrics.ChunksTotal, 1, metrics.Labels{"status": status})
}

// AddWarnings counts recorded warnings.
func (r *Run) AddWarnings(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.Counters.Warnings.Add(n)
}

// Step times fn and records it as a pipeline step. The status label is "ok"
// or "error".
func (r *Run) Step(step string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordStep(r.Backend(), step, status, time.Since(start))
	return err
}

// Elapsed returns time since the run started.
func (r *Run) Elapsed() time.Duration {
	return time.Since(r.Started)
}
