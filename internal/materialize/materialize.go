// Package materialize creates destination tables and bulk-loads sources into
// them.
//
// Every table is dropped and recreated from its inferred spec on every run.
// Rows are inserted in batches sized so that rows x columns stays strictly
// below the backend's bound-parameter ceiling; a failing batch is bisected
// until the offending rows are isolated and rejected individually.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"csvload/internal/report"
	"csvload/internal/runctx"
	"csvload/internal/storage"
	"csvload/internal/transformer"

	"go.uber.org/zap"
)

var (
	// ErrTableCreate marks a table whose DDL failed.
	ErrTableCreate = errors.New("materialize: table create failed")

	// ErrNothingLoaded marks a table that had rows but loaded none.
	ErrNothingLoaded = errors.New("materialize: no rows loaded")
)

// DefaultIndexColumns are indexed when present, in addition to id and *_id.
var DefaultIndexColumns = []string{
	"tournament", "stage", "match_type", "match_name", "map",
	"player", "team", "agent", "agents", "year", "date",
}

// Options tune loading.
type Options struct {
	BatchRows     int
	IndexColumns  []string
	Nulls         transformer.NullSet
	Keep          int
	ChannelBuffer int
}

// KeepLimit is the number of warnings and rejections kept per table.
func (o Options) KeepLimit() int {
	if o.Keep <= 0 {
		return report.DefaultKeep
	}
	return o.Keep
}

// Materializer loads whole sources through the batch path.
type Materializer struct {
	repo storage.Repository
	run  *runctx.Run
	opts Options
}

// New returns a Materializer writing to repo.
func New(repo storage.Repository, run *runctx.Run, opts Options) *Materializer {
	if opts.BatchRows <= 0 {
		opts.BatchRows = 500
	}
	if opts.IndexColumns == nil {
		opts.IndexColumns = DefaultIndexColumns
	}
	return &Materializer{repo: repo, run: run, opts: opts}
}

// NewOutcome starts the outcome for src.
func NewOutcome(src Source, loader storage.Loader) report.Outcome {
	return report.Outcome{
		Table:    src.Spec.Name,
		Source:   src.File.RelPath,
		Status:   storage.StatusLoading,
		Loader:   loader,
		Encoding: src.Encoding.Name,
		Lossy:    src.Encoding.Lossy,
		Columns:  len(src.Spec.Columns),
	}
}

// ImportRecord returns the import_metadata row for an outcome.
func ImportRecord(o report.Outcome, run *runctx.Run) storage.ImportRecord {
	rec := storage.ImportRecord{
		Table:       o.Table,
		Source:      o.Source,
		RowCount:    o.RowsLoaded,
		ColumnCount: o.Columns,
		Status:      o.Status,
		Loader:      o.Loader,
		Oversized:   o.Oversized,
		Encoding:    o.Encoding,
		Lossy:       o.Lossy,
	}
	if run != nil {
		rec.RunID = run.ID
	}
	return rec
}

// Load materializes src: records it as loading, recreates the table, streams
// every row through a Loader, builds indexes and records the final status.
//
// The returned error is non-nil only for fatal conditions (store unavailable,
// cancellation); the table is then left marked as loading. All other
// failures are reported in the outcome.
func (m *Materializer) Load(ctx context.Context, src Source) (out report.Outcome, err error) {
	started := time.Now()
	log := m.run.Logger("load").With(zap.String("table", src.Spec.Name), zap.String("source", src.File.RelPath))

	out = NewOutcome(src, storage.LoaderBatch)
	defer func() { out.Seconds = time.Since(started).Seconds() }()

	if err := m.repo.MarkImport(ctx, ImportRecord(out, m.run)); err != nil {
		out.Fail(err)
		if IsFatal(m.repo, err) {
			return out, fmt.Errorf("load %s: %w", src.Spec.Name, err)
		}
		return out, nil
	}

	if err := m.repo.CreateTable(ctx, src.Spec); err != nil {
		out.Fail(fmt.Errorf("%w: %w", ErrTableCreate, err))
		log.Error("create table failed", zap.Error(err))
		if IsFatal(m.repo, err) {
			return out, fmt.Errorf("load %s: %w", src.Spec.Name, err)
		}
		return out, m.finish(ctx, &out)
	}

	res, err := StreamInto(ctx, m.run, m.repo, src, src.Spec.Name, m.opts, &out)
	out.RowsLoaded = res.Loaded
	out.RowsSkipped = res.Skipped
	if err != nil {
		out.Fail(err)
		if IsFatal(m.repo, err) {
			log.Error("load aborted", zap.Error(err))
			return out, fmt.Errorf("load %s: %w", src.Spec.Name, err)
		}
		log.Error("load failed", zap.Error(err))
		return out, m.finish(ctx, &out)
	}

	SettleStatus(&out, res.Rows)
	if out.Status != storage.StatusFailed {
		for _, w := range CreateIndexes(ctx, m.run, m.repo, src.Spec, m.opts.IndexColumns) {
			out.AddWarning(w, m.opts.KeepLimit())
		}
	}

	log.Info("table loaded",
		zap.String("status", string(out.Status)),
		zap.Int64("rows_loaded", out.RowsLoaded),
		zap.Int64("rows_skipped", out.RowsSkipped),
		zap.Int("batches", res.Batches),
		zap.Int("bisections", res.Bisections),
		zap.Int("warnings", out.WarningCount))
	return out, m.finish(ctx, &out)
}

// StreamInto streams src through a Loader into table and returns after the
// parser has finished. Warnings and rejections are added to out.
func StreamInto(
	ctx context.Context,
	run *runctx.Run,
	repo storage.Repository,
	src Source,
	table string,
	opts Options,
	out *report.Outcome,
) (LoadResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	keep := opts.KeepLimit()
	log := run.Logger("load").With(zap.String("table", table))

	rows, wait, err := Stream(ctx, src, opts.Nulls, opts.ChannelBuffer, func(line int, msg string) {
		mu.Lock()
		out.AddWarning(fmt.Sprintf("line %d: %s", line, msg), keep)
		mu.Unlock()
		run.AddWarnings(1)
		log.Warn("ragged row", zap.Int("line", line), zap.String("detail", msg))
	})
	if err != nil {
		return LoadResult{}, err
	}

	l := &Loader{
		Repo:      repo,
		Run:       run,
		Table:     table,
		Columns:   src.Spec.ColumnNames(),
		BatchRows: opts.BatchRows,
		Comma:     src.Comma,
		OnReject: func(r Rejection) {
			mu.Lock()
			out.AddRejected(report.Rejected{Line: r.Line, Raw: r.Raw, Reason: r.Err.Error()}, keep)
			mu.Unlock()
		},
	}
	res, loadErr := l.LoadRows(ctx, rows)
	if loadErr != nil {
		cancel()
		transformer.Drain(rows)
	}
	parseErr := wait()

	if loadErr != nil {
		return res, loadErr
	}
	if parseErr != nil {
		return res, parseErr
	}
	return res, nil
}

// SettleStatus sets the final status of a load that did not error: failed
// when rows existed but none loaded, partial when any row was rejected, ok
// otherwise. Warnings never change the status.
func SettleStatus(out *report.Outcome, rows int64) {
	switch {
	case rows > 0 && out.RowsLoaded == 0:
		out.Fail(ErrNothingLoaded)
	case out.RowsSkipped > 0:
		out.Status = storage.StatusPartial
	default:
		out.Status = storage.StatusOK
	}
}

// finish records the final status unless ctx is already done.
func (m *Materializer) finish(ctx context.Context, out *report.Outcome) error {
	if ctx.Err() != nil {
		return nil
	}
	if err := m.repo.MarkImport(ctx, ImportRecord(*out, m.run)); err != nil {
		if IsFatal(m.repo, err) {
			return fmt.Errorf("record %s: %w", out.Table, err)
		}
		m.run.Logger("load").Warn("record import status failed", zap.String("table", out.Table), zap.Error(err))
	}
	return nil
}

// IndexTargets returns the columns of spec that get a secondary index: id,
// any *_id column, and any column listed in extra.
func IndexTargets(spec storage.TableSpec, extra []string) []string {
	want := make(map[string]struct{}, len(extra))
	for _, c := range extra {
		want[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	var out []string
	for _, c := range spec.Columns {
		_, listed := want[c.Name]
		if c.Name == "id" || strings.HasSuffix(c.Name, "_id") || listed {
			out = append(out, c.Name)
		}
	}
	return out
}

// CreateIndexes builds the indexes for spec. Failures are logged and
// returned as warnings; they never fail the table.
func CreateIndexes(ctx context.Context, run *runctx.Run, repo storage.Repository, spec storage.TableSpec, extra []string) []string {
	log := run.Logger("index")
	var warnings []string
	for _, col := range IndexTargets(spec, extra) {
		if err := repo.CreateIndex(ctx, spec.Name, col); err != nil {
			log.Warn("index not created", zap.String("table", spec.Name), zap.String("column", col), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("index on %s not created: %v", col, err))
			continue
		}
		log.Debug("index created", zap.String("table", spec.Name), zap.String("column", col))
	}
	return warnings
}
