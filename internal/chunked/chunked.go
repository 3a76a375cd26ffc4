// Package chunked loads oversized sources in resumable chunks.
//
// A source is split into sequential chunks of roughly Options.ChunkBytes of
// decoded input. Each chunk is loaded into a staging table and committed to
// the destination table in one transaction together with its marker row in
// _import_chunks. When a previous attempt at the same, unchanged source did
// not finish, chunks that already have a marker are read past and not
// loaded again.
package chunked

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"csvload/internal/catalog"
	"csvload/internal/materialize"
	"csvload/internal/probe"
	"csvload/internal/report"
	"csvload/internal/runctx"
	"csvload/internal/storage"
	"csvload/internal/transformer"

	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultChunkBytes = 16 << 20
	DefaultMaxBatches = 2000
)

// ProjectedBatches estimates how many insert statements a source of size
// bytes needs at batchRows rows per statement.
func ProjectedBatches(size int64, avgRowBytes float64, batchRows int) int64 {
	if avgRowBytes <= 0 || batchRows <= 0 || size <= 0 {
		return 0
	}
	rows := float64(size) / avgRowBytes
	return int64(math.Ceil(rows / float64(batchRows)))
}

// NeedsChunking reports whether a source is oversized: its projected batch
// count exceeds maxBatches.
func NeedsChunking(size int64, avgRowBytes float64, batchRows, maxBatches int) bool {
	if maxBatches <= 0 {
		maxBatches = DefaultMaxBatches
	}
	return ProjectedBatches(size, avgRowBytes, batchRows) > int64(maxBatches)
}

// Fingerprint identifies a source version together with the chunk budget
// that produced its chunk boundaries.
func Fingerprint(f catalog.SourceFile, chunkBytes int64) string {
	return fmt.Sprintf("%d:%d:%d", f.Size, f.ModTime.UnixNano(), chunkBytes)
}

// Options tune chunked loading.
type Options struct {
	materialize.Options
	ChunkBytes int64
}

// Loader runs chunked loads against one store.
type Loader struct {
	repo storage.Repository
	run  *runctx.Run
	opts Options
}

// New returns a Loader writing to repo.
func New(repo storage.Repository, run *runctx.Run, opts Options) *Loader {
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = DefaultChunkBytes
	}
	if opts.BatchRows <= 0 {
		opts.BatchRows = 500
	}
	if opts.IndexColumns == nil {
		opts.IndexColumns = materialize.DefaultIndexColumns
	}
	return &Loader{repo: repo, run: run, opts: opts}
}

// resumePoint returns the committed chunks of a previous unfinished attempt
// at the same source, or nil when the table must be rebuilt.
func (l *Loader) resumePoint(ctx context.Context, spec storage.TableSpec, fp string) (map[int]storage.ChunkMarker, error) {
	recs, err := l.repo.ImportRecords(ctx)
	if err != nil {
		return nil, err
	}
	prev, ok := recs[spec.Name]
	if !ok || prev.Status.Complete() || prev.Loader != storage.LoaderChunked {
		return nil, nil
	}
	if exists, err := l.repo.TableExists(ctx, spec.Name); err != nil || !exists {
		return nil, err
	}
	cols, err := l.repo.ColumnNames(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(cols, spec.ColumnNames()) {
		return nil, nil
	}
	markers, err := l.repo.ChunkMarkers(ctx, spec.Name)
	if err != nil || len(markers) == 0 {
		return nil, err
	}
	done := make(map[int]storage.ChunkMarker, len(markers))
	for _, m := range markers {
		if m.Fingerprint != fp {
			return nil, nil
		}
		done[m.Index] = m
	}
	return done, nil
}

type forwarded struct {
	rows int64
	end  int64
}

// forward sends first and the rows after it to out until the chunk has
// consumed budget bytes past start or in is exhausted. Each row is observed
// by acc before ownership passes to out.
func forward(ctx context.Context, first *transformer.Row, in <-chan *transformer.Row, out chan<- *transformer.Row,
	acc *probe.Accumulator, start, budget int64, fw *forwarded) {
	r := first
	for {
		if r.Err == nil {
			acc.Add(r.Src)
		}
		fw.rows++
		fw.end = r.Offset

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
			return
		}
		if fw.end-start >= budget {
			return
		}
		var ok bool
		if r, ok = <-in; !ok {
			return
		}
	}
}

// Load imports src chunk by chunk. The returned error is non-nil only for
// fatal conditions; the table is then left marked as loading so a rerun can
// resume it.
func (l *Loader) Load(ctx context.Context, src materialize.Source) (out report.Outcome, err error) {
	started := time.Now()
	table := src.Spec.Name
	log := l.run.Logger("chunk").With(zap.String("table", table), zap.String("source", src.File.RelPath))
	keep := l.opts.KeepLimit()

	out = materialize.NewOutcome(src, storage.LoaderChunked)
	out.Oversized = true
	defer func() { out.Seconds = time.Since(started).Seconds() }()

	fatal := func(err error) (report.Outcome, error) {
		out.Fail(err)
		log.Error("chunked load aborted", zap.Error(err))
		return out, fmt.Errorf("load %s: %w", table, err)
	}

	fp := Fingerprint(src.File, l.opts.ChunkBytes)
	done, err := l.resumePoint(ctx, src.Spec, fp)
	if err != nil {
		if materialize.IsFatal(l.repo, err) {
			return fatal(err)
		}
		log.Warn("resume check failed; rebuilding", zap.Error(err))
		done = nil
	}

	if err := l.repo.MarkImport(ctx, materialize.ImportRecord(out, l.run)); err != nil {
		if materialize.IsFatal(l.repo, err) {
			return fatal(err)
		}
		out.Fail(err)
		return out, nil
	}

	if done == nil {
		if err := l.repo.ResetChunks(ctx, table); err != nil {
			if materialize.IsFatal(l.repo, err) {
				return fatal(err)
			}
			out.Fail(err)
			return out, l.finish(ctx, &out)
		}
		if err := l.repo.CreateTable(ctx, src.Spec); err != nil {
			err = fmt.Errorf("%w: %w", materialize.ErrTableCreate, err)
			if materialize.IsFatal(l.repo, err) {
				return fatal(err)
			}
			out.Fail(err)
			return out, l.finish(ctx, &out)
		}
	} else {
		log.Info("resuming chunked load", zap.Int("committed_chunks", len(done)))
	}

	res, loadErr := l.loadChunks(ctx, src, fp, done, &out)
	totalRows := res.rows
	out.RowsLoaded = res.loaded
	out.RowsSkipped = res.skipped

	if loadErr != nil {
		if ctx.Err() == nil {
			_ = l.repo.DropTable(ctx, storage.StagingTable(table))
		}
		if materialize.IsFatal(l.repo, loadErr) {
			return fatal(loadErr)
		}
		out.Fail(loadErr)
		log.Error("chunked load failed", zap.Error(loadErr))
		return out, l.finish(ctx, &out)
	}

	materialize.SettleStatus(&out, totalRows)
	if out.Status != storage.StatusFailed {
		for _, w := range materialize.CreateIndexes(ctx, l.run, l.repo, src.Spec, l.opts.IndexColumns) {
			out.AddWarning(w, keep)
		}
	}

	log.Info("table loaded",
		zap.String("status", string(out.Status)),
		zap.Int("chunks", len(out.Chunks)),
		zap.Int64("rows_loaded", out.RowsLoaded),
		zap.Int64("rows_skipped", out.RowsSkipped),
		zap.Int("warnings", out.WarningCount))
	return out, l.finish(ctx, &out)
}

type chunkTotals struct {
	rows    int64
	loaded  int64
	skipped int64
}

// loadChunks streams src and loads or skips each chunk in order.
func (l *Loader) loadChunks(ctx context.Context, src materialize.Source, fp string, done map[int]storage.ChunkMarker, out *report.Outcome) (chunkTotals, error) {
	var tot chunkTotals

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	table := src.Spec.Name
	staging := src.Spec
	staging.Name = storage.StagingTable(table)
	columns := src.Spec.ColumnNames()
	keep := l.opts.KeepLimit()
	log := l.run.Logger("chunk").With(zap.String("table", table))

	var mu sync.Mutex
	rows, wait, err := materialize.Stream(ctx, src, l.opts.Nulls, l.opts.ChannelBuffer, func(line int, msg string) {
		mu.Lock()
		out.AddWarning(fmt.Sprintf("line %d: %s", line, msg), keep)
		mu.Unlock()
		l.run.AddWarnings(1)
		log.Warn("ragged row", zap.Int("line", line), zap.String("detail", msg))
	})
	if err != nil {
		return tot, err
	}

	abort := func(err error) (chunkTotals, error) {
		cancel()
		transformer.Drain(rows)
		_ = wait()
		return tot, err
	}

	var start int64
	for idx := 0; ; idx++ {
		first, ok := <-rows
		if !ok {
			break
		}
		chunkStarted := time.Now()

		chunkCh := make(chan *transformer.Row, cap(rows))
		acc := probe.NewAccumulator(len(columns), l.opts.Nulls)
		var (
			fw forwarded
			wg sync.WaitGroup
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(chunkCh)
			forward(ctx, first, rows, chunkCh, acc, start, l.opts.ChunkBytes, &fw)
		}()

		entry := report.ChunkLog{Index: idx}

		if m, resumed := done[idx]; resumed {
			for r := range chunkCh {
				r.Free()
			}
			wg.Wait()
			entry.Status = report.ChunkResumed
			entry.RowsLoaded = m.RowsLoaded
			entry.RowsSkipped = m.RowsSkipped
			if m.RowsLoaded+m.RowsSkipped != fw.rows {
				log.Warn("resumed chunk row count differs from marker",
					zap.Int("chunk", idx), zap.Int64("rows", fw.rows), zap.Int64("marker_rows", m.RowsLoaded+m.RowsSkipped))
			}
		} else {
			res, err := l.loadChunk(ctx, staging, table, columns, src.Comma, chunkCh, idx, fp, out, &mu)
			if err != nil {
				cancel()
				transformer.Drain(chunkCh)
				wg.Wait()
				entry.Status = report.ChunkFailed
				entry.Error = err.Error()
				entry.Seconds = time.Since(chunkStarted).Seconds()
				out.Chunks = append(out.Chunks, entry)
				l.run.AddChunk(report.ChunkFailed)
				tot.rows += fw.rows
				log.Error("chunk failed", zap.Int("chunk", idx), zap.Error(err))
				return abort(err)
			}
			wg.Wait()
			entry.Status = report.ChunkCommitted
			entry.RowsLoaded = res.Loaded
			entry.RowsSkipped = res.Skipped
		}

		if drift := acc.Drift(src.Spec.Columns); len(drift) > 0 {
			entry.Drift = drift
			log.Warn("schema drift in chunk", zap.Int("chunk", idx), zap.Strings("columns", drift))
		}
		entry.Seconds = time.Since(chunkStarted).Seconds()
		out.Chunks = append(out.Chunks, entry)
		l.run.AddChunk(entry.Status)

		tot.rows += fw.rows
		tot.loaded += entry.RowsLoaded
		tot.skipped += entry.RowsSkipped
		start = fw.end

		log.Info("chunk done",
			zap.Int("chunk", idx),
			zap.String("status", entry.Status),
			zap.Int64("rows_loaded", entry.RowsLoaded),
			zap.Int64("rows_skipped", entry.RowsSkipped))
	}

	if err := wait(); err != nil {
		return tot, err
	}
	if err := ctx.Err(); err != nil {
		return tot, err
	}
	return tot, nil
}

// loadChunk loads one chunk into the staging table and commits it.
func (l *Loader) loadChunk(
	ctx context.Context,
	staging storage.TableSpec,
	table string,
	columns []string,
	comma rune,
	in <-chan *transformer.Row,
	idx int,
	fp string,
	out *report.Outcome,
	mu *sync.Mutex,
) (materialize.LoadResult, error) {
	if err := l.repo.CreateTable(ctx, staging); err != nil {
		return materialize.LoadResult{}, fmt.Errorf("chunk %d: staging: %w", idx, err)
	}

	keep := l.opts.KeepLimit()
	loader := &materialize.Loader{
		Repo:      l.repo,
		Run:       l.run,
		Table:     staging.Name,
		Columns:   columns,
		BatchRows: l.opts.BatchRows,
		Comma:     comma,
		OnReject: func(r materialize.Rejection) {
			mu.Lock()
			out.AddRejected(report.Rejected{Line: r.Line, Raw: r.Raw, Reason: r.Err.Error()}, keep)
			mu.Unlock()
		},
	}
	res, err := loader.LoadRows(ctx, in)
	if err != nil {
		return res, fmt.Errorf("chunk %d: %w", idx, err)
	}

	marker := storage.ChunkMarker{
		Index:       idx,
		RowsLoaded:  res.Loaded,
		RowsSkipped: res.Skipped,
		Fingerprint: fp,
		CompletedAt: time.Now(),
	}
	if err := l.repo.CommitChunk(ctx, table, marker); err != nil {
		return res, fmt.Errorf("chunk %d: commit: %w", idx, err)
	}
	return res, nil
}

// finish records the final status unless ctx is already done.
func (l *Loader) finish(ctx context.Context, out *report.Outcome) error {
	if ctx.Err() != nil {
		return nil
	}
	if err := l.repo.MarkImport(ctx, materialize.ImportRecord(*out, l.run)); err != nil {
		if materialize.IsFatal(l.repo, err) {
			return fmt.Errorf("record %s: %w", out.Table, err)
		}
		l.run.Logger("chunk").Warn("record import status failed", zap.String("table", out.Table), zap.Error(err))
	}
	return nil
}
