package materialize

import (
	"context"
	"errors"
	"fmt"

	"csvload/internal/runctx"
	"csvload/internal/storage"
	"csvload/internal/transformer"

	"go.uber.org/zap"
)

// Rejection is a single row that could not be loaded: either the parser
// could not read it or the store refused it after bisection narrowed a
// failing batch down to it.
type Rejection struct {
	Line int
	Raw  string
	Err  error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("line %d rejected: %v", r.Line, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// LoadResult summarizes one LoadRows call.
type LoadResult struct {
	Rows       int64 // rows received
	Loaded     int64
	Skipped    int64
	Batches    int // statements executed, including bisection retries
	Bisections int
}

// window is a contiguous slice of the current batch awaiting insertion.
type window struct {
	start   int
	size    int
	retries int
}

// Loader inserts rows into one table in ceiling-bounded batches.
type Loader struct {
	Repo      storage.Repository
	Run       *runctx.Run
	Table     string
	Columns   []string
	BatchRows int
	Comma     rune

	// OnReject receives every row that failed on its own. May be nil.
	OnReject func(Rejection)
}

// LoadRows drains in, inserting rows in batches of
// min(BatchRows, (ceiling-1)/len(Columns)) rows, one transaction per batch.
//
// Rows the parser marked malformed are rejected without an insert.
//
// A batch that fails with a row-class error is bisected: its window is split
// in half and each half retried, down to single rows. A single row that still
// fails is passed to OnReject and counted as skipped. A fatal-class error
// stops the load and is returned; the caller must then cancel the producer
// and drain in.
//
// A table whose column count reaches the ceiling returns
// storage.ErrCeilingExceeded before reading any row.
func (l *Loader) LoadRows(ctx context.Context, in <-chan *transformer.Row) (LoadResult, error) {
	var res LoadResult

	rowsPer, err := storage.MaxBatchRows(l.Repo.Ceiling(), len(l.Columns), l.BatchRows)
	if err != nil {
		return res, err
	}

	batch := make([]*transformer.Row, 0, rowsPer)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := l.insertBisecting(ctx, batch, &res)
		for _, r := range batch {
			r.Free()
		}
		batch = batch[:0]
		return err
	}

	for r := range in {
		res.Rows++
		if r.Err != nil {
			l.reject(Rejection{Line: r.Line, Raw: r.Raw, Err: r.Err}, 0, &res)
			r.Free()
			continue
		}
		batch = append(batch, r)
		if len(batch) == rowsPer {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (l *Loader) insertBisecting(ctx context.Context, rows []*transformer.Row, res *LoadResult) error {
	log := l.Run.Logger("load")

	stack := []window{{start: 0, size: len(rows)}}
	vals := make([][]any, 0, len(rows))

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		vals = vals[:0]
		for _, r := range rows[w.start : w.start+w.size] {
			vals = append(vals, r.V)
		}

		n, err := l.Repo.InsertRows(ctx, l.Table, l.Columns, vals)
		res.Batches++
		l.Run.AddBatch()
		if err == nil {
			res.Loaded += n
			l.Run.AddRows(n, 0)
			continue
		}
		if IsFatal(l.Repo, err) {
			return err
		}

		if w.size == 1 {
			r := rows[w.start]
			l.reject(Rejection{Line: r.Line, Raw: rawLine(r, l.Comma), Err: err}, w.retries, res)
			continue
		}

		res.Bisections++
		l.Run.AddBisection()
		half := w.size / 2
		log.Debug("bisecting batch",
			zap.String("table", l.Table),
			zap.Int("start", w.start),
			zap.Int("size", w.size),
			zap.Error(err))
		// Left half on top so rows are retried in source order.
		stack = append(stack,
			window{start: w.start + half, size: w.size - half, retries: w.retries + 1},
			window{start: w.start, size: half, retries: w.retries + 1},
		)
	}
	return nil
}

func (l *Loader) reject(rej Rejection, retries int, res *LoadResult) {
	res.Skipped++
	l.Run.AddRows(0, 1)
	l.Run.Logger("load").Warn("row rejected",
		zap.String("table", l.Table),
		zap.Int("line", rej.Line),
		zap.Int("retries", retries),
		zap.Error(rej.Err))
	if l.OnReject != nil {
		l.OnReject(rej)
	}
}

// IsFatal reports whether err must stop the run rather than fail a row or
// a table.
func IsFatal(repo storage.Repository, err error) bool {
	if err == nil || errors.Is(err, storage.ErrCeilingExceeded) {
		return false
	}
	return repo.Classify(err) == storage.ClassFatal
}
