// Package pipeline runs an import: scan the source tree, resolve encodings
// and infer schemas in parallel, load every table sequentially and write the
// report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"csvload/internal/catalog"
	"csvload/internal/chunked"
	"csvload/internal/config"
	"csvload/internal/materialize"
	csvparser "csvload/internal/parser/csv"
	"csvload/internal/probe"
	"csvload/internal/report"
	"csvload/internal/runctx"
	"csvload/internal/schema"
	"csvload/internal/storage"
	"csvload/internal/textenc"
	"csvload/internal/transformer"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Command names recorded in the report.
const (
	CommandImport    = "import"
	CommandLargeOnly = "import --large-only"
)

// Options configures one import run.
type Options struct {
	Root   string
	Scan   catalog.Options
	Legacy []string

	// Delimiter returns the field delimiter for a source path. Nil means ','.
	Delimiter func(path string) rune

	SampleRows     int
	SmallFileBytes int64
	MaxBatches     int
	Workers        int
	LargeOnly      bool

	Load       materialize.Options
	ChunkBytes int64
	Aliases    *schema.AliasTable

	// Database is the store file, used for the report's size line. May be
	// empty for server backends.
	Database   string
	ReportPath string
}

// OptionsFrom maps the run configuration onto Options.
func OptionsFrom(cfg *config.Config) Options {
	nulls := transformer.NewNullSet(cfg.Load.NullTokens)
	var database string
	if cfg.Store.Kind == "sqlite" {
		database = cfg.Store.Path
	}
	return Options{
		Root:           cfg.Source.Root,
		Scan:           catalog.Options{Extensions: cfg.Source.Extensions},
		Legacy:         cfg.Encoding.Legacy,
		Delimiter:      cfg.Source.DelimiterFor,
		SampleRows:     cfg.Load.SampleRows,
		SmallFileBytes: cfg.Load.SmallFileBytes,
		MaxBatches:     cfg.Load.MaxBatches,
		Workers:        cfg.Load.EffectiveWorkers(),
		Load: materialize.Options{
			BatchRows:    cfg.Load.BatchRows,
			IndexColumns: cfg.Load.IndexColumns,
			Nulls:        nulls,
			Keep:         cfg.Load.MaxWarnings,
		},
		ChunkBytes: cfg.Load.ChunkBytes,
		Aliases:    schema.NewAliasTable(cfg.AliasTable()),
		Database:   database,
		ReportPath: cfg.ReportPath(),
	}
}

// Runner executes imports against one store.
type Runner struct {
	repo storage.Repository
	run  *runctx.Run
	opts Options
}

// New returns a Runner. repo must already be open.
func New(repo storage.Repository, run *runctx.Run, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Load.BatchRows <= 0 {
		opts.Load.BatchRows = 500
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = chunked.DefaultMaxBatches
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = chunked.DefaultChunkBytes
	}
	if opts.Delimiter == nil {
		opts.Delimiter = func(string) rune { return ',' }
	}
	return &Runner{repo: repo, run: run, opts: opts}
}

// prepared is one source after encoding resolution and inference.
type prepared struct {
	src       materialize.Source
	inf       probe.Result
	oversized bool
	skip      string
}

// Import runs the whole pipeline and returns the report, which has already
// been written to Options.ReportPath when that is set.
//
// The error is non-nil when the run could not start (bad root, store not
// usable) or was aborted by a fatal store error; in the abort case the
// report is still built and written.
func (r *Runner) Import(ctx context.Context) (report.Report, error) {
	log := r.run.Logger("import")

	command := CommandImport
	if r.opts.LargeOnly {
		command = CommandLargeOnly
	}

	if err := r.repo.Prepare(ctx); err != nil {
		return report.Report{}, fmt.Errorf("prepare store: %w", err)
	}

	scanOpts := r.opts.Scan
	if scanOpts.Log == nil {
		scanOpts.Log = r.run.Logger("scan")
	}
	var scan catalog.Result
	if err := r.run.Step("scan", func() (err error) {
		scan, err = catalog.Scan(r.opts.Root, scanOpts)
		return err
	}); err != nil {
		return report.Report{}, err
	}
	log.Info("scan complete", zap.Int("sources", len(scan.Sources)), zap.Int("skipped", len(scan.Skipped)))

	sources := scan.Sources
	flagged := map[string]bool{}
	if r.opts.LargeOnly {
		prior, err := r.repo.ImportRecords(ctx)
		if err != nil {
			return report.Report{}, fmt.Errorf("read import records: %w", err)
		}
		for t, rec := range prior {
			if rec.Oversized {
				flagged[t] = true
			}
		}
		if len(flagged) > 0 {
			sources = filterSources(sources, flagged)
			log.Info("large-only: using flags from previous run", zap.Int("sources", len(sources)))
		} else {
			log.Info("large-only: no previous flags; routing by projected size")
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var preps []prepared
	err := r.run.Step("prepare", func() (err error) {
		preps, err = r.prepareAll(ctx, sources)
		return err
	})
	if err != nil {
		return report.Report{}, err
	}

	in := report.Input{
		RunID:   r.run.ID,
		Command: command,
		Store:   r.repo.Kind(),
		Started: r.run.Started,
	}
	for _, s := range scan.Skipped {
		in.Skipped = append(in.Skipped, report.SkippedSource{Path: s.Path, Reason: s.Reason})
	}

	var fatal error
	for _, p := range preps {
		if ctx.Err() != nil {
			break
		}
		if p.skip != "" {
			in.Skipped = append(in.Skipped, report.SkippedSource{Path: p.src.File.Path, Reason: p.skip})
			continue
		}
		if r.opts.LargeOnly {
			if len(flagged) > 0 {
				p.oversized = true
			} else if !p.oversized {
				continue
			}
		}

		out, err := r.loadOne(ctx, p)
		in.Outcomes = append(in.Outcomes, out)
		if err != nil {
			cancel(err)
			fatal = err
			log.Error("run aborted", zap.String("table", out.Table), zap.Error(err))
			break
		}
	}

	switch {
	case fatal != nil:
		in.Aborted = fatal.Error()
	case ctx.Err() != nil:
		in.Aborted = context.Cause(ctx).Error()
	}
	in.Elapsed = r.run.Elapsed()
	if r.opts.Database != "" {
		if fi, err := os.Stat(r.opts.Database); err == nil {
			in.DatabaseBytes = fi.Size()
		}
	}
	in.Database = r.opts.Database

	rep := report.Build(in)
	if r.opts.ReportPath != "" {
		if err := r.run.Step("report", func() error { return rep.Write(r.opts.ReportPath) }); err != nil {
			r.run.Logger("report").Error("write report failed", zap.String("path", r.opts.ReportPath), zap.Error(err))
			if fatal == nil {
				fatal = err
			}
		}
	}

	log.Info("import finished",
		zap.Int("tables", rep.TablesCreated),
		zap.Int("failed", rep.TablesFailed),
		zap.Int64("rows_loaded", rep.RowsLoaded),
		zap.Int64("rows_skipped", rep.RowsSkipped),
		zap.Duration("elapsed", in.Elapsed))

	if fatal != nil {
		return rep, fatal
	}
	if in.Aborted != "" {
		return rep, context.Cause(ctx)
	}
	return rep, nil
}

func filterSources(sources []catalog.SourceFile, keep map[string]bool) []catalog.SourceFile {
	var out []catalog.SourceFile
	for _, s := range sources {
		if keep[s.Table] {
			out = append(out, s)
		}
	}
	return out
}

// loadOne routes p to the batch or chunked loader.
func (r *Runner) loadOne(ctx context.Context, p prepared) (report.Outcome, error) {
	if p.oversized {
		return chunked.New(r.repo, r.run, chunked.Options{Options: r.opts.Load, ChunkBytes: r.opts.ChunkBytes}).Load(ctx, p.src)
	}
	return materialize.New(r.repo, r.run, r.opts.Load).Load(ctx, p.src)
}

// prepareAll resolves and infers every source on a bounded pool. Results
// keep the order of sources.
func (r *Runner) prepareAll(ctx context.Context, sources []catalog.SourceFile) ([]prepared, error) {
	resolver, err := textenc.NewResolver(r.opts.Legacy)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(r.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Release()

	out := make([]prepared, len(sources))
	var wg sync.WaitGroup
	for i := range sources {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			out[i] = r.prepareOne(ctx, resolver, sources[i])
		}); err != nil {
			wg.Done()
			return nil, fmt.Errorf("worker pool: %w", err)
		}
	}
	wg.Wait()
	return out, nil
}

// prepareOne resolves the encoding of f, infers its columns and decides its
// loader. Failures mark the source skipped.
func (r *Runner) prepareOne(ctx context.Context, resolver *textenc.Resolver, f catalog.SourceFile) prepared {
	p := prepared{src: materialize.Source{File: f, Comma: r.opts.Delimiter(f.Path)}}
	if ctx.Err() != nil {
		p.skip = ctx.Err().Error()
		return p
	}

	open := func() (io.ReadCloser, error) { return os.Open(f.Path) }

	enc, err := resolver.Resolve(open)
	if err != nil {
		p.skip = fmt.Errorf("%w: %w", catalog.ErrSourceUnreadable, err).Error()
		r.run.Logger("resolve").Warn("encoding resolution failed", zap.String("source", f.RelPath), zap.Error(err))
		return p
	}
	p.src.Encoding = enc
	if enc.Lossy {
		r.run.Logger("resolve").Warn("lossy decode", zap.String("source", f.RelPath))
	}

	sample := r.opts.SampleRows
	if f.Size <= r.opts.SmallFileBytes {
		sample = 0
	}

	started := time.Now()
	fh, err := open()
	if err != nil {
		p.skip = fmt.Errorf("%w: %w", catalog.ErrSourceUnreadable, err).Error()
		return p
	}
	defer fh.Close()

	inf, err := probe.Infer(ctx, enc.NewReader(fh), probe.Options{
		SampleRows: sample,
		Comma:      p.src.Comma,
		Nulls:      r.opts.Load.Nulls,
		Aliases:    r.opts.Aliases,
	})
	if err != nil {
		if errors.Is(err, csvparser.ErrNoHeader) {
			p.skip = "no header row"
		} else {
			p.skip = err.Error()
		}
		r.run.Logger("infer").Warn("inference failed", zap.String("source", f.RelPath), zap.String("reason", p.skip))
		return p
	}
	p.inf = inf
	p.src.Spec = inf.Spec(f.Table)
	// Too wide for the ceiling: the batch loader fails the table.
	if rowsPer, err := storage.MaxBatchRows(r.repo.Ceiling(), len(inf.Columns), r.opts.Load.BatchRows); err == nil {
		p.oversized = chunked.NeedsChunking(f.Size, inf.AvgRowBytes(), rowsPer, r.opts.MaxBatches)
	}

	r.run.Logger("infer").Debug("schema inferred",
		zap.String("source", f.RelPath),
		zap.String("table", f.Table),
		zap.String("encoding", enc.Name),
		zap.Int("columns", len(inf.Columns)),
		zap.Int("sampled_rows", inf.SampledRows),
		zap.Bool("complete", inf.Complete),
		zap.Bool("oversized", p.oversized),
		zap.Duration("elapsed", time.Since(started)))
	return p
}
