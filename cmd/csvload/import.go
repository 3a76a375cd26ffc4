package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"csvload/internal/config"
	"csvload/internal/pipeline"
	"csvload/internal/runctx"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type importFlags struct {
	root      string
	db        string
	largeOnly bool
}

func newImportCmd(g *globalFlags) *cobra.Command {
	f := &importFlags{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load every source file under the root into the store",
		Long: `Scan the source root, infer a table for each file and load it.

With --large-only, only sources the previous run flagged as oversized are
reloaded; when no flags exist yet, sources are routed by projected size.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, g, f)
		},
	}
	cmd.Flags().StringVar(&f.root, "root", "", "source directory (overrides source.root)")
	cmd.Flags().StringVar(&f.db, "db", "", "sqlite database file (overrides store.path)")
	cmd.Flags().BoolVar(&f.largeOnly, "large-only", false, "reload only sources flagged oversized by the previous run")
	return cmd
}

func (f *importFlags) apply(cfg *config.Config) {
	if f.root != "" {
		cfg.Source.Root = f.root
	}
	if f.db != "" {
		cfg.Store.Path = f.db
	}
}

func runImport(cmd *cobra.Command, g *globalFlags, f *importFlags) error {
	cfg, err := g.loadConfig(f.apply)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("%w: logger: %w", errUsage, err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, closeMetrics := openMetrics(ctx, cfg, log)
	defer closeMetrics()

	run := runctx.New(log, m)
	log = run.Logger("import")
	log.Info("starting import",
		zap.String("root", cfg.Source.Root),
		zap.String("store", cfg.Store.Kind),
		zap.Bool("large_only", f.largeOnly))

	if err := ensureDir(cfg); err != nil {
		return err
	}
	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	opts := pipeline.OptionsFrom(cfg)
	opts.LargeOnly = f.largeOnly

	rep, err := pipeline.New(repo, run, opts).Import(ctx)
	if rep.RunID != "" {
		if rerr := rep.Render(cmd.OutOrStdout()); rerr != nil {
			log.Warn("render report", zap.Error(rerr))
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("%w: %v", errTablesFailed, rep.FailedTables)
	}
	return nil
}
