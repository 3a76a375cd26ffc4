package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"csvload/internal/catalog"
	"csvload/internal/runctx"
	"csvload/internal/verify"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newVerifyCmd(g *globalFlags) *cobra.Command {
	f := &importFlags{}
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Audit the store against the source tree without writing to it",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, g, f)
		},
	}
	cmd.Flags().StringVar(&f.root, "root", "", "source directory (overrides source.root)")
	cmd.Flags().StringVar(&f.db, "db", "", "sqlite database file (overrides store.path)")
	return cmd
}

func runVerify(cmd *cobra.Command, g *globalFlags, f *importFlags) error {
	cfg, err := g.loadConfig(f.apply)
	if err != nil {
		return err
	}
	if cfg.Store.Kind == "sqlite" && cfg.Store.DSN == "" {
		if _, err := os.Stat(cfg.Store.Path); err != nil {
			return fmt.Errorf("%w: database %s: %w", errUsage, cfg.Store.Path, err)
		}
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

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	res, err := verify.Run(ctx, repo, run, verify.Options{
		Root:        cfg.Source.Root,
		Scan:        catalog.Options{Extensions: cfg.Source.Extensions},
		SampleRows:  cfg.Verify.SampleRows,
		WideColumns: cfg.Verify.WideColumns,
	})
	if err != nil {
		return err
	}
	if err := res.Render(cmd.OutOrStdout()); err != nil {
		run.Logger("verify").Warn("render result", zap.Error(err))
	}
	if !res.OK() {
		return fmt.Errorf("%w: %d failed, %d missing", errTablesFailed, res.Count(verify.StatusFailed), res.Count(verify.StatusMissing))
	}
	return nil
}
