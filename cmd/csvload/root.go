package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"csvload/internal/config"
	"csvload/internal/logging"
	"csvload/internal/metrics"
	"csvload/internal/metrics/datadog"
	"csvload/internal/metrics/prompush"
	"csvload/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath     string
	verbose        bool
	storeKind      string
	dsn            string
	metricsBackend string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "csvload",
		Short: "Load a tree of CSV files into a relational store",
		Long: `csvload walks a directory of delimited text files and loads each file into
its own table: encodings are detected, column types inferred from a sample,
and rows inserted in bounded batches. Oversized files are loaded in resumable
chunks. Every run writes a JSON report beside the database.

Exit Codes:
  0  - Success
  1  - A table failed, is missing or unreadable
  2  - Usage or configuration error
  3  - Store unavailable or run aborted`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default ./"+config.DefaultFileName+" when present)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logs")
	pf.StringVar(&g.storeKind, "store-kind", "", "destination store: sqlite, postgres, mssql")
	pf.StringVar(&g.dsn, "dsn", "", "connection string (overrides store.dsn)")
	pf.StringVar(&g.metricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway, datadog")

	root.AddCommand(newImportCmd(g), newVerifyCmd(g), newProbeCmd(g))
	return root
}

// exactArgs is cobra.ExactArgs with usage-classified errors.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		return nil
	}
}

// loadConfig layers the CLI flags over config.Load and validates the result.
func (g *globalFlags) loadConfig(override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}

	if g.storeKind != "" {
		cfg.Store.Kind = g.storeKind
	}
	if g.dsn != "" {
		cfg.Store.DSN = g.dsn
	}
	if g.metricsBackend != "" {
		cfg.Metrics.Backend = g.metricsBackend
	}
	if g.verbose {
		cfg.Logging.Level = "debug"
	}
	if override != nil {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
}

// openMetrics selects the metrics backend. A backend that fails to start is
// logged and replaced by Nop. The returned closer flushes the backend.
func openMetrics(ctx context.Context, cfg *config.Config, log *zap.Logger) (metrics.Backend, func()) {
	mc := cfg.Metrics
	switch strings.ToLower(mc.Backend) {
	case "pushgateway":
		b, err := prompush.NewBackend(mc.Job, mc.PushgatewayURL)
		if err != nil {
			log.Warn("metrics: pushgateway backend unavailable; using nop", zap.Error(err))
			return metrics.Nop{}, func() {}
		}
		log.Info("metrics: pushgateway", zap.String("url", mc.PushgatewayURL), zap.String("job", mc.Job))
		return b, func() {
			if err := b.Flush(); err != nil {
				log.Warn("metrics: flush error", zap.Error(err))
			}
		}

	case "datadog":
		tags := append([]string(nil), mc.Tags...)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    mc.Job,
			Tags:       tags,
			FlushEvery: mc.FlushEvery,
		})
		if err != nil {
			log.Warn("metrics: datadog backend unavailable; using nop", zap.Error(err))
			return metrics.Nop{}, func() {}
		}
		log.Info("metrics: datadog", zap.String("job", mc.Job), zap.Strings("tags", tags))
		// Close stops the flush loop and submits what is buffered.
		return b, func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close error", zap.Error(err))
			}
		}

	default:
		log.Debug("metrics: disabled", zap.String("backend", mc.Backend))
		return metrics.Nop{}, func() {}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	return storage.Open(ctx, storage.Config{
		Kind:    cfg.Store.Kind,
		DSN:     cfg.Store.EffectiveDSN(),
		Ceiling: cfg.Store.Ceiling,
	})
}

// ensureDir creates the directory holding the sqlite database file.
func ensureDir(cfg *config.Config) error {
	if cfg.Store.Kind != "sqlite" || cfg.Store.DSN != "" {
		return nil
	}
	dir := filepath.Dir(cfg.Store.Path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
