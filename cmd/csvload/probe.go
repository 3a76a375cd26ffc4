package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"csvload/internal/catalog"
	"csvload/internal/probe"
	"csvload/internal/schema"
	"csvload/internal/storage"
	"csvload/internal/textenc"
	"csvload/internal/transformer"

	"github.com/spf13/cobra"
)

// probeOutput is what `csvload probe` prints.
type probeOutput struct {
	File        string               `json:"file"`
	Table       string               `json:"table"`
	Encoding    string               `json:"encoding"`
	Lossy       bool                 `json:"lossy"`
	SampledRows int                  `json:"sampled_rows"`
	Complete    bool                 `json:"complete"`
	AvgRowBytes float64              `json:"avg_row_bytes"`
	Columns     []storage.ColumnSpec `json:"columns"`
}

func newProbeCmd(g *globalFlags) *cobra.Command {
	var sample int
	cmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Print the encoding and inferred columns of one file as JSON",
		Long: `Resolve the encoding of FILE and infer its table spec from a sample of
rows. Nothing is written to any store.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(nil)
			if err != nil {
				return err
			}
			if sample <= 0 {
				sample = cfg.Load.SampleRows
			}

			path := args[0]
			open := func() (io.ReadCloser, error) { return os.Open(path) }

			resolver, err := textenc.NewResolver(cfg.Encoding.Legacy)
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			enc, err := resolver.Resolve(open)
			if err != nil {
				return fmt.Errorf("%w: %w", catalog.ErrSourceUnreadable, err)
			}

			fh, err := open()
			if err != nil {
				return err
			}
			defer fh.Close()

			res, err := probe.Infer(cmd.Context(), enc.NewReader(fh), probe.Options{
				SampleRows: sample,
				Comma:      cfg.Source.DelimiterFor(path),
				Nulls:      transformer.NewNullSet(cfg.Load.NullTokens),
				Aliases:    schema.NewAliasTable(cfg.AliasTable()),
			})
			if err != nil {
				return err
			}

			out := probeOutput{
				File:        path,
				Table:       catalog.TableName(filepath.Base(path)),
				Encoding:    enc.Name,
				Lossy:       enc.Lossy,
				SampledRows: res.SampledRows,
				Complete:    res.Complete,
				AvgRowBytes: res.AvgRowBytes(),
				Columns:     res.Columns,
			}
			e := json.NewEncoder(cmd.OutOrStdout())
			e.SetIndent("", "  ")
			return e.Encode(out)
		},
	}
	cmd.Flags().IntVar(&sample, "sample", 0, "rows to sample (default load.sample_rows)")
	return cmd
}
