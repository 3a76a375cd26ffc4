// Package config holds the csvload run configuration.
//
// Values are layered, later layers winning:
//
//	struct `default` tags → YAML file → .env file → environment (`env`/`envAlt`) → CLI flags
//
// CLI flags are applied by cmd/csvload after Load returns.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultFileName is the config file looked up in the working directory when
// no explicit path is given.
const DefaultFileName = "csvload.yaml"

// Config holds all csvload settings.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Store    StoreConfig    `yaml:"store"`
	Load     LoadConfig     `yaml:"load"`
	Encoding EncodingConfig `yaml:"encoding"`
	Report   ReportConfig   `yaml:"report"`
	Verify   VerifyConfig   `yaml:"verify"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Aliases maps a canonical column name to the source header variants that
	// should be loaded under it. Nil means DefaultAliases.
	Aliases map[string][]string `yaml:"aliases"`
}

// SourceConfig describes the input tree.
type SourceConfig struct {
	// Root is the directory walked by the scanner.
	Root string `yaml:"root" env:"CSVLOAD_ROOT" default:"data"`

	// Extensions lists the recognized tabular file extensions (case-insensitive).
	Extensions []string `yaml:"extensions" env:"CSVLOAD_EXTENSIONS" default:".csv,.tsv,.txt"`

	// Delimiter forces a field delimiter. Empty selects by extension
	// (tab for .tsv, comma otherwise).
	Delimiter string `yaml:"delimiter" env:"CSVLOAD_DELIMITER"`
}

// StoreConfig selects the destination store.
type StoreConfig struct {
	// Kind is a registered storage backend: sqlite, postgres, mssql.
	Kind string `yaml:"kind" env:"CSVLOAD_STORE_KIND" default:"sqlite"`

	// Path is the database file for sqlite.
	Path string `yaml:"path" env:"CSVLOAD_DB" default:"csvload.db"`

	// DSN overrides the connection string. Required for postgres and mssql.
	DSN string `yaml:"dsn" env:"CSVLOAD_DSN" envAlt:"DATABASE_URL"`

	// Ceiling overrides the per-statement bound parameter limit of the
	// backend. Zero uses the backend default.
	Ceiling int `yaml:"ceiling" env:"CSVLOAD_CEILING" default:"0"`
}

// LoadConfig tunes inference, batching and chunking.
type LoadConfig struct {
	BatchRows      int      `yaml:"batch_rows" env:"CSVLOAD_BATCH_ROWS" default:"500"`
	SampleRows     int      `yaml:"sample_rows" env:"CSVLOAD_SAMPLE_ROWS" default:"10000"`
	SmallFileBytes int64    `yaml:"small_file_bytes" env:"CSVLOAD_SMALL_FILE_BYTES" default:"16777216"`
	ChunkBytes     int64    `yaml:"chunk_bytes" env:"CSVLOAD_CHUNK_BYTES" default:"16777216"`
	MaxBatches     int      `yaml:"max_batches" env:"CSVLOAD_MAX_BATCHES" default:"2000"`
	Workers        int      `yaml:"workers" env:"CSVLOAD_WORKERS" default:"0"`
	NullTokens     []string `yaml:"null_tokens" env:"CSVLOAD_NULL_TOKENS" default:"NA,N/A,NULL,null,NaN"`
	IndexColumns   []string `yaml:"index_columns" env:"CSVLOAD_INDEX_COLUMNS" default:"tournament,stage,match_type,match_name,map,player,team,agent,agents,year,date"`
	MaxWarnings    int      `yaml:"max_warnings" env:"CSVLOAD_MAX_WARNINGS" default:"100"`
}

// EncodingConfig lists the legacy 8-bit encodings tried after UTF-8.
type EncodingConfig struct {
	Legacy []string `yaml:"legacy" env:"CSVLOAD_LEGACY_ENCODINGS" default:"windows-1252"`
}

// ReportConfig controls the report artifact.
type ReportConfig struct {
	// Path of the JSON report. Empty writes "<db>.report.json" beside the
	// database file.
	Path string `yaml:"path" env:"CSVLOAD_REPORT"`
}

// VerifyConfig tunes the read-only audit.
type VerifyConfig struct {
	SampleRows  int `yaml:"sample_rows" env:"CSVLOAD_VERIFY_SAMPLE_ROWS" default:"3"`
	WideColumns int `yaml:"wide_columns" env:"CSVLOAD_VERIFY_WIDE_COLUMNS" default:"50"`
}

// LoggingConfig is passed to logging.New.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"CSVLOAD_LOG_LEVEL" envAlt:"LOG_LEVEL" default:"info"`
	Format     string `yaml:"format" env:"CSVLOAD_LOG_FORMAT" envAlt:"LOG_FORMAT" default:"console"`
	OutputPath string `yaml:"output_path" env:"CSVLOAD_LOG_OUTPUT"`
}

// MetricsConfig selects a metrics backend.
type MetricsConfig struct {
	// Backend is one of none, pushgateway, datadog.
	Backend        string        `yaml:"backend" env:"METRICS_BACKEND" default:"none"`
	PushgatewayURL string        `yaml:"pushgateway_url" env:"PUSHGATEWAY_URL" default:"http://localhost:9091"`
	Job            string        `yaml:"job" env:"METRICS_JOB" default:"csvload"`
	Tags           []string      `yaml:"tags" env:"METRICS_TAGS"`
	FlushEvery     time.Duration `yaml:"flush_every" env:"METRICS_FLUSH_EVERY" default:"60s"`
}

// DefaultAliases returns the alias table used when the config has none.
// Variants are compared after header sanitization.
func DefaultAliases() map[string][]string {
	return map[string][]string{
		"player":    {"player_name", "players"},
		"team":      {"team_name", "teams"},
		"agent":     {"agent_name"},
		"map":       {"map_name"},
		"pick_rate": {"pickrate", "pick_pct"},
		"acs":       {"average_combat_score", "average_combat_score_acs"},
		"kd":        {"k_d", "kills_deaths", "kd_ratio"},
	}
}

// EffectiveDSN returns the connection string for the configured store.
func (s StoreConfig) EffectiveDSN() string {
	if strings.TrimSpace(s.DSN) != "" {
		return s.DSN
	}
	if s.Kind == "sqlite" {
		return "file:" + filepath.ToSlash(s.Path) + "?_pragma=busy_timeout(5000)"
	}
	return ""
}

// EffectiveWorkers returns the worker pool size, defaulting to NumCPU.
func (l LoadConfig) EffectiveWorkers() int {
	if l.Workers > 0 {
		return l.Workers
	}
	return runtime.NumCPU()
}

// ReportPath returns where the report artifact is written.
func (c *Config) ReportPath() string {
	if c.Report.Path != "" {
		return c.Report.Path
	}
	if c.Store.Kind == "sqlite" && c.Store.Path != "" {
		return c.Store.Path + ".report.json"
	}
	return "csvload.report.json"
}

// AliasTable returns the configured aliases or the defaults.
func (c *Config) AliasTable() map[string][]string {
	if c.Aliases == nil {
		return DefaultAliases()
	}
	return c.Aliases
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Source.Root) == "" {
		errs = append(errs, "source.root is required")
	}
	if len(c.Source.Extensions) == 0 {
		errs = append(errs, "source.extensions must not be empty")
	}
	if d := c.Source.Delimiter; d != "" && d != `\t` && len([]rune(d)) != 1 {
		errs = append(errs, fmt.Sprintf("source.delimiter %q must be a single character", d))
	}

	switch c.Store.Kind {
	case "sqlite":
		if c.Store.Path == "" && c.Store.DSN == "" {
			errs = append(errs, "store.path or store.dsn is required for sqlite")
		}
	case "postgres", "mssql":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Sprintf("store.dsn is required for %s", c.Store.Kind))
		}
	case "":
		errs = append(errs, "store.kind is required")
	default:
		errs = append(errs, fmt.Sprintf("store.kind %q is not supported", c.Store.Kind))
	}
	if c.Store.Ceiling < 0 {
		errs = append(errs, "store.ceiling must be non-negative")
	}

	if c.Load.BatchRows <= 0 {
		errs = append(errs, "load.batch_rows must be positive")
	}
	if c.Load.SampleRows < 0 {
		errs = append(errs, "load.sample_rows must be non-negative")
	}
	if c.Load.ChunkBytes <= 0 {
		errs = append(errs, "load.chunk_bytes must be positive")
	}
	if c.Load.MaxBatches <= 0 {
		errs = append(errs, "load.max_batches must be positive")
	}
	if c.Load.Workers < 0 {
		errs = append(errs, "load.workers must be non-negative")
	}

	if c.Verify.SampleRows <= 0 {
		errs = append(errs, "verify.sample_rows must be positive")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}

	switch c.Metrics.Backend {
	case "", "none", "pushgateway", "datadog":
	default:
		errs = append(errs, fmt.Sprintf("metrics.backend %q must be none, pushgateway or datadog", c.Metrics.Backend))
	}

	for canonical, variants := range c.Aliases {
		if strings.TrimSpace(canonical) == "" {
			errs = append(errs, "aliases: canonical name must not be empty")
		}
		if len(variants) == 0 {
			errs = append(errs, fmt.Sprintf("aliases.%s: at least one variant is required", canonical))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// DelimiterFor returns the field delimiter for a source path.
func (s SourceConfig) DelimiterFor(path string) rune {
	switch s.Delimiter {
	case "":
	case `\t`:
		return '\t'
	default:
		return []rune(s.Delimiter)[0]
	}
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return '\t'
	}
	return ','
}
