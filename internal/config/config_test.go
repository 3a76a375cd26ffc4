package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.Kind != "sqlite" {
		t.Errorf("Store.Kind = %q, want %q", cfg.Store.Kind, "sqlite")
	}
	if cfg.Load.BatchRows != 500 {
		t.Errorf("Load.BatchRows = %d, want %d", cfg.Load.BatchRows, 500)
	}
	if cfg.Load.ChunkBytes != 16<<20 {
		t.Errorf("Load.ChunkBytes = %d, want %d", cfg.Load.ChunkBytes, 16<<20)
	}
	if got := strings.Join(cfg.Encoding.Legacy, ","); got != "windows-1252" {
		t.Errorf("Encoding.Legacy = %q, want %q", got, "windows-1252")
	}
	if got := strings.Join(cfg.Source.Extensions, ","); got != ".csv,.tsv,.txt" {
		t.Errorf("Source.Extensions = %q", got)
	}
	if cfg.Metrics.FlushEvery != 60*time.Second {
		t.Errorf("Metrics.FlushEvery = %s, want 60s", cfg.Metrics.FlushEvery)
	}
	if cfg.Verify.SampleRows != 3 {
		t.Errorf("Verify.SampleRows = %d, want 3", cfg.Verify.SampleRows)
	}
	if len(cfg.AliasTable()) == 0 {
		t.Errorf("AliasTable() is empty, want defaults")
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("CSVLOAD_BATCH_ROWS", "250")
	t.Setenv("CSVLOAD_LEGACY_ENCODINGS", "ISO-8859-15, windows-1252")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Load.BatchRows != 250 {
		t.Errorf("Load.BatchRows = %d, want 250", cfg.Load.BatchRows)
	}
	if got := strings.Join(cfg.Encoding.Legacy, "|"); got != "ISO-8859-15|windows-1252" {
		t.Errorf("Encoding.Legacy = %q", got)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug (envAlt)", cfg.Logging.Level)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "csvload.yaml")
	yml := `
source:
  root: /srv/vct
store:
  kind: sqlite
  path: /srv/vct.db
  ceiling: 999
load:
  batch_rows: 100
aliases:
  player: [player_name]
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CSVLOAD_BATCH_ROWS", "50")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error = %v", path, err)
	}
	if cfg.Source.Root != "/srv/vct" {
		t.Errorf("Source.Root = %q", cfg.Source.Root)
	}
	if cfg.Store.Ceiling != 999 {
		t.Errorf("Store.Ceiling = %d, want 999", cfg.Store.Ceiling)
	}
	if cfg.Load.BatchRows != 50 {
		t.Errorf("Load.BatchRows = %d, want env value 50", cfg.Load.BatchRows)
	}
	if cfg.Load.SampleRows != 10000 {
		t.Errorf("Load.SampleRows = %d, want default kept", cfg.Load.SampleRows)
	}
	if got := cfg.AliasTable(); len(got) != 1 || got["player"][0] != "player_name" {
		t.Errorf("AliasTable() = %v", got)
	}
	if got := cfg.ReportPath(); got != "/srv/vct.db.report.json" {
		t.Errorf("ReportPath() = %q", got)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("Load(missing) err = %v, want ErrConfigNotFound", err)
	}
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	t.Setenv("CSVLOAD_BATCH_ROWS", "lots")
	if _, err := Load(""); err == nil {
		t.Fatal("Load() with non-integer CSVLOAD_BATCH_ROWS: want error")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Store:   StoreConfig{Kind: "postgres"},
		Load:    LoadConfig{BatchRows: 0, ChunkBytes: 0, MaxBatches: 0},
		Logging: LoggingConfig{Format: "xml"},
		Metrics: MetricsConfig{Backend: "statsd"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{
		"source.root is required",
		"store.dsn is required for postgres",
		"load.batch_rows must be positive",
		"load.chunk_bytes must be positive",
		"logging.format",
		"metrics.backend",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q missing %q", err, want)
		}
	}
}

func TestStoreConfig_EffectiveDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   StoreConfig
		want string
	}{
		{"sqlite path", StoreConfig{Kind: "sqlite", Path: "out/vct.db"}, "file:out/vct.db?_pragma=busy_timeout(5000)"},
		{"explicit dsn wins", StoreConfig{Kind: "sqlite", Path: "x.db", DSN: "file:y.db"}, "file:y.db"},
		{"postgres without dsn", StoreConfig{Kind: "postgres"}, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.EffectiveDSN(); got != tt.want {
				t.Fatalf("EffectiveDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSourceConfig_DelimiterFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		delim string
		path  string
		want  rune
	}{
		{"", "a/b.csv", ','},
		{"", "a/b.TSV", '\t'},
		{";", "a/b.csv", ';'},
		{`\t`, "a/b.csv", '\t'},
	}
	for _, tt := range tests {
		s := SourceConfig{Delimiter: tt.delim}
		if got := s.DelimiterFor(tt.path); got != tt.want {
			t.Errorf("DelimiterFor(%q) with %q = %q, want %q", tt.path, tt.delim, got, tt.want)
		}
	}
}
