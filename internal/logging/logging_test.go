package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_WritesJSONWithFieldsAndLevel(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "log.jsonl")
	l, err := New(Config{
		Level:      "warn",
		Format:     "json",
		OutputPath: out,
		Fields:     map[string]string{"service": "csvload"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("dropped")
	l.Warn("kept", zap.String("table", "vct_2023_players"))
	_ = l.Sync()

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	if strings.Contains(s, "dropped") {
		t.Fatalf("info line written at warn level: %s", s)
	}
	for _, want := range []string{`"msg":"kept"`, `"service":"csvload"`, `"table":"vct_2023_players"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("log output missing %s: %s", want, s)
		}
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	t.Parallel()

	l, err := New(Config{Level: "chatty", Format: "console", OutputPath: filepath.Join(t.TempDir(), "x.log")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !l.Core().Enabled(zapcore.InfoLevel) || l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected info level")
	}
}

func TestStage_AddsField(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	Stage(zap.New(core), "load").Info("batch")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["stage"]; got != "load" {
		t.Fatalf("stage = %v, want load", got)
	}
}

func TestStage_NilLogger(t *testing.T) {
	t.Parallel()
	Stage(nil, "scan").Info("no panic")
	OrNop(nil).Info("no panic")
}
