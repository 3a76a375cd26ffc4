package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"csvload/internal/storage"
)

func TestBuildInsertSQL_NumbersPlaceholders(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL("maps", []string{"map", "picks"}, [][]any{{"Ascent", int64(3)}, {"Bind", nil}})
	want := `INSERT INTO "maps" ("map", "picks") VALUES ($1, $2), ($3, $4)`
	if sql != want {
		t.Fatalf("buildInsertSQL() = %q, want %q", sql, want)
	}
	if len(args) != 4 || args[2] != "Bind" || args[3] != nil {
		t.Fatalf("args = %#v", args)
	}
}

func TestBuildCreateTableSQL_Types(t *testing.T) {
	t.Parallel()

	ddl, err := buildCreateTableSQL(storage.TableSpec{
		Name: "agents",
		Columns: []storage.ColumnSpec{
			{Name: "agent", Type: storage.TypeText},
			{Name: "picks", Type: storage.TypeInteger},
			{Name: "pick_rate", Type: storage.TypeReal, Nullable: true},
			{Name: "is_duelist", Type: storage.TypeBoolean},
		},
	})
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, want := range []string{`CREATE TABLE "agents"`, `"picks" BIGINT`, `"pick_rate" DOUBLE PRECISION`, `"is_duelist" BOOLEAN`, `"agent" TEXT`} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q: %s", want, ddl)
		}
	}
	if _, err := buildCreateTableSQL(storage.TableSpec{Name: "empty"}); err == nil {
		t.Fatalf("expected error for table without columns")
	}
}

func TestPgIdent_EscapesQuotes(t *testing.T) {
	t.Parallel()
	if got := pgIdent(`a"b`); got != `"a""b"` {
		t.Fatalf("pgIdent = %s", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want storage.ErrorClass
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, storage.ClassRow},
		{"invalid text representation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "22P02"}), storage.ClassRow},
		{"numeric out of range", &pgconn.PgError{Code: "22003"}, storage.ClassRow},
		{"connection failure", &pgconn.PgError{Code: "08006"}, storage.ClassFatal},
		{"disk full", &pgconn.PgError{Code: "53100"}, storage.ClassFatal},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, storage.ClassFatal},
		{"canceled", context.Canceled, storage.ClassFatal},
		{"encode error", errors.New("unable to encode"), storage.ClassRow},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classify(tt.err); got != tt.want {
				t.Fatalf("classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
