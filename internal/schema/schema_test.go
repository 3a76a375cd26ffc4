package schema

import (
	"reflect"
	"strings"
	"testing"
)

func TestColumnName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Player Name", "player_name"},
		{"  K/D  ", "k_d"},
		{"Pick Rate (%)", "pick_rate"},
		{"2023 Rank", "col_2023_rank"},
		{"\ufeffid", "id"},
		{"", "unnamed_column"},
		{"???", "unnamed_column"},
		{"a--b__c", "a_b_c"},
		{"Ünïcode", "n_code"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := ColumnName(tt.in); got != tt.want {
				t.Fatalf("ColumnName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTableName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"vct_2023", "players", "Players Stats"}, "vct_2023_players_players_stats"},
		{[]string{"a-b", "x"}, "a_b_x"},
		{[]string{"2021", "maps"}, "2021_maps"},
		{[]string{"", "..."}, "unnamed_table"},
		{[]string{strings.Repeat("x", 55) + "_abc"}, strings.Repeat("x", 55)},
	}
	for _, tt := range tests {
		if got := TableName(tt.parts...); got != tt.want {
			t.Fatalf("TableName(%q) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}

func TestTruncate_UTF8Boundary(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("a", 62) + "é"
	got := Truncate(s)
	if len(got) != 62 {
		t.Fatalf("len(Truncate) = %d, want 62", len(got))
	}
	if short := "abc"; Truncate(short) != short {
		t.Fatalf("Truncate(short) changed the input")
	}
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"a", "b"}, []string{"a", "b"}},
		{[]string{"a", "a", "a"}, []string{"a", "a_1", "a_2"}},
		{[]string{"a", "a", "a_1"}, []string{"a", "a_2", "a_1"}},
	}
	for _, tt := range tests {
		if got := Dedupe(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("Dedupe(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("x", MaxIdentBytes)
	got := Dedupe([]string{long, long})
	if len(got[1]) > MaxIdentBytes || got[0] == got[1] {
		t.Fatalf("Dedupe(long) = %q", got)
	}
}

func TestAliasTable_Columns(t *testing.T) {
	t.Parallel()

	at := NewAliasTable(map[string][]string{
		"player": {"Player Name", "players"},
		"kd":     {"K/D", "kd_ratio"},
	})
	got := at.Columns([]string{"Player Name", "K/D", "Team", "player"})
	want := []string{"player", "kd", "team", "player_1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Columns() = %q, want %q", got, want)
	}
	if at.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", at.Len())
	}
}

func TestAliasTable_ConflictAndNil(t *testing.T) {
	t.Parallel()

	at := NewAliasTable(map[string][]string{
		"b": {"shared"},
		"a": {"shared"},
	})
	if got := at.Canonical("shared"); got != "a" {
		t.Fatalf("Canonical(shared) = %q, want a", got)
	}

	var nilTable *AliasTable
	if got := nilTable.Canonical("x"); got != "x" {
		t.Fatalf("nil Canonical = %q", got)
	}
	if got := nilTable.Columns([]string{"A", "a"}); !reflect.DeepEqual(got, []string{"a", "a_1"}) {
		t.Fatalf("nil Columns = %q", got)
	}
}
