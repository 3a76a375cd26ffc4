package schema

import "sort"

// AliasTable maps sanitized source header variants to canonical column names.
type AliasTable struct {
	byVariant map[string]string
}

// NewAliasTable builds an AliasTable from canonical -> variants. Both sides
// are sanitized with ColumnName. When two canonicals claim the same variant,
// the lexically smaller canonical wins.
func NewAliasTable(m map[string][]string) *AliasTable {
	canonicals := make([]string, 0, len(m))
	for c := range m {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)

	t := &AliasTable{byVariant: make(map[string]string)}
	for _, c := range canonicals {
		canon := ColumnName(c)
		for _, v := range m[c] {
			key := ColumnName(v)
			if _, ok := t.byVariant[key]; ok || key == canon {
				continue
			}
			t.byVariant[key] = canon
		}
	}
	return t
}

// Canonical returns the canonical name for a sanitized column name, or name
// itself when it is not a known variant.
func (t *AliasTable) Canonical(name string) string {
	if t == nil {
		return name
	}
	if c, ok := t.byVariant[name]; ok {
		return c
	}
	return name
}

// Len reports the number of known variants.
func (t *AliasTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byVariant)
}

// Columns converts a raw header row into final column names: sanitize,
// apply aliases, de-duplicate, truncate.
func (t *AliasTable) Columns(header []string) []string {
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = Truncate(t.Canonical(ColumnName(h)))
	}
	return Dedupe(names)
}
