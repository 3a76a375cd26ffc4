// Package verify audits a finished store against the source tree without
// writing to it.
package verify

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"csvload/internal/catalog"
	"csvload/internal/console"
	"csvload/internal/runctx"
	"csvload/internal/storage"

	"go.uber.org/zap"
)

// Table check statuses.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusFailed  = "failed"
	StatusMissing = "missing"
)

// Defaults.
const (
	DefaultSampleRows  = 3
	DefaultWideColumns = 50
)

// Options configures Run.
type Options struct {
	Root        string
	Scan        catalog.Options
	SampleRows  int
	WideColumns int
}

// TableCheck is the audit of one expected table.
type TableCheck struct {
	Table        string   `json:"table"`
	Source       string   `json:"source"`
	Status       string   `json:"status"`
	Rows         int64    `json:"rows"`
	Columns      int      `json:"columns"`
	Sampled      int      `json:"sampled"`
	ImportStatus string   `json:"import_status,omitempty"`
	Notes        []string `json:"notes,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func (c *TableCheck) warn(note string) {
	c.Notes = append(c.Notes, note)
	if c.Status == StatusOK {
		c.Status = StatusWarning
	}
}

func (c *TableCheck) fail(err error) {
	c.Status = StatusFailed
	c.Error = err.Error()
}

// Result is the outcome of a verify run.
type Result struct {
	Tables  []TableCheck   `json:"tables"`
	Extra   []string       `json:"extra_tables,omitempty"`
	Skipped []catalog.Skip `json:"skipped_sources,omitempty"`
}

// OK reports whether every expected table exists, is readable and was not
// left loading or failed. Warnings and extra tables do not count.
func (r Result) OK() bool {
	for _, t := range r.Tables {
		if t.Status == StatusFailed || t.Status == StatusMissing {
			return false
		}
	}
	return true
}

// Count returns how many checks have status.
func (r Result) Count(status string) int {
	n := 0
	for _, t := range r.Tables {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Run rescans opt.Root and checks every expected table in repo. It returns
// an error only when the scan fails or the store is unusable; per-table
// problems are reported in the Result.
func Run(ctx context.Context, repo storage.Repository, run *runctx.Run, opt Options) (Result, error) {
	if opt.SampleRows <= 0 {
		opt.SampleRows = DefaultSampleRows
	}
	if opt.WideColumns <= 0 {
		opt.WideColumns = DefaultWideColumns
	}
	log := run.Logger("verify")
	if opt.Scan.Log == nil {
		opt.Scan.Log = log
	}

	var res Result
	err := run.Step("verify", func() error {
		scan, err := catalog.Scan(opt.Root, opt.Scan)
		if err != nil {
			return err
		}
		res.Skipped = scan.Skipped

		records, err := repo.ImportRecords(ctx)
		if err != nil {
			return fmt.Errorf("verify: import records: %w", err)
		}

		expected := make(map[string]struct{}, len(scan.Sources))
		for _, src := range scan.Sources {
			expected[src.Table] = struct{}{}
			c, err := checkTable(ctx, repo, src, records, opt)
			if err != nil {
				return err
			}
			log.Info("table checked",
				zap.String("table", c.Table),
				zap.String("status", c.Status),
				zap.Int64("rows", c.Rows),
				zap.Int("columns", c.Columns),
				zap.Strings("notes", c.Notes))
			res.Tables = append(res.Tables, c)
		}

		tables, err := repo.ListTables(ctx)
		if err != nil {
			return fmt.Errorf("verify: list tables: %w", err)
		}
		for _, t := range tables {
			if _, ok := expected[t]; !ok {
				res.Extra = append(res.Extra, t)
			}
		}
		sort.Strings(res.Extra)
		if len(res.Extra) > 0 {
			log.Info("tables without a source", zap.Strings("tables", res.Extra))
		}
		return nil
	})
	return res, err
}

// checkTable audits one table. The error is non-nil only when the store
// itself failed.
func checkTable(ctx context.Context, repo storage.Repository, src catalog.SourceFile, records map[string]storage.ImportRecord, opt Options) (TableCheck, error) {
	c := TableCheck{Table: src.Table, Source: src.RelPath, Status: StatusOK}

	storeErr := func(err error) (TableCheck, error) {
		if repo.Classify(err) == storage.ClassFatal {
			return c, fmt.Errorf("verify %s: %w", src.Table, err)
		}
		c.fail(err)
		return c, nil
	}

	exists, err := repo.TableExists(ctx, src.Table)
	if err != nil {
		return storeErr(err)
	}
	if !exists {
		c.Status = StatusMissing
		return c, nil
	}

	if c.Rows, err = repo.CountRows(ctx, src.Table); err != nil {
		return storeErr(err)
	}
	if c.Rows == 0 {
		c.warn("no rows")
	}

	sample, err := repo.SampleRows(ctx, src.Table, opt.SampleRows)
	if err != nil {
		return storeErr(err)
	}
	c.Sampled = len(sample)

	cols, err := repo.ColumnNames(ctx, src.Table)
	if err != nil {
		return storeErr(err)
	}
	c.Columns = len(cols)
	switch {
	case c.Columns > opt.WideColumns:
		c.warn(fmt.Sprintf("wide table: %d columns", c.Columns))
	case c.Columns == 1:
		c.warn("single column; check the delimiter")
	}

	rec, ok := records[src.Table]
	if !ok {
		c.warn("no import record")
		return c, nil
	}
	c.ImportStatus = string(rec.Status)
	switch {
	case !rec.Status.Complete():
		c.fail(fmt.Errorf("import status is %s", rec.Status))
	case rec.RowCount != c.Rows:
		c.warn(fmt.Sprintf("row count %d, import recorded %d", c.Rows, rec.RowCount))
	}
	return c, nil
}

// Render prints the checks, extra tables and a summary line.
func (r Result) Render(w io.Writer) error {
	rows := make([][]string, 0, len(r.Tables))
	for _, t := range r.Tables {
		detail := strings.Join(t.Notes, "; ")
		if t.Error != "" {
			detail = t.Error
		}
		rows = append(rows, []string{
			t.Table,
			t.Status,
			strconv.FormatInt(t.Rows, 10),
			strconv.Itoa(t.Columns),
			t.ImportStatus,
			detail,
		})
	}

	if _, err := fmt.Fprintln(w, console.TitleStyle.Render("csvload verify")); err != nil {
		return err
	}
	if len(rows) > 0 {
		tbl := console.Table([]string{"table", "status", "rows", "cols", "import", "notes"}, rows, 1)
		if _, err := fmt.Fprintln(w, tbl); err != nil {
			return err
		}
	}
	for _, t := range r.Extra {
		if _, err := fmt.Fprintln(w, console.WarningStyle.Render("extra table "+t)); err != nil {
			return err
		}
	}
	for _, s := range r.Skipped {
		if _, err := fmt.Fprintf(w, "skipped %s: %s\n", s.Path, s.Reason); err != nil {
			return err
		}
	}

	summary := fmt.Sprintf("%d tables: %d ok, %d warning, %d failed, %d missing, %d extra",
		len(r.Tables), r.Count(StatusOK), r.Count(StatusWarning), r.Count(StatusFailed), r.Count(StatusMissing), len(r.Extra))
	style := console.SuccessStyle
	if !r.OK() {
		style = console.ErrorStyle
	}
	_, err := fmt.Fprintln(w, style.Render(summary))
	return err
}
