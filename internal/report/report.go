// Package report aggregates per-table import outcomes into the run report.
//
// Build is pure; Write and Render only touch their destination, never the
// store.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"csvload/internal/console"
	"csvload/internal/storage"
)

// DefaultKeep bounds the warnings and rejected rows kept per table.
const DefaultKeep = 100

// Rejected is a row the store refused after bisection isolated it.
type Rejected struct {
	Line   int    `json:"line"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// Chunk statuses.
const (
	ChunkCommitted = "committed"
	ChunkResumed   = "resumed"
	ChunkFailed    = "failed"
)

// ChunkLog records one chunk of a chunked load.
type ChunkLog struct {
	Index       int      `json:"index"`
	Status      string   `json:"status"`
	RowsLoaded  int64    `json:"rows_loaded"`
	RowsSkipped int64    `json:"rows_skipped"`
	Drift       []string `json:"drift,omitempty"`
	Seconds     float64  `json:"seconds"`
	Error       string   `json:"error,omitempty"`
}

// Outcome is the result of importing one source into one table.
type Outcome struct {
	Table       string         `json:"table"`
	Source      string         `json:"source"`
	Status      storage.Status `json:"status"`
	Loader      storage.Loader `json:"loader"`
	Oversized   bool           `json:"oversized"`
	Encoding    string         `json:"encoding"`
	Lossy       bool           `json:"lossy"`
	Columns     int            `json:"columns"`
	RowsLoaded  int64          `json:"rows_loaded"`
	RowsSkipped int64          `json:"rows_skipped"`

	Warnings      []string   `json:"warnings,omitempty"`
	WarningCount  int        `json:"warning_count"`
	Rejected      []Rejected `json:"rejected,omitempty"`
	RejectedCount int        `json:"rejected_count"`
	Chunks        []ChunkLog `json:"chunks,omitempty"`

	Error   string  `json:"error,omitempty"`
	Seconds float64 `json:"seconds"`
}

// AddWarning counts a warning and keeps its text while fewer than keep are
// stored.
func (o *Outcome) AddWarning(msg string, keep int) {
	o.WarningCount++
	if len(o.Warnings) < keep {
		o.Warnings = append(o.Warnings, msg)
	}
}

// AddRejected counts a rejected row and keeps it while fewer than keep are
// stored.
func (o *Outcome) AddRejected(r Rejected, keep int) {
	o.RejectedCount++
	if len(o.Rejected) < keep {
		o.Rejected = append(o.Rejected, r)
	}
}

// Fail marks the outcome failed with err.
func (o *Outcome) Fail(err error) {
	o.Status = storage.StatusFailed
	if err != nil {
		o.Error = err.Error()
	}
}

// SkippedSource is a file the scanner could not use.
type SkippedSource struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Input is everything Build aggregates.
type Input struct {
	RunID         string
	Command       string
	Store         string
	Database      string
	DatabaseBytes int64
	Started       time.Time
	Elapsed       time.Duration
	Aborted       string
	Outcomes      []Outcome
	Skipped       []SkippedSource
}

// Report is the persisted summary of one run.
type Report struct {
	RunID         string    `json:"run_id"`
	Command       string    `json:"command"`
	Store         string    `json:"store"`
	Database      string    `json:"database,omitempty"`
	DatabaseBytes int64     `json:"database_bytes,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	Seconds       float64   `json:"seconds"`
	Aborted       string    `json:"aborted,omitempty"`

	TablesCreated int      `json:"tables_created"`
	TablesOK      int      `json:"tables_ok"`
	TablesPartial int      `json:"tables_partial"`
	TablesFailed  int      `json:"tables_failed"`
	RowsLoaded    int64    `json:"rows_loaded"`
	RowsSkipped   int64    `json:"rows_skipped"`
	Warnings      int      `json:"warnings"`
	LossyTables   []string `json:"lossy_tables"`
	Oversized     []string `json:"oversized_tables"`
	FailedTables  []string `json:"failed_tables"`

	Skipped []SkippedSource `json:"skipped_sources,omitempty"`
	Tables  []Outcome       `json:"tables"`
}

// Build aggregates in. Tables keep the order of in.Outcomes.
func Build(in Input) Report {
	r := Report{
		RunID:         in.RunID,
		Command:       in.Command,
		Store:         in.Store,
		Database:      in.Database,
		DatabaseBytes: in.DatabaseBytes,
		StartedAt:     in.Started.UTC(),
		Seconds:       in.Elapsed.Seconds(),
		Aborted:       in.Aborted,
		LossyTables:   []string{},
		Oversized:     []string{},
		FailedTables:  []string{},
		Skipped:       append([]SkippedSource(nil), in.Skipped...),
		Tables:        append([]Outcome(nil), in.Outcomes...),
	}

	for _, o := range in.Outcomes {
		switch o.Status {
		case storage.StatusOK:
			r.TablesOK++
			r.TablesCreated++
		case storage.StatusPartial:
			r.TablesPartial++
			r.TablesCreated++
		default:
			r.TablesFailed++
			r.FailedTables = append(r.FailedTables, o.Table)
		}
		r.RowsLoaded += o.RowsLoaded
		r.RowsSkipped += o.RowsSkipped
		r.Warnings += o.WarningCount
		if o.Lossy {
			r.LossyTables = append(r.LossyTables, o.Table)
		}
		if o.Oversized {
			r.Oversized = append(r.Oversized, o.Table)
		}
	}
	sort.Strings(r.LossyTables)
	sort.Strings(r.Oversized)
	sort.Strings(r.FailedTables)
	return r
}

// OK reports whether every table loaded and the run was not aborted.
func (r Report) OK() bool {
	return r.TablesFailed == 0 && r.Aborted == ""
}

// DefaultPath returns the report path beside a database file.
func DefaultPath(database string) string {
	return database + ".report.json"
}

// Write persists r as indented JSON, replacing path atomically.
func (r Report) Write(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	b = append(b, '\n')

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("report: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("report: rename: %w", err)
	}
	return nil
}

// Read loads a report written by Write.
func Read(path string) (Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return Report{}, fmt.Errorf("report: parse %s: %w", path, err)
	}
	return r, nil
}

// Render prints the per-table table and the totals.
func (r Report) Render(w io.Writer) error {
	rows := make([][]string, 0, len(r.Tables))
	for _, o := range r.Tables {
		enc := o.Encoding
		if o.Lossy {
			enc += " (lossy)"
		}
		rows = append(rows, []string{
			o.Table,
			string(o.Status),
			string(o.Loader),
			strconv.FormatInt(o.RowsLoaded, 10),
			strconv.FormatInt(o.RowsSkipped, 10),
			strconv.Itoa(o.Columns),
			enc,
			strconv.Itoa(o.WarningCount),
		})
	}

	title := fmt.Sprintf("csvload %s  run %s", r.Command, r.RunID)
	totals := fmt.Sprintf(
		"tables: %d created, %d ok, %d partial, %d failed | rows: %d loaded, %d skipped | warnings: %d | lossy: %d | %.1fs",
		r.TablesCreated, r.TablesOK, r.TablesPartial, r.TablesFailed,
		r.RowsLoaded, r.RowsSkipped, r.Warnings, len(r.LossyTables), r.Seconds,
	)

	if _, err := fmt.Fprintln(w, console.TitleStyle.Render(title)); err != nil {
		return err
	}
	if len(rows) > 0 {
		tbl := console.Table([]string{"table", "status", "loader", "loaded", "skipped", "cols", "encoding", "warnings"}, rows, 1)
		if _, err := fmt.Fprintln(w, tbl); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, totals); err != nil {
		return err
	}
	if r.DatabaseBytes > 0 {
		if _, err := fmt.Fprintf(w, "database: %s (%.1f MiB)\n", r.Database, float64(r.DatabaseBytes)/(1<<20)); err != nil {
			return err
		}
	}
	for _, s := range r.Skipped {
		if _, err := fmt.Fprintf(w, "skipped %s: %s\n", s.Path, s.Reason); err != nil {
			return err
		}
	}
	if r.Aborted != "" {
		if _, err := fmt.Fprintln(w, console.ErrorStyle.Render("aborted: "+r.Aborted)); err != nil {
			return err
		}
	}
	return nil
}
