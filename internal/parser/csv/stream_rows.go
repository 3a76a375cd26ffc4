// Package csv reads delimited sources into pooled rows.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"csvload/internal/transformer"
)

// ErrNoHeader is returned when a source has no header record.
var ErrNoHeader = errors.New("csv: source has no header row")

// Options configures a Reader.
type Options struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune
}

// RecordError is a record the reader could not parse. Raw is its text as
// read from the input, without the line terminator.
type RecordError struct {
	Line int
	Raw  string
	Err  error
}

func (e *RecordError) Error() string { return "malformed record: " + e.Err.Error() }

func (e *RecordError) Unwrap() error { return e.Err }

// Reader wraps encoding/csv with the tolerant settings used for every
// source: variable field counts and lazy quotes.
type Reader struct {
	cr   *csv.Reader
	tap  *tap
	last int64
}

// NewReader returns a Reader over decoded UTF-8 text.
func NewReader(r io.Reader, opt Options) *Reader {
	t := &tap{r: r}
	cr := csv.NewReader(t)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return &Reader{cr: cr, tap: t}
}

// read returns the next record and the input span it was read from.
func (r *Reader) read() ([]string, int64, error) {
	start := r.last
	rec, err := r.cr.Read()
	r.last = r.cr.InputOffset()
	return rec, start, err
}

// Header reads the first record. A leading byte order mark on the first
// cell is removed and every cell is trimmed.
func (r *Reader) Header() ([]string, error) {
	rec, _, err := r.read()
	r.tap.release(r.last)
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	out := make([]string, len(rec))
	for i, h := range rec {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out, nil
}

// Next returns the next record and the line it starts on. The returned
// slice is reused by the following call. A malformed record is returned as
// a *RecordError and leaves the reader positioned at the next record.
func (r *Reader) Next() ([]string, int, error) {
	rec, start, err := r.read()
	defer r.tap.release(r.last)
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, pe.StartLine, &RecordError{Line: pe.StartLine, Raw: r.tap.text(start, r.last), Err: pe}
		}
		return nil, 0, err
	}
	line, _ := r.cr.FieldPos(0)
	return rec, line, nil
}

// Offset is the number of decoded input bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.cr.InputOffset()
}

// StreamCSVRows streams the records that follow the header into pooled
// *transformer.Row objects of exactly width fields.
//
// Short records are padded with empty fields. Long records are truncated
// and reported through onWarn. A malformed record is sent as a row with Err
// and Raw set and no fields, so the loader rejects it; any other read error
// stops the stream.
//
// NOTE on cancellation:
// On ctx cancellation we must NOT return in-flight rows to the pool (Drop instead),
// otherwise the parser can reuse them immediately while downstream drain-safe
// stages still read them.
func StreamCSVRows(
	ctx context.Context,
	r *Reader,
	width int,
	out chan<- *transformer.Row,
	onWarn func(line int, msg string),
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, line, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var bad *RecordError
		if err != nil && !errors.As(err, &bad) {
			return fmt.Errorf("csv read: %w", err)
		}

		row := transformer.GetRow(width)
		row.Line = line
		row.Offset = r.Offset()
		if bad != nil {
			row.Raw = bad.Raw
			row.Err = bad
		} else {
			if len(rec) > width && onWarn != nil {
				onWarn(line, fmt.Sprintf("expected %d fields, saw %d; extra fields dropped", width, len(rec)))
			}
			copy(row.Src, rec)
		}

		select {
		case out <- row:
		case <-ctx.Done():
			// IMPORTANT: do not re-pool on cancellation
			row.Drop()
			return ctx.Err()
		}
	}
}

// tapCompact is how far the retained input may trail the reader before it
// is compacted.
const tapCompact = 64 << 10

// tap keeps the input the csv reader has pulled but not yet released, so a
// malformed record can be reported with its original text.
type tap struct {
	r    io.Reader
	buf  []byte
	base int64 // input offset of buf[0]
}

func (t *tap) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.buf = append(t.buf, p[:n]...)
	return n, err
}

func (t *tap) text(from, to int64) string {
	lo := max(from-t.base, 0)
	hi := min(to-t.base, int64(len(t.buf)))
	if lo >= hi {
		return ""
	}
	return strings.TrimRight(string(t.buf[lo:hi]), "\r\n")
}

// release drops input before offset upto once enough has accumulated.
func (t *tap) release(upto int64) {
	drop := upto - t.base
	if drop < tapCompact || drop > int64(len(t.buf)) {
		return
	}
	n := copy(t.buf, t.buf[drop:])
	t.buf = t.buf[:n]
	t.base = upto
}

// FormatRecord renders fields as one delimited line, quoting as needed.
func FormatRecord(fields []string, comma rune) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if comma != 0 {
		w.Comma = comma
	}
	_ = w.Write(fields)
	w.Flush()
	return strings.TrimRight(b.String(), "\r\n")
}
