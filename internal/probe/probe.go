// Package probe implements schema inference for delimited sources.
//
// The probe package is responsible for:
//   - Reading the header and a bounded prefix of data rows
//   - Sanitizing, aliasing and de-duplicating column names
//   - Inferring the narrowest type and nullability of each column
//   - Reporting sample statistics used to project the size of a load
//
// Design constraints:
//   - Sampling is bounded by Options.SampleRows; memory does not grow with
//     the number of sampled rows.
//   - Inference never fails on data: ambiguous columns widen to text.
//   - Results are deterministic for identical input and options.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"

	csvparser "csvload/internal/parser/csv"
	"csvload/internal/schema"
	"csvload/internal/storage"
	"csvload/internal/transformer"
)

// Options control sampling and header handling.
type Options struct {
	// SampleRows bounds the rows read after the header. Zero reads the
	// whole source.
	SampleRows int

	// Comma is the field delimiter. Zero means ','.
	Comma rune

	// Nulls are the values treated as missing. Blank values always are.
	Nulls transformer.NullSet

	// Aliases maps header variants onto canonical column names. May be nil.
	Aliases *schema.AliasTable
}

// Result is the inferred shape of one source.
type Result struct {
	// Header is the raw header row.
	Header []string

	// Columns are the inferred columns in source order.
	Columns []storage.ColumnSpec

	// SampledRows is the number of data rows read.
	SampledRows int

	// SampleBytes is the number of decoded bytes those rows occupied,
	// excluding the header.
	SampleBytes int64

	// Complete reports that the sample reached the end of the source, so
	// SampledRows is the exact row count.
	Complete bool
}

// AvgRowBytes returns the mean decoded size of a sampled row, or 0 when no
// rows were sampled.
func (r Result) AvgRowBytes() float64 {
	if r.SampledRows == 0 {
		return 0
	}
	return float64(r.SampleBytes) / float64(r.SampledRows)
}

// Spec returns a TableSpec for the named table.
func (r Result) Spec(table string) storage.TableSpec {
	spec := storage.TableSpec{Name: table, Columns: append([]storage.ColumnSpec(nil), r.Columns...)}
	if r.Complete {
		spec.RowCount = int64(r.SampledRows)
	}
	return spec
}

// Infer reads the header and up to opt.SampleRows records from src (decoded
// UTF-8 text) and infers a column spec for each header cell.
//
// Errors:
//   - csv.ErrNoHeader when src holds no records at all.
//   - read errors other than malformed records, which are skipped.
//   - ctx.Err() when ctx is canceled.
func Infer(ctx context.Context, src io.Reader, opt Options) (Result, error) {
	r := csvparser.NewReader(src, csvparser.Options{Comma: opt.Comma})

	header, err := r.Header()
	if err != nil {
		return Result{}, err
	}
	start := r.Offset()

	names := opt.Aliases.Columns(header)
	acc := NewAccumulator(len(header), opt.Nulls)

	res := Result{Header: header}
	for opt.SampleRows <= 0 || acc.Rows() < opt.SampleRows {
		if acc.Rows()%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}

		rec, _, err := r.Next()
		if errors.Is(err, io.EOF) {
			res.Complete = true
			break
		}
		if err != nil {
			var bad *csvparser.RecordError
			if errors.As(err, &bad) {
				continue
			}
			return Result{}, fmt.Errorf("probe: %w", err)
		}
		acc.Add(rec)
	}

	end := r.Offset()

	// A sample that stopped exactly at the limit may still be complete.
	if !res.Complete {
		if _, _, err := r.Next(); errors.Is(err, io.EOF) {
			res.Complete = true
		}
	}

	res.Columns = acc.Columns(names, header)
	res.SampledRows = acc.Rows()
	res.SampleBytes = end - start
	return res, nil
}
