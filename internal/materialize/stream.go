package materialize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"csvload/internal/catalog"
	csvparser "csvload/internal/parser/csv"
	"csvload/internal/storage"
	"csvload/internal/textenc"
	"csvload/internal/transformer"
)

// DefaultChannelBuffer is the capacity of each stage channel.
const DefaultChannelBuffer = 256

// Source is one file ready to load: where it is, how to decode it and the
// table it becomes.
type Source struct {
	File     catalog.SourceFile
	Encoding textenc.Resolution
	Comma    rune
	Spec     storage.TableSpec
}

// Stream opens src and runs parser -> coerce on their own goroutines. Rows
// are delivered on the returned channel, which is closed when the source is
// exhausted or ctx is canceled. wait must be called after the channel is
// drained; it returns the parser's error, if any.
//
// onWarn receives ragged-row warnings from the parser
// goroutine.
func Stream(
	ctx context.Context,
	src Source,
	nulls transformer.NullSet,
	buffer int,
	onWarn func(line int, msg string),
) (<-chan *transformer.Row, func() error, error) {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}

	f, err := os.Open(src.File.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", catalog.ErrSourceUnreadable, err)
	}
	r := csvparser.NewReader(src.Encoding.NewReader(f), csvparser.Options{Comma: src.Comma})
	if _, err := r.Header(); err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	columns := src.Spec.ColumnNames()
	spec := transformer.SpecFor(src.Spec, nulls)

	rawCh := make(chan *transformer.Row, buffer)
	outCh := make(chan *transformer.Row, buffer)

	var (
		wg       sync.WaitGroup
		parseErr error
	)
	wg.Add(2)

	// 1) Reader: stream records into pooled rows of the table width.
	go func() {
		defer wg.Done()
		defer close(rawCh)
		defer f.Close()
		parseErr = csvparser.StreamCSVRows(ctx, r, len(columns), rawCh, onWarn)
	}()

	// 2) Coerce: typed values for the loader.
	go func() {
		defer wg.Done()
		defer close(outCh)
		transformer.CoerceLoopRows(ctx, columns, rawCh, outCh, spec, nil)
	}()

	wait := func() error {
		wg.Wait()
		if errors.Is(parseErr, context.Canceled) || errors.Is(parseErr, context.DeadlineExceeded) {
			return nil
		}
		return parseErr
	}
	return outCh, wait, nil
}

func rawLine(r *transformer.Row, comma rune) string {
	return csvparser.FormatRecord(r.Src, comma)
}
