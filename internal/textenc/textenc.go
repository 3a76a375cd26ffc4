// Package textenc resolves the character encoding of a source file.
//
// Resolution tries, in order: strict UTF-8, UTF-8 with a byte order mark,
// each configured legacy 8-bit encoding, and finally UTF-8 with invalid
// sequences replaced by U+FFFD. The last step always succeeds and marks the
// resolution lossy. Every step streams the input in fixed blocks.
package textenc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Names reported for the UTF-8 steps of the chain.
const (
	UTF8      = "utf-8"
	UTF8BOM   = "utf-8-bom"
	UTF8Lossy = "utf-8-lossy"
)

// DefaultLegacy is the legacy chain used when none is configured.
var DefaultLegacy = []string{"windows-1252"}

const blockSize = 64 << 10

var bom = []byte{0xEF, 0xBB, 0xBF}

// Resolution is the outcome of resolving one source.
type Resolution struct {
	// Name is utf-8, utf-8-bom, utf-8-lossy or the IANA name of a legacy
	// encoding as configured.
	Name  string
	Lossy bool

	enc encoding.Encoding
}

// NewReader wraps r so that it yields UTF-8 text without a byte order mark.
func (res Resolution) NewReader(r io.Reader) io.Reader {
	switch {
	case res.Name == UTF8:
		return r
	case res.Name == UTF8BOM || res.Lossy:
		return transform.NewReader(r, unicode.UTF8BOM.NewDecoder())
	case res.enc != nil:
		return transform.NewReader(r, res.enc.NewDecoder())
	default:
		return r
	}
}

// Opener reopens the source for each pass.
type Opener func() (io.ReadCloser, error)

type legacy struct {
	name string
	enc  encoding.Encoding
}

// Resolver holds the configured legacy chain.
type Resolver struct {
	legacy []legacy
}

// NewResolver looks up each legacy encoding name in the IANA index.
func NewResolver(names []string) (*Resolver, error) {
	if names == nil {
		names = DefaultLegacy
	}
	r := &Resolver{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		enc, err := ianaindex.IANA.Encoding(n)
		if err != nil {
			return nil, fmt.Errorf("textenc: unknown encoding %q: %w", n, err)
		}
		if enc == nil {
			return nil, fmt.Errorf("textenc: encoding %q is not supported", n)
		}
		r.legacy = append(r.legacy, legacy{name: strings.ToLower(n), enc: enc})
	}
	return r, nil
}

// Legacy returns the configured legacy encoding names in chain order.
func (r *Resolver) Legacy() []string {
	out := make([]string, len(r.legacy))
	for i, l := range r.legacy {
		out[i] = l.name
	}
	return out
}

// Resolve runs the chain over the source. Errors are I/O errors only; a
// source that no strict step accepts resolves to utf-8-lossy.
func (r *Resolver) Resolve(open Opener) (Resolution, error) {
	valid, hasBOM, err := withSource(open, checkUTF8)
	if err != nil {
		return Resolution{}, err
	}
	if valid {
		if hasBOM {
			return Resolution{Name: UTF8BOM}, nil
		}
		return Resolution{Name: UTF8}, nil
	}

	for _, l := range r.legacy {
		ok, _, err := withSource(open, func(src io.Reader) (bool, bool, error) {
			ok, err := checkStrict(transform.NewReader(src, l.enc.NewDecoder()))
			return ok, false, err
		})
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			return Resolution{Name: l.name, enc: l.enc}, nil
		}
	}

	return Resolution{Name: UTF8Lossy, Lossy: true}, nil
}

func withSource(open Opener, fn func(io.Reader) (bool, bool, error)) (bool, bool, error) {
	f, err := open()
	if err != nil {
		return false, false, err
	}
	defer f.Close()
	return fn(f)
}

// checkUTF8 reports whether src is entirely valid UTF-8 after an optional
// leading byte order mark.
func checkUTF8(src io.Reader) (valid, hasBOM bool, err error) {
	br := bufio.NewReaderSize(src, blockSize)
	if p, _ := br.Peek(len(bom)); bytes.Equal(p, bom) {
		hasBOM = true
		_, _ = br.Discard(len(bom))
	}

	buf := make([]byte, blockSize+utf8.UTFMax)
	carry := 0
	for {
		n, rerr := br.Read(buf[carry : carry+blockSize])
		data := buf[:carry+n]

		// Hold back a trailing incomplete rune for the next block.
		keep := 0
		if rerr == nil {
			keep = incompleteTail(data)
		}
		if !utf8.Valid(data[:len(data)-keep]) {
			return false, hasBOM, nil
		}
		carry = copy(buf, data[len(data)-keep:])

		if errors.Is(rerr, io.EOF) {
			return carry == 0, hasBOM, nil
		}
		if rerr != nil {
			return false, hasBOM, rerr
		}
	}
}

// incompleteTail returns how many trailing bytes of p form the start of a
// multi-byte rune that is not yet complete.
func incompleteTail(p []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(p); i++ {
		c := p[len(p)-i]
		if c < 0x80 {
			return 0
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(p[len(p)-i:]) {
				return i
			}
			return 0
		}
	}
	return 0
}

// checkStrict reports whether decoded text contains neither U+FFFD nor a C1
// control, which legacy decoders produce for bytes the code page does not
// define.
func checkStrict(decoded io.Reader) (bool, error) {
	br := bufio.NewReaderSize(decoded, blockSize)
	for {
		r, _, err := br.ReadRune()
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if r == utf8.RuneError || (r >= 0x80 && r <= 0x9F) {
			return false, nil
		}
	}
}
