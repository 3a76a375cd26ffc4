// Package catalog discovers source files under a root directory and assigns
// each one a destination table name.
package catalog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"csvload/internal/logging"
	"csvload/internal/schema"
	"csvload/internal/storage"

	"go.uber.org/zap"
)

var (
	// ErrSourceUnreadable marks a file or directory that could not be read.
	ErrSourceUnreadable = errors.New("catalog: source unreadable")

	// ErrRoot is returned when the root is missing or not a directory.
	ErrRoot = errors.New("catalog: root is not a readable directory")
)

// DefaultExtensions are the recognized tabular file extensions.
var DefaultExtensions = []string{".csv", ".tsv", ".txt"}

// SourceFile is one file to import.
type SourceFile struct {
	Path    string    `json:"path"`
	RelPath string    `json:"rel_path"`
	Table   string    `json:"table"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Skip is a path the scanner could not use.
type Skip struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the scan output. Sources are ordered by relative path.
type Result struct {
	Sources []SourceFile
	Skipped []Skip
}

// Options configures Scan.
type Options struct {
	// Extensions are matched case-insensitively. Nil means DefaultExtensions.
	Extensions []string

	// Reserved table names that sources must not receive.
	// storage.MetadataTable is always reserved.
	Reserved []string

	Log *zap.Logger
}

// TableName derives the table name for a path relative to the root:
// directory parts and the file stem joined by '_', lowercased, with runs of
// other characters collapsed to '_'.
func TableName(rel string) string {
	rel = filepath.ToSlash(rel)
	dir, file := "", rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		dir, file = rel[:i], rel[i+1:]
	}
	stem := strings.TrimSuffix(file, filepath.Ext(file))

	var parts []string
	if dir != "" {
		parts = strings.Split(dir, "/")
	}
	return schema.TableName(append(parts, stem)...)
}

// Scan walks root and returns every recognized, non-blank, readable file.
// Unreadable entries are logged and returned in Result.Skipped; they never
// fail the scan.
func Scan(root string, opt Options) (Result, error) {
	log := logging.OrNop(opt.Log)

	info, err := os.Stat(root)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrRoot, root, err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("%w: %s", ErrRoot, root)
	}

	exts := opt.Extensions
	if exts == nil {
		exts = DefaultExtensions
	}
	want := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		want[e] = struct{}{}
	}

	var res Result
	skip := func(path string, reason string) {
		res.Skipped = append(res.Skipped, Skip{Path: path, Reason: reason})
		log.Warn("source skipped", zap.String("path", path), zap.String("reason", reason))
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			skip(path, fmt.Sprintf("%v: %v", ErrSourceUnreadable, err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := want[strings.ToLower(filepath.Ext(d.Name()))]; !ok {
			return nil
		}

		fi, err := os.Stat(path)
		if err != nil {
			skip(path, fmt.Sprintf("%v: %v", ErrSourceUnreadable, err))
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		if fi.Size() == 0 {
			log.Debug("empty source ignored", zap.String("path", path))
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			skip(path, fmt.Sprintf("%v: %v", ErrSourceUnreadable, err))
			return nil
		}
		empty, err := blank(f)
		_ = f.Close()
		if err != nil {
			skip(path, fmt.Sprintf("%v: %v", ErrSourceUnreadable, err))
			return nil
		}
		if empty {
			log.Debug("blank source ignored", zap.String("path", path))
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = d.Name()
		}
		res.Sources = append(res.Sources, SourceFile{
			Path:    path,
			RelPath: filepath.ToSlash(rel),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrRoot, root, walkErr)
	}

	sort.Slice(res.Sources, func(i, j int) bool {
		return res.Sources[i].RelPath < res.Sources[j].RelPath
	})
	assignTables(res.Sources, append([]string{storage.MetadataTable}, opt.Reserved...), log)
	return res, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// blank reports whether r holds nothing but an optional UTF-8 BOM and line
// breaks, so no header record can be read from it.
func blank(r io.Reader) (bool, error) {
	br := bufio.NewReader(r)
	if head, _ := br.Peek(len(utf8BOM)); bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if b != '\n' && b != '\r' {
			return false, nil
		}
	}
}

// assignTables names every source in order. A name already taken gets the
// lowest free suffix starting at _2.
func assignTables(sources []SourceFile, reserved []string, log *zap.Logger) {
	taken := make(map[string]struct{}, len(sources)+len(reserved))
	for _, r := range reserved {
		taken[r] = struct{}{}
	}
	for i := range sources {
		base := TableName(sources[i].RelPath)
		name := base
		for n := 2; ; n++ {
			if _, clash := taken[name]; !clash {
				break
			}
			suffix := "_" + strconv.Itoa(n)
			name = base[:min(len(base), schema.MaxTableBytes-len(suffix))] + suffix
		}
		if name != base {
			log.Warn("table name collision",
				zap.String("path", sources[i].RelPath),
				zap.String("wanted", base),
				zap.String("table", name))
		}
		taken[name] = struct{}{}
		sources[i].Table = name
	}
}

// Tables returns the assigned table names in scan order.
func (r Result) Tables() []string {
	out := make([]string, len(r.Sources))
	for i, s := range r.Sources {
		out[i] = s.Table
	}
	return out
}
