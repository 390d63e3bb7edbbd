// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sources reads source records (code, path and language) from storage.
//
// Supported formats, selected by the file extension:
//
//   - Parquet (".parquet"): columns "code", "path" and "language". Other columns (e.g. "size", "license",
//     "repo_name") are ignored.
//   - CSV (".csv"), with a header row naming the same columns.
//   - JSON lines (".jsonl"), one object per line with the same fields.
//
// Records whose language is not one of the supported languages are skipped and counted in Stats.
// ReadTree reads records directly from the source files of a directory tree.
package sources

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/infill/internal/workerspool"
	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Column names used by all tabular formats.
const (
	CodeColumn     = "code"
	PathColumn     = "path"
	LanguageColumn = "language"
)

// Format of a records file.
type Format int

const (
	FormatUnknown Format = iota
	FormatParquet
	FormatCSV
	FormatJSONL
)

var formatExtensions = map[string]Format{
	".parquet": FormatParquet,
	".csv":     FormatCSV,
	".jsonl":   FormatJSONL,
	".ndjson":  FormatJSONL,
}

// FormatFromPath returns the format of a file given its extension.
func FormatFromPath(path string) Format {
	return formatExtensions[strings.ToLower(filepath.Ext(path))]
}

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatParquet:
		return "parquet"
	case FormatCSV:
		return "csv"
	case FormatJSONL:
		return "jsonl"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Stats of a read.
type Stats struct {
	Files int

	// Rows read, including skipped ones.
	Rows int

	// UnknownLanguage is the number of rows skipped because of their language.
	UnknownLanguage int

	// Empty is the number of records with no code. They are kept, but yield no examples.
	Empty int

	// Bytes of code read.
	Bytes int64

	// PerLanguage counts the records kept per language.
	PerLanguage map[infill.Language]int
}

// Records returns the number of records kept.
func (s *Stats) Records() int {
	return s.Rows - s.UnknownLanguage
}

// Merge adds the counts of other into s.
func (s *Stats) Merge(other Stats) {
	s.Files += other.Files
	s.Rows += other.Rows
	s.UnknownLanguage += other.UnknownLanguage
	s.Empty += other.Empty
	s.Bytes += other.Bytes
	for lang, count := range other.PerLanguage {
		s.count(lang, count)
	}
}

func (s *Stats) count(lang infill.Language, n int) {
	if s.PerLanguage == nil {
		s.PerLanguage = make(map[infill.Language]int)
	}
	s.PerLanguage[lang] += n
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	var parts []string
	for _, lang := range infill.Languages {
		parts = append(parts, fmt.Sprintf("%s=%s", lang, humanize.Comma(int64(s.PerLanguage[lang]))))
	}
	return fmt.Sprintf("%s records from %d files (%s of code; %s), %s skipped with unknown language, %s empty",
		humanize.Comma(int64(s.Records())), s.Files, humanize.Bytes(uint64(s.Bytes)), strings.Join(parts, ", "),
		humanize.Comma(int64(s.UnknownLanguage)), humanize.Comma(int64(s.Empty)))
}

// maxWarnings of unknown languages logged per file.
const maxWarnings = 3

// recordBuilder converts raw rows to records, keeping the stats.
type recordBuilder struct {
	source  string
	records []infill.SourceRecord
	stats   Stats
}

func newRecordBuilder(source string) *recordBuilder {
	return &recordBuilder{source: source, stats: Stats{Files: 1}}
}

func (b *recordBuilder) add(code, path, languageTag string) {
	b.stats.Rows++
	lang, err := infill.ParseLanguage(strings.TrimSpace(languageTag))
	if err != nil {
		b.stats.UnknownLanguage++
		if b.stats.UnknownLanguage <= maxWarnings {
			klog.Warningf("%s: skipping record %q: %v", b.source, path, err)
		}
		return
	}
	if code == "" {
		b.stats.Empty++
	}
	b.stats.Bytes += int64(len(code))
	b.stats.count(lang, 1)
	b.records = append(b.records, infill.SourceRecord{Code: code, Path: path, Language: lang})
}

func (b *recordBuilder) done() ([]infill.SourceRecord, Stats) {
	if b.stats.UnknownLanguage > maxWarnings {
		klog.Warningf("%s: %d records skipped with unknown language", b.source, b.stats.UnknownLanguage)
	}
	return b.records, b.stats
}

// ReadFile reads the records of one file, in the format given by its extension.
func ReadFile(path string) ([]infill.SourceRecord, Stats, error) {
	var (
		records []infill.SourceRecord
		stats   Stats
		err     error
	)
	switch format := FormatFromPath(path); format {
	case FormatParquet:
		records, stats, err = ReadParquet(path)
	case FormatCSV:
		records, stats, err = ReadCSV(path)
	case FormatJSONL:
		records, stats, err = ReadJSONL(path)
	default:
		return nil, Stats{}, errors.Errorf("sources: unknown format for file %q, known extensions are %q",
			path, slices.Sorted(maps.Keys(formatExtensions)))
	}
	if err != nil {
		return nil, Stats{}, err
	}
	klog.V(1).Infof("sources: read %q: %d records", path, len(records))
	return records, stats, nil
}

// ReadFiles reads the records of all files, directories (only files with known extensions) and glob
// patterns given, in parallel. The order of records is deterministic: files are sorted, and records
// keep the order within each file.
func ReadFiles(paths []string, parallelism int) ([]infill.SourceRecord, Stats, error) {
	expanded, err := fsutil.ExpandShards(paths, "")
	if err != nil {
		return nil, Stats{}, err
	}
	var files []string
	for _, path := range expanded {
		if FormatFromPath(path) == FormatUnknown {
			klog.V(1).Infof("sources: ignoring %q, unknown format", path)
			continue
		}
		files = append(files, path)
	}
	if len(files) == 0 {
		return nil, Stats{}, errors.Errorf("sources: no records files found in %q", paths)
	}

	perFile := make([][]infill.SourceRecord, len(files))
	perFileStats := make([]Stats, len(files))
	errs := make([]error, len(files))
	workerspool.New(parallelism).ForEach(len(files), func(ii int) {
		perFile[ii], perFileStats[ii], errs[ii] = ReadFile(files[ii])
	})
	var (
		records []infill.SourceRecord
		stats   Stats
	)
	for ii := range files {
		if errs[ii] != nil {
			return nil, Stats{}, errs[ii]
		}
		records = append(records, perFile[ii]...)
		stats.Merge(perFileStats[ii])
	}
	return records, stats, nil
}
