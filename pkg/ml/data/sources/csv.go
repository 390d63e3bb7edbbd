// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/infill/pkg/infill"
	"github.com/pkg/errors"
)

// ReadCSV reads records from a CSV file with a header row. The columns "code" and "language" are
// required, "path" is optional.
func ReadCSV(path string) ([]infill.SourceRecord, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, errors.Wrapf(err, "sources: failed to open %q", path)
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues([]string{}))
	if df.Err != nil {
		return nil, Stats{}, errors.Wrapf(df.Err, "sources: failed to parse CSV file %q", path)
	}
	columns := make(map[string][]string, 3)
	for _, name := range []string{CodeColumn, PathColumn, LanguageColumn} {
		col := df.Col(name)
		if col.Err != nil {
			if name == PathColumn {
				continue
			}
			return nil, Stats{}, errors.Errorf("sources: CSV file %q has no column %q, columns are %q", path, name, df.Names())
		}
		columns[name] = col.Records()
	}

	builder := newRecordBuilder(path)
	for row := range df.Nrow() {
		var recordPath string
		if paths := columns[PathColumn]; paths != nil {
			recordPath = paths[row]
		}
		builder.add(columns[CodeColumn][row], recordPath, columns[LanguageColumn][row])
	}
	records, stats := builder.done()
	return records, stats, nil
}

// WriteCSV writes records to a CSV file with a header row.
func WriteCSV(path string, records []infill.SourceRecord) error {
	codes := make([]string, len(records))
	paths := make([]string, len(records))
	langs := make([]string, len(records))
	for ii, r := range records {
		codes[ii], paths[ii], langs[ii] = r.Code, r.Path, r.Language.String()
	}
	df := dataframe.New(
		series.New(codes, series.String, CodeColumn),
		series.New(paths, series.String, PathColumn),
		series.New(langs, series.String, LanguageColumn))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "sources: failed to create %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sources: failed writing %q", path)
	}
	return errors.Wrapf(f.Close(), "sources: failed to close %q", path)
}
