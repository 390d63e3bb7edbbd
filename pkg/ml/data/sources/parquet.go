// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"io"
	"os"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// parquetRow is the subset of columns read from parquet files.
type parquetRow struct {
	Code     string `parquet:"code,optional"`
	Path     string `parquet:"path,optional"`
	Language string `parquet:"language,optional"`
}

// parquetBatchSize is the number of rows read at a time.
const parquetBatchSize = 256

// ReadParquet reads records from a parquet file.
func ReadParquet(path string) ([]infill.SourceRecord, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, errors.Wrapf(err, "sources: failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	return readParquet(f, path)
}

func readParquet(r io.ReaderAt, source string) (records []infill.SourceRecord, stats Stats, err error) {
	builder := newRecordBuilder(source)
	reader := parquet.NewGenericReader[parquetRow](r)
	defer func() { _ = reader.Close() }()
	rows := make([]parquetRow, parquetBatchSize)
	for {
		n, readErr := reader.Read(rows)
		for _, row := range rows[:n] {
			builder.add(row.Code, row.Path, row.Language)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, Stats{}, errors.Wrapf(readErr, "sources: failed reading parquet rows from %q", source)
		}
	}
	records, stats = builder.done()
	return records, stats, nil
}

// WriteParquet writes records to a parquet file, with the columns "code", "path" and "language".
func WriteParquet(path string, records []infill.SourceRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "sources: failed to create %q", path)
	}
	writer := parquet.NewGenericWriter[parquetRow](f)
	rows := make([]parquetRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, parquetRow{Code: r.Code, Path: r.Path, Language: r.Language.String()})
	}
	if _, err = writer.Write(rows); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sources: failed writing parquet rows to %q", path)
	}
	if err = writer.Close(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sources: failed to finalize parquet file %q", path)
	}
	return errors.Wrapf(f.Close(), "sources: failed to close %q", path)
}
