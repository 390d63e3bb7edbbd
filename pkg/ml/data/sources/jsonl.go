// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/pkg/errors"
)

// jsonRecord is one line of a JSON lines file. Unknown fields are ignored.
type jsonRecord struct {
	Code     string `json:"code"`
	Path     string `json:"path"`
	Language string `json:"language"`
}

// maxJSONLineSize limits the size of one record, that is, of one source file.
const maxJSONLineSize = 64 << 20

// ReadJSONL reads records from a JSON lines file. Empty lines are ignored.
func ReadJSONL(path string) ([]infill.SourceRecord, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, errors.Wrapf(err, "sources: failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	return readJSONL(f, path)
}

func readJSONL(r io.Reader, source string) ([]infill.SourceRecord, Stats, error) {
	builder := newRecordBuilder(source)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxJSONLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec jsonRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, Stats{}, errors.Wrapf(err, "sources: %s:%d: invalid JSON record", source, lineNum)
		}
		builder.add(rec.Code, rec.Path, rec.Language)
	}
	if err := scanner.Err(); err != nil {
		return nil, Stats{}, errors.Wrapf(err, "sources: failed reading %q", source)
	}
	records, stats := builder.done()
	return records, stats, nil
}

// WriteJSONL writes records to a JSON lines file.
func WriteJSONL(path string, records []infill.SourceRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "sources: failed to create %q", path)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err = enc.Encode(jsonRecord{Code: r.Code, Path: r.Path, Language: r.Language.String()}); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "sources: failed writing %q", path)
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "sources: failed writing %q", path)
	}
	return errors.Wrapf(f.Close(), "sources: failed to close %q", path)
}
