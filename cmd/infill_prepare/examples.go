// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/pkg/errors"
)

var flagExamples = flag.String("examples", "",
	"Write the synthetic examples (prefix, completion and suffix) of all records to this file, "+
		"as a JSON array (.json) or one example per line (.jsonl). "+
		"Use -set=sampling_mode=lines for one example per window of three lines.")

// jsonExample is the exported form of an infill.SyntheticExample.
type jsonExample struct {
	Prefix     string `json:"prefix"`
	Completion string `json:"completion"`
	Suffix     string `json:"suffix"`
	Path       string `json:"path,omitempty"`
	Language   string `json:"language"`
}

// writeExamples writes the examples to path, in the format given by its extension.
func writeExamples(path string, examples []infill.SyntheticExample) error {
	rows := make([]jsonExample, len(examples))
	for ii, e := range examples {
		rows[ii] = jsonExample{Prefix: e.Prefix, Completion: e.Completion, Suffix: e.Suffix, Path: e.Path, Language: e.Language.String()}
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".jsonl" {
		return errors.Errorf("unknown format for -examples=%q, use .json or .jsonl", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if ext == ".json" {
		err = enc.Encode(rows)
	} else {
		for _, row := range rows {
			if err = enc.Encode(row); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed writing %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}
