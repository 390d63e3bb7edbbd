// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/infill/sampler"
	"github.com/gomlx/infill/pkg/ml/datasets"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchStats(t *testing.T) {
	const padID, maskID, unkID = 0, 1, 2
	batch := &collator.Batch{
		InputIDs: [][]int64{
			{5, maskID, maskID, 6, 0, 0, 0, 0},
			{unkID, maskID, maskID, 7, 8, 9, 0, 0},
		},
		Labels: [][]int64{
			{5, 10, padID, 6, -100, -100, -100, -100},
			{3, 11, 12, 7, 8, 9, -100, -100},
		},
		Length:    8,
		NumTokens: 10,
	}
	stats := newBatchStats("test", padID, maskID, unkID)
	require.NoError(t, stats.consume(datasets.FromSlice("batches", []*collator.Batch{batch, batch}), 0))
	assert.Equal(t, 2, stats.batches)
	assert.Equal(t, 4, stats.examples)
	assert.Equal(t, 20, stats.tokens)
	assert.Equal(t, 32, stats.paddedTokens)
	assert.Equal(t, 8, stats.maskPositions)
	assert.Equal(t, 2, stats.maskShortfall)
	assert.Equal(t, 2, stats.unknownTokens)
	assert.Equal(t, map[int]int{8: 2}, stats.lengthHistogram)

	rendered := stats.String()
	assert.Contains(t, rendered, "Mask shortfall")
	assert.Contains(t, rendered, "25.00%")
	assert.Contains(t, rendered, "8:2")

	limited := newBatchStats("limited", padID, maskID, unkID)
	require.NoError(t, limited.consume(datasets.FromSlice("batches", []*collator.Batch{batch, batch}), 1))
	assert.Equal(t, 1, limited.batches)
}

func TestWriteExamples(t *testing.T) {
	s, err := sampler.New().Mode(sampler.ModeLines).Done()
	require.NoError(t, err)
	examples := s.Sample([]infill.SourceRecord{
		{Code: "a\nb\nc\nd", Path: "x.ts", Language: infill.TypeScript},
		{Code: "too\nshort", Path: "y.css", Language: infill.CSS},
	})
	require.Len(t, examples, 2)
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "training.json")
	require.NoError(t, writeExamples(jsonPath, examples))
	var rows []jsonExample
	require.NoError(t, json.Unmarshal(must.M1(os.ReadFile(jsonPath)), &rows))
	assert.Equal(t, []jsonExample{
		{Prefix: "a", Completion: "b", Suffix: "c", Path: "x.ts", Language: infill.TypeScript.String()},
		{Prefix: "b", Completion: "c", Suffix: "d", Path: "x.ts", Language: infill.TypeScript.String()},
	}, rows)

	jsonlPath := filepath.Join(dir, "out", "training.jsonl")
	require.NoError(t, writeExamples(jsonlPath, examples))
	lines := strings.Split(strings.TrimSpace(string(must.M1(os.ReadFile(jsonlPath)))), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"prefix":"b"`)

	require.Error(t, writeExamples(filepath.Join(dir, "training.csv"), examples))
}
