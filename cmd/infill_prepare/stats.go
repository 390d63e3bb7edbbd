// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/ml/train"
)

// batchStats accumulates statistics of collated batches.
type batchStats struct {
	name                 string
	padID, maskID, unkID int64

	batches, examples    int
	tokens, paddedTokens int
	maxLength            int
	maskPositions        int
	maskShortfall        int // Masked positions whose label is padding: completion shorter than the mask.
	unknownTokens        int
	lengthHistogram      map[int]int
}

func newBatchStats(name string, padID, maskID, unkID int) *batchStats {
	return &batchStats{
		name:            name,
		padID:           int64(padID),
		maskID:          int64(maskID),
		unkID:           int64(unkID),
		lengthHistogram: make(map[int]int),
	}
}

// add the statistics of one batch.
func (s *batchStats) add(batch *collator.Batch) {
	s.batches++
	s.examples += batch.Size()
	s.tokens += batch.NumTokens
	s.paddedTokens += batch.Size() * batch.Length
	s.maxLength = max(s.maxLength, batch.Length)
	s.lengthHistogram[batch.Length]++
	for row, inputs := range batch.InputIDs {
		for col, id := range inputs {
			switch id {
			case s.maskID:
				s.maskPositions++
				if batch.Labels[row][col] == s.padID {
					s.maskShortfall++
				}
			case s.unkID:
				s.unknownTokens++
			}
		}
	}
}

// consume reads up to maxBatches batches of ds (all if maxBatches <= 0).
func (s *batchStats) consume(ds train.Dataset[*collator.Batch], maxBatches int) error {
	for maxBatches <= 0 || s.batches < maxBatches {
		batch, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		s.add(batch)
	}
	return nil
}

func ratio(numerator, denominator int) string {
	if denominator == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", 100*float64(numerator)/float64(denominator))
}

var (
	keyStyle   = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	valueStyle = lipgloss.NewStyle().Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 0, 0, 2)
)

// String renders the statistics as a table.
func (s *batchStats) String() string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#705090"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return valueStyle
		})
	table.Row("Batches", humanize.Comma(int64(s.batches)))
	table.Row("Examples", humanize.Comma(int64(s.examples)))
	table.Row("Tokens", humanize.Comma(int64(s.tokens)))
	table.Row("Padding overhead", ratio(s.paddedTokens-s.tokens, s.paddedTokens))
	table.Row("Max batch length", humanize.Comma(int64(s.maxLength)))
	table.Row("Masked positions", humanize.Comma(int64(s.maskPositions)))
	table.Row("Mask shortfall", ratio(s.maskShortfall, s.maskPositions))
	table.Row("Unknown tokens", ratio(s.unknownTokens, s.tokens))
	var lengths []string
	for _, length := range slices.Sorted(maps.Keys(s.lengthHistogram)) {
		lengths = append(lengths, fmt.Sprintf("%d:%d", length, s.lengthHistogram[length]))
	}
	table.Row("Batch lengths", strings.Join(lengths, " "))
	return titleStyle.Render(s.name) + "\n" + table.String()
}
