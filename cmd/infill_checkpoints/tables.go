// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	highlightRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)
)

// table wraps a lipgloss table, with rows that can be highlighted, and per-column alignment.
// The last alignment given is used for the remaining columns.
type table struct {
	*lgtable.Table
	numRows     int
	highlighted map[int]bool
}

func newTable(alignments ...lipgloss.Position) *table {
	t := &table{highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			var s lipgloss.Style
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case t.highlighted[row]:
				s = highlightRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// AddRow appends a row, highlighted if requested.
func (t *table) AddRow(highlight bool, cells ...string) {
	if highlight {
		t.highlighted[t.numRows] = true
	}
	t.Table.Row(cells...)
	t.numRows++
}

// allEqual returns whether all values are the same.
func allEqual[E comparable](values []E) bool {
	for _, v := range values {
		if v != values[0] {
			return false
		}
	}
	return true
}
