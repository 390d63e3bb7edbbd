// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/infill/pkg/support/sets"
)

// Params lists the hyperparameters of all checkpoints. With more than one checkpoint, there is one
// column per checkpoint and the rows with different values are highlighted.
func Params(w io.Writer, ckpts []*checkpoint) {
	keys := sets.Make[string]()
	for _, ckpt := range ckpts {
		keys.Insert(ckpt.params.Keys()...)
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	t := newTable(lipgloss.Right, lipgloss.Left)
	headers := []string{"Name", "Type"}
	if len(ckpts) == 1 {
		headers = append(headers, "Value")
	} else {
		for _, ckpt := range ckpts {
			headers = append(headers, ckpt.name)
		}
	}
	t.Headers(headers...)
	for _, key := range sets.Sorted(keys) {
		cells := make([]string, 2+len(ckpts))
		cells[0] = key
		for ii, ckpt := range ckpts {
			value, found := ckpt.params.Get(key)
			if !found {
				continue
			}
			if cells[1] == "" {
				cells[1] = fmt.Sprintf("%T", value)
			}
			cells[2+ii] = fmt.Sprintf("%v", value)
		}
		t.AddRow(!allEqual(cells[2:]), cells...)
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

// Components lists the components saved with each checkpoint, with the size of their state.
func Components(w io.Writer, ckpts []*checkpoint) {
	names := sets.Make[string]()
	for _, ckpt := range ckpts {
		names.Insert(ckpt.handler.ComponentNames()...)
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render("Components"))
	t := newTable(lipgloss.Right, lipgloss.Right)
	headers := []string{"Component"}
	for _, ckpt := range ckpts {
		headers = append(headers, ckpt.name)
	}
	t.Headers(headers...)
	for _, name := range sets.Sorted(names) {
		cells := make([]string, 1+len(ckpts))
		cells[0] = name
		for ii, ckpt := range ckpts {
			if raw, found := ckpt.handler.ComponentState(name); found {
				cells[1+ii] = humanize.Bytes(uint64(len(raw)))
			} else {
				cells[1+ii] = "-"
			}
		}
		t.AddRow(false, cells...)
	}
	_, _ = fmt.Fprintln(w, t.Render())
}
