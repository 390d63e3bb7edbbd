// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/infill/pkg/ml/checkpoints"
	"github.com/gomlx/infill/pkg/ml/train/optimizers/adaptiveschedule"
	"github.com/pkg/errors"
)

// ModelComponent is the name under which infill_train saves the model.
const ModelComponent = "model"

// modelSummary is the part of the saved model state reported.
type modelSummary struct {
	VocabSize int       `json:"vocab_size"`
	Logits    []float64 `json:"logits"`
}

// row is a summary row with one value per checkpoint. Rows where all values are empty are omitted.
type row struct {
	label  string
	values []string
}

func (r row) empty() bool {
	for _, v := range r.values {
		if v != "" {
			return false
		}
	}
	return true
}

// Summary reports, per checkpoint, the run, the steps trained, the learning rate controller state
// and the model size.
func Summary(w io.Writer, ckpts []*checkpoint) error {
	newRow := func(label string) row { return row{label: label, values: make([]string, len(ckpts))} }
	var (
		runID      = newRow("run id")
		step       = newRow("step")
		saved      = newRow("saved")
		file       = newRow("file")
		factor     = newRow("lr factor")
		lastLoss   = newRow("last eval loss")
		vocabSize  = newRow("vocab size")
		parameters = newRow("# parameters")
		modelBytes = newRow("model bytes")
	)
	for ii, ckpt := range ckpts {
		h := ckpt.handler
		runID.values[ii] = h.RunID()
		step.values[ii] = humanize.Comma(int64(h.Step()))
		if !h.Time().IsZero() {
			saved.values[ii] = humanize.Time(h.Time())
		}
		file.values[ii] = h.LoadedFrom()

		if raw, found := h.ComponentState(checkpoints.ScheduleComponent); found {
			var state adaptiveschedule.State
			if err := json.Unmarshal(raw, &state); err != nil {
				return errors.Wrapf(err, "%s: failed to parse %q", ckpt.name, checkpoints.ScheduleComponent)
			}
			factor.values[ii] = fmt.Sprintf("%.4g", state.Factor)
			if state.LastLoss != nil {
				lastLoss.values[ii] = fmt.Sprintf("%.4f", *state.LastLoss)
			}
		}
		if raw, found := h.ComponentState(ModelComponent); found {
			var model modelSummary
			if err := json.Unmarshal(raw, &model); err != nil {
				return errors.Wrapf(err, "%s: failed to parse %q", ckpt.name, ModelComponent)
			}
			vocabSize.values[ii] = humanize.Comma(int64(model.VocabSize))
			parameters.values[ii] = humanize.Comma(int64(len(model.Logits)))
			modelBytes.values[ii] = humanize.Bytes(uint64(len(raw)))
		}
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	t := newTable(lipgloss.Right, lipgloss.Left)
	names := make([]string, len(ckpts))
	for ii, ckpt := range ckpts {
		names[ii] = ckpt.name
	}
	t.Headers(append([]string{"checkpoint"}, names...)...)
	for _, r := range []row{runID, step, saved, file, factor, lastLoss, vocabSize, parameters, modelBytes} {
		if r.empty() {
			continue
		}
		t.AddRow(false, append([]string{r.label}, r.values...)...)
	}
	_, _ = fmt.Fprintln(w, t.Render())
	return nil
}
