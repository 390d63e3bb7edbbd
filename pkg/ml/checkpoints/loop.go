// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/gomlx/infill/pkg/ml/train/optimizers/adaptiveschedule"
)

// Names of the components attached by AttachToLoop.
const (
	ScheduleComponent = "schedule"
)

// checkpointPriority makes saving run after the other hooks, e.g. evaluation.
const checkpointPriority train.Priority = 100

// AttachToLoop connects the Handler to the training loop:
//
//   - The loop resumes from the number of steps of the loaded checkpoint.
//   - The adaptive learning rate controller attached to the loop, if any, is saved and restored.
//   - A checkpoint is saved every everyNSteps steps (if > 0) and at the end of the loop.
//
// It returns an error if the schedule state can't be restored.
func AttachToLoop[B any](h *Handler, loop *train.Loop[B], everyNSteps int) error {
	if h.Step() > 0 {
		loop.SetLoopStep(h.Step())
	}
	if ctrl := adaptiveschedule.FromLoop(loop); ctrl != nil {
		if err := h.Attach(ScheduleComponent, ctrl); err != nil {
			return err
		}
	}
	if everyNSteps > 0 {
		train.EveryNSteps(loop, everyNSteps, "checkpointing", checkpointPriority,
			func(loop *train.Loop[B], _ float64) error {
				return h.Save(loop.LoopStep + 1)
			})
	}
	loop.OnEnd("checkpointing", checkpointPriority, func(loop *train.Loop[B], _ float64) error {
		if loop.LoopStep == h.lastSavedStep {
			return nil
		}
		return h.Save(loop.LoopStep)
	})
	return nil
}
