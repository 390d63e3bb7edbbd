// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"

	"k8s.io/klog/v2"
)

// EvaluationName is the name of the hooks registered by AttachEvaluation.
const EvaluationName = "infill.ml.train.evaluation"

// AttachEvaluation registers periodic evaluations of ds on the loop: every `everyNSteps` steps and,
// if onStart is set, once before the first training step.
//
// The results are handed to the loop's Schedule on the step following each evaluation.
// Evaluations run with priority -10 so other OnStep hooks (checkpointing, progress) see the results
// of the evaluation of the same step.
func AttachEvaluation[B any](loop *Loop[B], ds Dataset[B], everyNSteps int, onStart bool) {
	evaluate := func(loop *Loop[B]) error {
		results, err := loop.Evaluate(ds)
		if err != nil {
			return err
		}
		klog.Infof("Step %d: %s %s", loop.LoopStep, ds.Name(), results)
		return nil
	}
	if onStart {
		loop.OnStart(EvaluationName, -10, func(loop *Loop[B], _ Dataset[B]) error {
			return evaluate(loop)
		})
	}
	if everyNSteps > 0 {
		EveryNSteps(loop, everyNSteps, fmt.Sprintf("%s(%s)", EvaluationName, ds.Name()), -10,
			func(loop *Loop[B], _ float64) error {
				return evaluate(loop)
			})
	}
}
