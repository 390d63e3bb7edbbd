// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"sort"
	"strconv"
)

// EvalLossKey is the key of the evaluation loss in Metrics. It's the metric the adaptive
// learning rate schedules track.
const EvalLossKey = "eval_loss"

// Metrics maps a metric name to its value, as returned by an evaluation pass.
type Metrics map[string]float64

// EvalLoss returns the evaluation loss, and whether it is present and is a valid number.
// It's safe to call on nil Metrics.
func (m Metrics) EvalLoss() (loss float64, found bool) {
	loss, found = m[EvalLossKey]
	if found && (math.IsNaN(loss) || math.IsInf(loss, 0)) {
		return 0, false
	}
	return
}

// Clone returns a copy of the metrics, or nil for nil metrics.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	clone := make(Metrics, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// String implements fmt.Stringer, with keys sorted.
func (m Metrics) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := "{"
	for ii, k := range keys {
		if ii > 0 {
			out += ", "
		}
		out += k + "=" + strconv.FormatFloat(m[k], 'g', 6, 64)
	}
	return out + "}"
}

// Trainer is the model boundary used by the Loop: it executes one optimizer step on a batch,
// and it evaluates the model on a dataset.
//
// The model forward/backward pass and the optimizer live behind this interface.
type Trainer[B any] interface {
	// TrainStep runs one optimizer step on the batch with the given learning rate, and returns
	// the batch loss.
	TrainStep(batch B, learningRate float64) (loss float64, err error)

	// Eval runs an evaluation pass over the whole dataset (until io.EOF), and returns the metrics.
	// It should include at least EvalLossKey.
	Eval(ds Dataset[B]) (Metrics, error)
}

// Schedule returns a multiplicative factor to the base learning rate at each step.
//
// The Loop calls Step once per training step, from the training goroutine only. metrics are
// the results of an evaluation completed since the previous call, or nil if there was none.
type Schedule interface {
	Step(step int, metrics Metrics) (factor float64)
}

// ConstantSchedule always returns a factor of 1.
type ConstantSchedule struct{}

// Step implements Schedule.
func (ConstantSchedule) Step(int, Metrics) float64 { return 1.0 }
