// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infill/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn[B any] func(loop *Loop[B], ds Dataset[B]) error

// OnStepFn is the type of OnStep hooks. loss is the training loss of the batch just executed.
type OnStepFn[B any] func(loop *Loop[B], loss float64) error

// OnEndFn is the type of OnEnd hooks. loss is the training loss of the last batch executed.
type OnEndFn[B any] func(loop *Loop[B], loss float64) error

// OnEvalFn is the type of OnEval hooks, called after each Loop.Evaluate.
type OnEvalFn[B any] func(loop *Loop[B], dsName string, results Metrics) error

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// At each step the learning rate given to the Trainer is BaseLearningRate multiplied by the
// factor returned by the Schedule. Evaluation results collected with Loop.Evaluate are handed
// to the Schedule on the following step.
//
// It also converts errors thrown with `panic` by the Trainer and returns them
// instead as normal errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, plotting tools, evaluation, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop[B any] struct {
	// Trainer associated with this loop.
	Trainer Trainer[B]

	// Schedule of the learning rate. Defaults to ConstantSchedule.
	Schedule Schedule

	// BaseLearningRate multiplied by the schedule factor is the learning rate of a step.
	BaseLearningRate float64

	// LearningRate used in the last step executed.
	LearningRate float64

	// LoopStep currently being executed. It starts at 0, or at the step restored from a checkpoint.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	//
	// It is only set and valid during a run (Loop.RunSteps or Loop.RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known (if
	// running till the end of the dataset). When running for multiple epochs (Loop.RunEpochs) it can
	// change during the run (after the first epoch, the value is extrapolated based on how many steps
	// have been run so far).
	//
	// It is only set and valid during a run (Loop.RunSteps or Loop.RunEpochs).
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// TrainMetrics are updated with the loss of every training step.
	TrainMetrics []metrics.Interface

	// LastEval holds the results of the last evaluation, or nil if none happened yet.
	LastEval Metrics

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// pendingEval holds evaluation results not yet handed to the Schedule.
	pendingEval Metrics

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn[B]]]
	onStep  *priorityHooks[*hookWithName[OnStepFn[B]]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn[B]]]
	onEval  *priorityHooks[*hookWithName[OnEvalFn[B]]]
}

// NewLoop creates a new training loop for the trainer, with the given base learning rate.
//
// By default, it tracks an exponential moving average and a streaming median of the training loss.
func NewLoop[B any](trainer Trainer[B], baseLearningRate float64) *Loop[B] {
	return &Loop[B]{
		Trainer:          trainer,
		Schedule:         ConstantSchedule{},
		BaseLearningRate: baseLearningRate,
		LearningRate:     baseLearningRate,
		TrainMetrics: []metrics.Interface{
			metrics.NewExponentialMovingAverage("Moving Average Loss", "~loss", 0.01),
			metrics.NewStreamingMedian("Median Loss", "med_loss"),
		},
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn[B]]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn[B]]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn[B]]](),
		onEval:     newPriorityHooks[*hookWithName[OnEvalFn[B]]](),
	}
}

// SetSchedule sets the learning rate schedule. A nil schedule resets it to ConstantSchedule.
func (loop *Loop[B]) SetSchedule(schedule Schedule) {
	if schedule == nil {
		schedule = ConstantSchedule{}
	}
	loop.Schedule = schedule
}

// SetLoopStep sets the current step, typically when resuming from a checkpoint.
func (loop *Loop[B]) SetLoopStep(step int) {
	loop.LoopStep = step
}

// start of loop, called by all looping methods.
//
// It calls the appropriate hooks.
func (loop *Loop[B]) start(ds Dataset[B]) error {
	for _, m := range loop.TrainMetrics {
		m.Reset()
	}
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop[B]) step(batch B) (loss float64, err error) {
	// Schedule sees evaluation results exactly once.
	factor := loop.Schedule.Step(loop.LoopStep, loop.pendingEval)
	loop.pendingEval = nil
	loop.LearningRate = loop.BaseLearningRate * factor

	startTime := time.Now()
	var stepErr error
	err = exceptions.TryCatch[error](func() {
		loss, stepErr = loop.Trainer.TrainStep(batch, loop.LearningRate)
	})
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err == nil {
		err = stepErr
	}
	if err != nil {
		return 0, err
	}
	return loss, loop.postStep(loss)
}

// postStep updates the training metrics and calls the onStep hooks.
// It also checks for NaN loss, and returns an error accordingly.
func (loop *Loop[B]) postStep(loss float64) error {
	if math.IsNaN(loss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	for _, m := range loop.TrainMetrics {
		m.Update(loss)
	}

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, loss)
		if err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop[B]) end(loss float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// Evaluate runs the Trainer evaluation over ds, and resets ds afterward.
//
// The results are stored in LastEval, handed to the Schedule at the next training step and passed
// to the OnEval hooks.
func (loop *Loop[B]) Evaluate(ds Dataset[B]) (results Metrics, err error) {
	startTime := time.Now()
	var evalErr error
	err = exceptions.TryCatch[error](func() {
		results, evalErr = loop.Trainer.Eval(ds)
	})
	ds.Reset()
	if err == nil {
		err = evalErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "Loop.Evaluate(%q) at step %d", ds.Name(), loop.LoopStep)
	}
	klog.V(1).Infof("Evaluation on %q at step %d took %s: %s", ds.Name(), loop.LoopStep, time.Since(startTime), results)
	loop.LastEval = results
	loop.pendingEval = results.Clone()
	for hook := range loop.onEval.All() {
		if err := hook.fn(loop, ds.Name(), results); err != nil {
			return nil, errors.WithMessagef(err, "OnEval(hook %q)", hook.name)
		}
	}
	return results, nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the training loss of the last step.
func (loop *Loop[B]) RunSteps(ds Dataset[B], steps int) (loss float64, err error) {
	if steps <= 0 {
		return 0, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	err = loop.start(ds)
	if err != nil {
		return 0, err
	}
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		batch, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return 0, errors.Errorf(
					"reached Dataset end after %d steps (requested %d steps) -- did you mean to use "+
						"a different (looping) Dataset, or use Loop.RunEpochs() instead of Loop.RunSteps() ?",
					loop.LoopStep-loop.StartStep, steps)
			}
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		loss, err = loop.step(batch)
		if err != nil {
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)",
				steps, loop.LoopStep)
		}
	}
	err = loop.end(loss)
	if err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return loss, nil
}

// RunToStep runs the loop until the target step is reached.
// If targetStep is not larger than the current step, it does nothing.
func (loop *Loop[B]) RunToStep(ds Dataset[B], targetStep int) (loss float64, err error) {
	if targetStep <= loop.LoopStep {
		return 0, nil
	}
	return loop.RunSteps(ds, targetStep-loop.LoopStep)
}

// RunEpochs runs those many epochs. StartStep is adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up
// where it left of last time.
// Loop.Epoch is set to the current running epoch. EndStep starts as -1 and will
// be adjusted to expectation after the first epoch, when one knows how many steps there are
// going to be.
// Dataset.Reset is called after each epoch (including the last).
func (loop *Loop[B]) RunEpochs(ds Dataset[B], epochs int) (loss float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	err = loop.start(ds)
	if err != nil {
		return 0, err
	}
	loop.TrainStepDurations = nil
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			batch, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate new last step (loop.EndStep).
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			yieldsPerEpoch++
			loss, err = loop.step(batch)
			if err != nil {
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep(LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
	}
	err = loop.end(loss)
	if err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return loss, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop[B]) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop[B]) OnStart(name string, priority Priority, fn OnStartFn[B]) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn[B]]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop[B]) OnStep(name string, priority Priority, fn OnStepFn[B]) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn[B]]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop[B]) OnEnd(name string, priority Priority, fn OnEndFn[B]) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn[B]]{name: name, fn: fn})
}

// OnEval adds a hook with given priority and name (for error reporting) called after each
// successful Loop.Evaluate.
func (loop *Loop[B]) OnEval(name string, priority Priority, fn OnEvalFn[B]) {
	loop.onEval.Add(priority, &hookWithName[OnEvalFn[B]]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
