// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// intDataset yields the integers [0, n), or loops forever if n < 0.
type intDataset struct {
	n, next int
}

func (ds *intDataset) Name() string { return "ints" }
func (ds *intDataset) Reset()       { ds.next = 0 }
func (ds *intDataset) Yield() (int, error) {
	if ds.n >= 0 && ds.next >= ds.n {
		return 0, io.EOF
	}
	ds.next++
	return ds.next - 1, nil
}

// fakeTrainer records the learning rates and returns loss = 1/(batch+1).
type fakeTrainer struct {
	learningRates []float64
	batches       []int
	evalLosses    []float64
	evals         int
	failAt        int
	panicAt       int
}

func (tr *fakeTrainer) TrainStep(batch int, learningRate float64) (float64, error) {
	if tr.failAt > 0 && batch == tr.failAt {
		return 0, errors.New("step failed")
	}
	if tr.panicAt > 0 && batch == tr.panicAt {
		panic(errors.New("trainer panicked"))
	}
	tr.batches = append(tr.batches, batch)
	tr.learningRates = append(tr.learningRates, learningRate)
	if batch == 99 {
		return math.NaN(), nil
	}
	return 1.0 / float64(batch+1), nil
}

func (tr *fakeTrainer) Eval(ds Dataset[int]) (Metrics, error) {
	for {
		_, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	loss := 2.0
	if tr.evals < len(tr.evalLosses) {
		loss = tr.evalLosses[tr.evals]
	}
	tr.evals++
	return Metrics{EvalLossKey: loss}, nil
}

// recordingSchedule halves the factor every time it receives metrics.
type recordingSchedule struct {
	factor   float64
	received []Metrics
	steps    []int
}

func (s *recordingSchedule) Step(step int, metrics Metrics) float64 {
	s.steps = append(s.steps, step)
	if metrics != nil {
		s.received = append(s.received, metrics)
		s.factor /= 2
	}
	return s.factor
}

func TestRunSteps(t *testing.T) {
	trainer := &fakeTrainer{}
	loop := NewLoop[int](trainer, 0.1)
	var hookOrder []string
	loop.OnStart("start", 0, func(_ *Loop[int], ds Dataset[int]) error {
		hookOrder = append(hookOrder, "start:"+ds.Name())
		return nil
	})
	loop.OnStep("second", 1, func(_ *Loop[int], _ float64) error {
		hookOrder = append(hookOrder, "second")
		return nil
	})
	loop.OnStep("first", -1, func(_ *Loop[int], _ float64) error {
		hookOrder = append(hookOrder, "first")
		return nil
	})
	var endLoss float64
	loop.OnEnd("end", 0, func(_ *Loop[int], loss float64) error {
		endLoss = loss
		return nil
	})

	loss, err := loop.RunSteps(&intDataset{n: -1}, 3)
	require.NoError(t, err)
	assert.Equal(t, 1.0/3, loss)
	assert.Equal(t, loss, endLoss)
	assert.Equal(t, 3, loop.LoopStep)
	assert.Equal(t, []int{0, 1, 2}, trainer.batches)
	assert.Equal(t, []float64{0.1, 0.1, 0.1}, trainer.learningRates)
	assert.Equal(t, []string{"start:ints", "first", "second", "first", "second", "first", "second"}, hookOrder)
	assert.Len(t, loop.TrainStepDurations, 3)

	// Continue where it left off.
	_, err = loop.RunToStep(&intDataset{n: -1}, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, loop.LoopStep)
	assert.Equal(t, 3, loop.StartStep)
}

func TestRunStepsErrors(t *testing.T) {
	t.Run("EOF", func(t *testing.T) {
		loop := NewLoop[int](&fakeTrainer{}, 0.1)
		_, err := loop.RunSteps(&intDataset{n: 2}, 3)
		require.ErrorContains(t, err, "reached Dataset end after 2 steps")
	})
	t.Run("NaN", func(t *testing.T) {
		loop := NewLoop[int](&fakeTrainer{}, 0.1)
		ds := &intDataset{n: -1, next: 99}
		_, err := loop.RunSteps(ds, 1)
		require.ErrorContains(t, err, "NaN")
	})
	t.Run("TrainStepError", func(t *testing.T) {
		loop := NewLoop[int](&fakeTrainer{failAt: 1}, 0.1)
		_, err := loop.RunSteps(&intDataset{n: -1}, 3)
		require.ErrorContains(t, err, "step failed")
	})
	t.Run("TrainStepPanic", func(t *testing.T) {
		loop := NewLoop[int](&fakeTrainer{panicAt: 2}, 0.1)
		_, err := loop.RunSteps(&intDataset{n: -1}, 3)
		require.ErrorContains(t, err, "trainer panicked")
	})
	t.Run("HookError", func(t *testing.T) {
		loop := NewLoop[int](&fakeTrainer{}, 0.1)
		loop.OnStep("failing", 0, func(_ *Loop[int], _ float64) error { return errors.New("hook failed") })
		_, err := loop.RunSteps(&intDataset{n: -1}, 1)
		require.ErrorContains(t, err, `hook "failing"`)
	})
}

func TestRunEpochs(t *testing.T) {
	trainer := &fakeTrainer{}
	loop := NewLoop[int](trainer, 1.0)
	_, err := loop.RunEpochs(&intDataset{n: 4}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 0, 1, 2, 3}, trainer.batches)
	assert.Equal(t, 8, loop.LoopStep)
	assert.Equal(t, 8, loop.EndStep)
}

func TestEvaluationFeedsSchedule(t *testing.T) {
	trainer := &fakeTrainer{evalLosses: []float64{2.0, 1.5, 1.0}}
	loop := NewLoop[int](trainer, 1.0)
	schedule := &recordingSchedule{factor: 1.0}
	loop.SetSchedule(schedule)
	var evalHooks []float64
	loop.OnEval("record", 0, func(_ *Loop[int], dsName string, results Metrics) error {
		assert.Equal(t, "ints", dsName)
		loss, found := results.EvalLoss()
		require.True(t, found)
		evalHooks = append(evalHooks, loss)
		return nil
	})
	evalDS := &intDataset{n: 3}
	AttachEvaluation(loop, evalDS, 2, true)

	_, err := loop.RunSteps(&intDataset{n: -1}, 4)
	require.NoError(t, err)

	// Evaluations: on start, after step 1 (2nd step) and after step 3 (4th step).
	assert.Equal(t, []float64{2.0, 1.5, 1.0}, evalHooks)
	assert.Equal(t, 3, trainer.evals)
	assert.Equal(t, Metrics{EvalLossKey: 1.0}, loop.LastEval)

	// The schedule sees each evaluation exactly once, on the following step.
	require.Len(t, schedule.received, 2)
	assert.Equal(t, 2.0, schedule.received[0][EvalLossKey])
	assert.Equal(t, 1.5, schedule.received[1][EvalLossKey])
	assert.Equal(t, []float64{0.5, 0.5, 0.25, 0.25}, trainer.learningRates)
}

func TestMetrics(t *testing.T) {
	var nilMetrics Metrics
	_, found := nilMetrics.EvalLoss()
	assert.False(t, found)
	_, found = Metrics{"accuracy": 0.5}.EvalLoss()
	assert.False(t, found)
	_, found = Metrics{EvalLossKey: math.NaN()}.EvalLoss()
	assert.False(t, found)
	loss, found := Metrics{EvalLossKey: 1.25}.EvalLoss()
	assert.True(t, found)
	assert.Equal(t, 1.25, loss)
	assert.Equal(t, "{accuracy=0.5, eval_loss=1.25}", Metrics{EvalLossKey: 1.25, "accuracy": 0.5}.String())
	assert.Nil(t, nilMetrics.Clone())
}
