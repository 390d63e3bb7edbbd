// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryNSteps(t *testing.T) {
	loop := NewLoop[int](&fakeTrainer{}, 1.0)
	var calledAt []int
	EveryNSteps(loop, 3, "test", 0, func(loop *Loop[int], _ float64) error {
		calledAt = append(calledAt, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(&intDataset{n: -1}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8}, calledAt)
}

func TestNTimesDuringLoop(t *testing.T) {
	loop := NewLoop[int](&fakeTrainer{}, 1.0)
	var calledAt []int
	NTimesDuringLoop(loop, 4, "test", 0, func(loop *Loop[int], _ float64) error {
		calledAt = append(calledAt, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(&intDataset{n: -1}, 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(calledAt), 5)
	assert.Equal(t, 99, calledAt[len(calledAt)-1]) // Last step always included.
}

func TestExponentialCallback(t *testing.T) {
	loop := NewLoop[int](&fakeTrainer{}, 1.0)
	var calledAt []int
	ExponentialCallback(loop, 10, 2.0, false, "test", 0, func(loop *Loop[int], _ float64) error {
		calledAt = append(calledAt, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(&intDataset{n: -1}, 80)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 30, 70}, calledAt)
	assert.Panics(t, func() { ExponentialCallback(loop, 0, 2.0, false, "bad", 0, nil) })
}
