// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cosineschedule

import (
	"testing"

	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule(t *testing.T) {
	s, err := New().PeriodInSteps(100).MinFactor(0.1).Done()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Step(0, nil), 1e-9)
	assert.InDelta(t, 0.55, s.Step(50, nil), 1e-9)
	assert.InDelta(t, 1.0, s.Step(100, nil), 1e-9) // Restarts.
	previous := 2.0
	for step := range 100 {
		factor := s.Step(step, nil)
		assert.Less(t, factor, previous)
		assert.GreaterOrEqual(t, factor, 0.1)
		previous = factor
	}
}

func TestWarmUp(t *testing.T) {
	s, err := New().FromParams(params.New().
		Set(ParamWarmUpSteps, 10).
		Set(ParamPeriodSteps, -1)).Done()
	require.NoError(t, err)
	s.SetLastStep(210)
	assert.InDelta(t, 0.1, s.Step(0, nil), 1e-9)
	assert.InDelta(t, 1.0, s.Step(9, nil), 1e-9)
	assert.InDelta(t, 1.0, s.Step(10, nil), 1e-9)
	assert.InDelta(t, 0.5, s.Step(115, nil), 1e-9)
}

func TestDisabled(t *testing.T) {
	s, err := New().Done()
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Step(12345, nil))

	_, err = New().MinFactor(2).Done()
	require.Error(t, err)
	_, err = New().WarmUpSteps(-1).Done()
	require.Error(t, err)
}
