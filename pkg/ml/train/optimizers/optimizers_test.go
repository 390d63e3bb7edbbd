// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimize runs the optimizer over f(w) = sum((w_i - target_i)^2).
func minimize(opt Interface, target []float64, lr float64, steps int) []float64 {
	weights := make([]float64, len(target))
	grads := make([]float64, len(target))
	for range steps {
		for ii := range weights {
			grads[ii] = 2 * (weights[ii] - target[ii])
		}
		opt.Update(weights, grads, lr)
	}
	return weights
}

func TestOptimizers(t *testing.T) {
	target := []float64{1, -2, 0.5}
	for _, name := range []string{"sgd", "adam", "adamax", "adamw"} {
		t.Run(name, func(t *testing.T) {
			opt, err := ByName(params.New(), name)
			require.NoError(t, err)
			weights := minimize(opt, target, 0.01, 3000)
			for ii := range target {
				// AdamW pulls weights slightly towards 0.
				assert.InDelta(t, target[ii], weights[ii], 0.05, "weights=%v", weights)
			}
		})
	}
}

func TestAdamFirstStep(t *testing.T) {
	// The first debiased Adam step has magnitude ~lr regardless of the gradient scale.
	opt := Adam().Done()
	weights := []float64{0, 0}
	opt.Update(weights, []float64{100, -0.01}, 0.1)
	assert.InDelta(t, -0.1, weights[0], 1e-6)
	assert.InDelta(t, 0.1, weights[1], 1e-4)

	// Changing the size of the weights resets the state.
	weights = []float64{0}
	opt.Update(weights, []float64{1}, 0.1)
	assert.InDelta(t, -0.1, weights[0], 1e-6)
}

func TestClipping(t *testing.T) {
	p := params.New().Set(ParamClipStepByValue, 0.01).Set(ParamClipNaN, true)
	opt := StochasticGradientDescent().FromParams(p)
	weights := []float64{0, 0}
	opt.Update(weights, []float64{100, math.NaN()}, 1)
	assert.Equal(t, []float64{-0.01, 0}, weights)
}

func TestFromParams(t *testing.T) {
	opt, err := FromParams(params.New().Set(ParamOptimizer, "sgd"))
	require.NoError(t, err)
	assert.IsType(t, &SGD{}, opt)

	_, err = FromParams(params.New().Set(ParamOptimizer, "lion"))
	require.ErrorContains(t, err, "unknown optimizer")

	require.Panics(t, func() { opt.Update([]float64{1}, nil, 0.1) })
}
