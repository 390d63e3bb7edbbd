// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of optimizers over dense float64 weights, used by the
// models in this repository that train in pure Go. They all implement optimizers.Interface.
//
// The learning rate is given on every update, since it is owned by the training loop schedule.
package optimizers

import (
	"math"
	"slices"

	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Update applies one optimization step to weights, in place, given the gradients of the loss
	// with respect to the weights. The optimizer may keep state (e.g. moments) tied to the weights:
	// use one optimizer per set of weights.
	Update(weights, grads []float64, learningRate float64)

	// Clear deletes the optimizer state, e.g. when the weights are re-initialized.
	Clear()
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	KnownOptimizers = map[string]func(p *params.Params) Interface{
		"sgd":    func(p *params.Params) Interface { return StochasticGradientDescent().FromParams(p) },
		"adam":   func(p *params.Params) Interface { return Adam().FromParams(p).Done() },
		"adamax": func(p *params.Params) Interface { return Adam().Adamax().FromParams(p).Done() },
		"adamw":  func(p *params.Params) Interface { return Adam().WeightDecay(0.004).FromParams(p).Done() },
	}

	// ParamOptimizer is the hyperparameter with the name of the optimizer.
	// The default value is "adamw", and the valid values are the keys of KnownOptimizers.
	ParamOptimizer = "optimizer"

	// ParamClipStepByValue is a scalar value used to clip each value of the step, after
	// it is scaled by the learning rate. The default is 0, which means no clipping.
	ParamClipStepByValue = "clip_step_by_value"

	// ParamClipNaN will drop any updates with NaNs. Default is false.
	ParamClipNaN = "clip_nan"
)

// FromParams returns the optimizer named by the ParamOptimizer hyperparameter, configured from p.
func FromParams(p *params.Params) (Interface, error) {
	return ByName(p, params.GetParamOr(p, ParamOptimizer, "adamw"))
}

// ByName returns an optimizer given the name, configured from p.
func ByName(p *params.Params, name string) (Interface, error) {
	constructor, found := KnownOptimizers[name]
	if !found {
		names := make([]string, 0, len(KnownOptimizers))
		for k := range KnownOptimizers {
			names = append(names, k)
		}
		slices.Sort(names)
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", name, names)
	}
	return constructor(p), nil
}

// clipping of steps, shared by the optimizers.
type clipping struct {
	byValue float64
	nan     bool
}

func clippingFromParams(p *params.Params) clipping {
	return clipping{
		byValue: params.GetParamOr(p, ParamClipStepByValue, 0.0),
		nan:     params.GetParamOr(p, ParamClipNaN, false),
	}
}

// apply subtracts step from the weight, after clipping.
func (c clipping) apply(weight, step float64) float64 {
	if c.byValue > 0 {
		step = max(-c.byValue, min(c.byValue, step))
	}
	updated := weight - step
	if c.nan && (math.IsNaN(updated) || math.IsInf(updated, 0)) {
		return weight
	}
	return updated
}

// SGD is a stateless optimizer: it takes steps in the direction opposite to the gradients.
type SGD struct {
	clip clipping
}

// StochasticGradientDescent creates an SGD optimizer.
func StochasticGradientDescent() *SGD {
	return &SGD{}
}

// FromParams configures clipping from the hyperparameters ParamClipStepByValue and ParamClipNaN.
func (sgd *SGD) FromParams(p *params.Params) *SGD {
	sgd.clip = clippingFromParams(p)
	return sgd
}

// Update implements Interface.
func (sgd *SGD) Update(weights, grads []float64, learningRate float64) {
	checkLengths(weights, grads)
	for ii, g := range grads {
		weights[ii] = sgd.clip.apply(weights[ii], learningRate*g)
	}
}

// Clear implements Interface. SGD has no state.
func (sgd *SGD) Clear() {}

func checkLengths(weights, grads []float64) {
	if len(weights) != len(grads) {
		panic(errors.Errorf("optimizers: weights (len=%d) and gradients (len=%d) have different lengths",
			len(weights), len(grads)))
	}
}
