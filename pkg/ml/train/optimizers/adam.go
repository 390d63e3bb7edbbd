// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/infill/pkg/ml/params"
)

var (
	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0. See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	// The default value is 0.9.
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999.
	ParamAdamBeta2 = "adam_beta2"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. See [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done.
//
// Clipping of the updates is available by setting the hyperparameters ParamClipStepByValue ("clip_step_by_value")
// and ParamClipNaN ("clip_nan").
func Adam() *AdamConfig {
	return &AdamConfig{
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-7,
	}
}

// AdamConfig holds the configuration for Adam, create it with Adam(), and once configured
// call Done to create the optimizer.
type AdamConfig struct {
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	clip         clipping
}

// FromParams will configure Adam with the hyperparameters set in p.
// E.g.: "adam_epsilon" (see [ParamAdamEpsilon]) is used to set [AdamConfig.Epsilon].
func (c *AdamConfig) FromParams(p *params.Params) *AdamConfig {
	c.epsilon = params.GetParamOr(p, ParamAdamEpsilon, c.epsilon)
	c.weightDecay = params.GetParamOr(p, ParamAdamWeightDecay, c.weightDecay)
	c.beta1 = params.GetParamOr(p, ParamAdamBeta1, c.beta1)
	c.beta2 = params.GetParamOr(p, ParamAdamBeta2, c.beta2)
	c.clip = clippingFromParams(p)
	return c
}

// Betas sets the two moving average coefficients used by Adam. The defaults are 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used in the denominator to avoid division by zero. Default is 1e-7.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configures Adam to use an L-infinity norm (max) for the second moment, instead of L2.
// See section 7.1 of https://arxiv.org/pdf/1412.6980.pdf.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configures the optimizer to work as AdamW, with the given decay applied to the weights,
// also scaled by the learning rate. Default is 0, which means no decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the Adam optimizer.
func (c *AdamConfig) Done() Interface {
	o := &adam{config: *c}
	o.Clear()
	return o
}

// adam implements the Adam family of optimizers.
type adam struct {
	config     AdamConfig
	moment1    []float64
	moment2    []float64
	step       int
	beta1Power float64
	beta2Power float64
}

// Update implements Interface.
func (o *adam) Update(weights, grads []float64, learningRate float64) {
	checkLengths(weights, grads)
	if len(o.moment1) != len(weights) {
		o.Clear()
		o.moment1 = make([]float64, len(weights))
		o.moment2 = make([]float64, len(weights))
	}
	cfg := &o.config
	o.step++
	o.beta1Power *= cfg.beta1
	o.beta2Power *= cfg.beta2
	debiasTermBeta1 := 1.0 / (1.0 - o.beta1Power)
	debiasTermBeta2 := 1.0 / (1.0 - o.beta2Power)
	for ii, grad := range grads {
		if math.IsNaN(grad) && cfg.clip.nan {
			continue
		}
		m1 := cfg.beta1*o.moment1[ii] + (1-cfg.beta1)*grad
		o.moment1[ii] = m1
		var denominator float64
		if cfg.adamax {
			m2 := max(cfg.beta2*o.moment2[ii], math.Abs(grad))
			o.moment2[ii] = m2
			denominator = m2 + cfg.epsilon
		} else {
			m2 := cfg.beta2*o.moment2[ii] + (1-cfg.beta2)*grad*grad
			o.moment2[ii] = m2
			denominator = math.Sqrt(m2*debiasTermBeta2) + cfg.epsilon
		}
		step := learningRate * m1 * debiasTermBeta1 / denominator
		if cfg.weightDecay > 0 {
			step += learningRate * cfg.weightDecay * weights[ii]
		}
		weights[ii] = cfg.clip.apply(weights[ii], step)
	}
}

// Clear implements Interface.
func (o *adam) Clear() {
	o.moment1, o.moment2 = nil, nil
	o.step = 0
	o.beta1Power, o.beta2Power = 1, 1
}
