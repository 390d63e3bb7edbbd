// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package adaptiveschedule implements a learning rate schedule driven by evaluation results and
// wall-clock time.
//
// The Controller starts with a factor of 1.0 on the base learning rate. Once StallTimeout has elapsed
// since the last adjustment, the next evaluation loss is compared with the one from the last adjustment:
// if it did not drop below DecayThreshold times the previous value, the factor is multiplied by
// DecayFactor. The factor never increases.
//
// Example:
//
//	loop := train.NewLoop(trainer, 2e-5)
//	ctrl := must.M1(adaptiveschedule.New().FromParams(p).Done())
//	adaptiveschedule.Attach(ctrl, loop)
//	train.AttachEvaluation(loop, evalDS, 2000, true)
package adaptiveschedule

import (
	"encoding/json"
	"time"

	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamDecayThreshold is the ratio of new over last evaluation loss above which the learning rate
	// is decayed. Default is 0.95.
	ParamDecayThreshold = "lr_decay_threshold"

	// ParamDecayFactor multiplies the learning rate factor on each decay. Default is 0.8.
	ParamDecayFactor = "lr_decay_factor"

	// ParamStallTimeout is the wall-clock time after the last adjustment before the next evaluation
	// is considered for a decay. Accepts a time.Duration or a string like "30m". Default is 30 minutes.
	ParamStallTimeout = "lr_stall_timeout"
)

const (
	DefaultDecayThreshold = 0.95
	DefaultDecayFactor    = 0.8
	DefaultStallTimeout   = 30 * time.Minute

	// SharedDataKey is the key under which Attach publishes the Controller in train.Loop.SharedData.
	SharedDataKey = "adaptive_schedule"
)

// Clock returns the current time.
type Clock func() time.Time

// Config of a Controller, created with New.
type Config struct {
	decayThreshold, decayFactor float64
	stallTimeout                time.Duration
	clock                       Clock
}

// New creates the configuration of a Controller with default values. Call Config.Done when
// finished configuring.
func New() *Config {
	return &Config{
		decayThreshold: DefaultDecayThreshold,
		decayFactor:    DefaultDecayFactor,
		stallTimeout:   DefaultStallTimeout,
		clock:          time.Now,
	}
}

// FromParams configures the controller from the hyperparameters ParamDecayThreshold, ParamDecayFactor
// and ParamStallTimeout.
func (c *Config) FromParams(p *params.Params) *Config {
	c.decayThreshold = params.GetParamOr(p, ParamDecayThreshold, c.decayThreshold)
	c.decayFactor = params.GetParamOr(p, ParamDecayFactor, c.decayFactor)
	c.stallTimeout = params.GetParamOr(p, ParamStallTimeout, c.stallTimeout)
	return c
}

// DecayThreshold sets the loss ratio above which the learning rate is decayed.
func (c *Config) DecayThreshold(threshold float64) *Config {
	c.decayThreshold = threshold
	return c
}

// DecayFactor sets the multiplier applied on each decay. It must be in (0, 1].
func (c *Config) DecayFactor(factor float64) *Config {
	c.decayFactor = factor
	return c
}

// StallTimeout sets the time after the last adjustment before an evaluation is considered.
func (c *Config) StallTimeout(timeout time.Duration) *Config {
	c.stallTimeout = timeout
	return c
}

// WithClock sets the source of time, for tests. Default is time.Now.
func (c *Config) WithClock(clock Clock) *Config {
	c.clock = clock
	return c
}

// Done validates the configuration and creates the Controller. Its adjustment timer starts now.
func (c *Config) Done() (*Controller, error) {
	if c.decayFactor <= 0 || c.decayFactor > 1 {
		return nil, errors.Errorf("adaptiveschedule: %s must be in (0, 1], got %g", ParamDecayFactor, c.decayFactor)
	}
	if c.decayThreshold <= 0 {
		return nil, errors.Errorf("adaptiveschedule: %s must be > 0, got %g", ParamDecayThreshold, c.decayThreshold)
	}
	if c.stallTimeout < 0 {
		return nil, errors.Errorf("adaptiveschedule: %s must be >= 0, got %s", ParamStallTimeout, c.stallTimeout)
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	ctrl := &Controller{config: *c}
	ctrl.state = State{Factor: 1.0, LastAdjustTime: c.clock()}
	return ctrl, nil
}

// State of the Controller. It is serializable to JSON, to be saved with checkpoints.
type State struct {
	// Factor multiplies the base learning rate.
	Factor float64 `json:"factor"`

	// LastLoss is the evaluation loss at the last adjustment. Nil until the first evaluation.
	LastLoss *float64 `json:"last_loss,omitempty"`

	// LastAdjustTime is when the timer was last restarted.
	LastAdjustTime time.Time `json:"last_adjust_time"`

	// PendingMetrics are the last evaluation results seen, or nil.
	PendingMetrics train.Metrics `json:"pending_metrics,omitempty"`

	// Elapsed is set once StallTimeout has passed, and the controller waits for the next evaluation.
	Elapsed bool `json:"elapsed"`
}

// Controller implements train.Schedule. It is not safe for concurrent use: it is meant to be
// called by the training loop only.
type Controller struct {
	config Config
	state  State
}

var _ train.Schedule = (*Controller)(nil)

// Step implements train.Schedule. It returns the current learning rate factor.
//
// metrics are the evaluation results produced since the previous step, or nil. Results without
// a finite "eval_loss" are treated as absent.
func (c *Controller) Step(step int, metrics train.Metrics) float64 {
	s := &c.state
	if _, found := metrics.EvalLoss(); found {
		s.PendingMetrics = metrics.Clone()
	}
	if s.LastLoss == nil {
		if loss, found := s.PendingMetrics.EvalLoss(); found {
			s.LastLoss = &loss
		}
	}
	now := c.config.clock()
	if s.Elapsed {
		loss, found := s.PendingMetrics.EvalLoss()
		if found {
			ratio := loss / *s.LastLoss
			if ratio > c.config.decayThreshold {
				s.Factor *= c.config.decayFactor
				klog.Infof("Step %d: eval loss %.4f -> %.4f (ratio %.3f > %.3f), learning rate factor decayed to %.4g",
					step, *s.LastLoss, loss, ratio, c.config.decayThreshold, s.Factor)
			} else {
				klog.V(1).Infof("Step %d: eval loss %.4f -> %.4f (ratio %.3f), learning rate factor kept at %.4g",
					step, *s.LastLoss, loss, ratio, s.Factor)
			}
			s.LastLoss = &loss
			s.LastAdjustTime = now
			s.Elapsed = false
		}
	} else if now.Sub(s.LastAdjustTime) > c.config.stallTimeout {
		s.Elapsed = true
		s.PendingMetrics = nil
		klog.V(1).Infof("Step %d: %s since last adjustment, waiting for next evaluation", step, now.Sub(s.LastAdjustTime))
	}
	return s.Factor
}

// Factor returns the current learning rate factor.
func (c *Controller) Factor() float64 {
	return c.state.Factor
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	s := c.state
	if s.LastLoss != nil {
		loss := *s.LastLoss
		s.LastLoss = &loss
	}
	s.PendingMetrics = s.PendingMetrics.Clone()
	return s
}

// Restore replaces the controller state, typically with one loaded from a checkpoint.
func (c *Controller) Restore(s State) error {
	if s.Factor <= 0 || s.Factor > 1 {
		return errors.Errorf("adaptiveschedule: invalid restored factor %g, must be in (0, 1]", s.Factor)
	}
	if _, pending := s.PendingMetrics.EvalLoss(); pending && s.LastLoss == nil {
		return errors.Errorf("adaptiveschedule: invalid restored state, pending %q without a last loss", train.EvalLossKey)
	}
	c.state = s
	if s.LastLoss != nil {
		loss := *s.LastLoss
		c.state.LastLoss = &loss
	}
	c.state.PendingMetrics = s.PendingMetrics.Clone()
	return nil
}

// MarshalJSON serializes the controller state.
func (c *Controller) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.State())
}

// UnmarshalJSON restores the controller state.
func (c *Controller) UnmarshalJSON(data []byte) error {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "adaptiveschedule: failed to parse state")
	}
	return c.Restore(s)
}

// Attach installs the controller as the schedule of the loop, and publishes it in
// loop.SharedData under SharedDataKey.
func Attach[B any](c *Controller, loop *train.Loop[B]) {
	loop.SetSchedule(c)
	loop.SharedData[SharedDataKey] = c
}

// FromLoop returns the Controller attached to the loop, or nil.
func FromLoop[B any](loop *train.Loop[B]) *Controller {
	c, _ := loop.SharedData[SharedDataKey].(*Controller)
	return c
}
