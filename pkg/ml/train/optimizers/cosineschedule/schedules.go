// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing schedule for the learning rate, as an
// alternative to the evaluation driven adaptiveschedule.
// See New for details and example of usage, and original paper description in [1]
//
// [1] https://paperswithcode.com/method/cosine-annealing.
package cosineschedule

import (
	"math"

	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/pkg/errors"
)

var (
	// ParamPeriodSteps defines the number of steps in a cosine annealing period.
	//
	//  * 0: Disables cosine annealing (default), the factor is always 1.
	//  * Positive value: Sets the period to the specified number of steps.
	//  * Negative value: Sets the period to a fraction of the total training steps.
	//      * -1: Period equals the total number of training steps (common setting).
	//      * -2: Period equals half the total number of training steps, and so on.
	ParamPeriodSteps = "cosine_schedule_steps"

	// ParamWarmUpSteps is the number of warmup steps: during these initial steps the learning rate
	// linearly increases from 0 to the base learning rate.
	// Only after the warmup steps the cosine annealing schedule starts.
	// The default is 0, which means no warmup.
	ParamWarmUpSteps = "cosine_schedule_warmup_steps"

	// ParamMinFactor is the minimum learning rate factor of the cosine annealing schedule,
	// reached at the end of each period. Defaults to 0.0.
	ParamMinFactor = "cosine_schedule_min_factor"
)

// DefaultLastStep is the value for the last step of the training while one is not yet known.
const DefaultLastStep = 1_000_000_000

// Config of the cosine annealing schedule strategy.
// New creates it and once configured, call Config.Done to create the schedule.
type Config struct {
	minFactor      float64
	periodNumSteps int
	warmUpSteps    int
}

// New creates a configuration to apply a cosine annealing schedule for the learning rate.
//
// Example with only one cycle, and a warmup of 1000 steps:
//
//	schedule := must.M1(cosineschedule.New().
//		MinFactor(0.01).
//		WarmUpSteps(1000).
//		PeriodInSteps(-1).Done())
//	cosineschedule.Attach(schedule, loop)
func New() *Config {
	return &Config{}
}

// FromParams configures the cosine annealing from the hyperparameters ParamPeriodSteps,
// ParamMinFactor and ParamWarmUpSteps.
func (c *Config) FromParams(p *params.Params) *Config {
	c.periodNumSteps = params.GetParamOr(p, ParamPeriodSteps, c.periodNumSteps)
	c.minFactor = params.GetParamOr(p, ParamMinFactor, c.minFactor)
	c.warmUpSteps = params.GetParamOr(p, ParamWarmUpSteps, c.warmUpSteps)
	return c
}

// PeriodInSteps sets the number of steps for one period of the cosine schedule. The effective
// learning rate decreases over the given period of training steps and then is restarted at
// each new period. Negative values are fractions of the number of training steps, see ParamPeriodSteps.
func (c *Config) PeriodInSteps(periodSteps int) *Config {
	c.periodNumSteps = periodSteps
	return c
}

// MinFactor at the end of the cosine cycle. Defaults to 0.0.
func (c *Config) MinFactor(minFactor float64) *Config {
	c.minFactor = minFactor
	return c
}

// WarmUpSteps sets the number of steps to linearly increase the learning rate factor from 0 to 1.
func (c *Config) WarmUpSteps(warmUpSteps int) *Config {
	c.warmUpSteps = warmUpSteps
	return c
}

// Done validates the configuration and returns the schedule.
func (c *Config) Done() (*Schedule, error) {
	if c.warmUpSteps < 0 {
		return nil, errors.Errorf("cosineschedule: %s must be >= 0, got %d", ParamWarmUpSteps, c.warmUpSteps)
	}
	if c.minFactor < 0 || c.minFactor > 1 {
		return nil, errors.Errorf("cosineschedule: %s must be in [0, 1], got %g", ParamMinFactor, c.minFactor)
	}
	return &Schedule{config: *c, lastStep: -1}, nil
}

// Schedule implements train.Schedule with a cosine annealing of the learning rate factor.
type Schedule struct {
	config   Config
	lastStep int
}

var _ train.Schedule = (*Schedule)(nil)

// SetLastStep sets the total number of training steps, used for negative periods. Values < 0 mean unknown.
func (s *Schedule) SetLastStep(lastStep int) {
	s.lastStep = lastStep
}

// Step implements train.Schedule. Evaluation metrics are ignored.
func (s *Schedule) Step(step int, _ train.Metrics) float64 {
	cfg := &s.config
	if cfg.warmUpSteps > 0 {
		if step < cfg.warmUpSteps {
			return float64(step+1) / float64(cfg.warmUpSteps)
		}
		step -= cfg.warmUpSteps
	}
	if cfg.periodNumSteps == 0 {
		return 1.0
	}

	// Calculate the fraction of the cycle we are in.
	var cycle float64
	if cfg.periodNumSteps > 0 {
		cycle = float64(step) / float64(cfg.periodNumSteps)
	} else {
		lastStep := s.lastStep
		if lastStep < 0 {
			lastStep = DefaultLastStep
		}
		period := float64(lastStep) / float64(-cfg.periodNumSteps)
		cycle = max(float64(step)/period, 0)
	}
	// A cycle represents the fraction of a half-circle (180 degrees, or pi radians).
	cycle -= math.Floor(cycle)

	cosine := math.Cos(cycle * math.Pi) // from -1.0 to 1.0
	factor := (cosine + 1.0) / 2.0      // from 0.0 to 1.0
	return factor*(1.0-cfg.minFactor) + cfg.minFactor
}

// Attach installs the schedule in the loop, and keeps its last step updated with the loop's EndStep.
func Attach[B any](s *Schedule, loop *train.Loop[B]) {
	loop.SetSchedule(s)
	loop.OnStart("cosineschedule", 0, func(loop *train.Loop[B], _ train.Dataset[B]) error {
		s.SetLastStep(loop.EndStep)
		return nil
	})
}
