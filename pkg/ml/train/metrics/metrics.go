// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds streaming aggregations of scalar values (losses) used during training
// and evaluation.
//
// Metrics are updated one value at a time, and can be read at any moment. They are not safe
// for concurrent use.
package metrics

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Interface for a streaming metric.
type Interface interface {
	// Name of the metric, used for display.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters), used in compact displays.
	ShortName() string

	// Update the metric with a new value.
	Update(value float64)

	// Value returns the current value of the metric. It is NaN if no value has been seen.
	Value() float64

	// PrettyPrint returns a human-readable version of the current value.
	PrettyPrint() string

	// Reset the metric to its initial state.
	Reset()
}

type baseMetric struct {
	name, shortName string
}

// Name implements Interface.
func (m *baseMetric) Name() string { return m.name }

// ShortName implements Interface.
func (m *baseMetric) ShortName() string { return m.shortName }

func prettyPrint(value float64) string {
	if math.IsNaN(value) {
		return "-"
	}
	return fmt.Sprintf("%.3f", value)
}

// Mean keeps the mean of all values seen so far.
type Mean struct {
	baseMetric
	total float64
	count int
}

// NewMean creates a Mean metric.
func NewMean(name, shortName string) *Mean {
	return &Mean{baseMetric: baseMetric{name: name, shortName: shortName}}
}

// Update implements Interface.
func (m *Mean) Update(value float64) {
	m.total += value
	m.count++
}

// UpdateWeighted adds value with the given weight (e.g. the number of tokens it was averaged over).
func (m *Mean) UpdateWeighted(value float64, weight int) {
	m.total += value * float64(weight)
	m.count += weight
}

// Value implements Interface.
func (m *Mean) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.total / float64(m.count)
}

// Count returns the total weight of the values seen.
func (m *Mean) Count() int { return m.count }

// PrettyPrint implements Interface.
func (m *Mean) PrettyPrint() string { return prettyPrint(m.Value()) }

// Reset implements Interface.
func (m *Mean) Reset() {
	m.total = 0
	m.count = 0
}

// ExponentialMovingAverage keeps a moving average where each new value has weight newExampleWeight, and
// the stored mean decays by (1-newExampleWeight).
//
// It doesn't have a set prior: it behaves as a normal average until there are enough terms, and then it
// becomes an exponential moving average.
type ExponentialMovingAverage struct {
	baseMetric
	newExampleWeight float64
	mean             float64
	count            int
}

// NewExponentialMovingAverage creates a moving average metric. A typical value of newExampleWeight is 0.01:
// the smaller the value, the slower the moving average moves.
func NewExponentialMovingAverage(name, shortName string, newExampleWeight float64) *ExponentialMovingAverage {
	return &ExponentialMovingAverage{
		baseMetric:       baseMetric{name: name, shortName: shortName},
		newExampleWeight: newExampleWeight,
	}
}

// Update implements Interface.
func (m *ExponentialMovingAverage) Update(value float64) {
	m.count++
	weight := max(m.newExampleWeight, 1.0/float64(m.count))
	m.mean = m.mean*(1-weight) + value*weight
}

// Value implements Interface.
func (m *ExponentialMovingAverage) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.mean
}

// PrettyPrint implements Interface.
func (m *ExponentialMovingAverage) PrettyPrint() string { return prettyPrint(m.Value()) }

// Reset implements Interface.
func (m *ExponentialMovingAverage) Reset() {
	m.mean = 0
	m.count = 0
}

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling.
type StreamingMedian struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewStreamingMedian creates a streaming median metric.
func NewStreamingMedian(name, shortName string) *StreamingMedian {
	return &StreamingMedian{
		baseMetric:    baseMetric{name: name, shortName: shortName},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedian) WithSampleSize(n int) *StreamingMedian {
	m.maxNumSamples = n
	return m
}

// WithSeed makes the sampling deterministic.
func (m *StreamingMedian) WithSeed(seed uint64) *StreamingMedian {
	m.rng = rand.New(rand.NewPCG(seed, seed))
	return m
}

// Update implements Interface.
func (m *StreamingMedian) Update(x float64) {
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x.
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Value implements Interface.
func (m *StreamingMedian) Value() float64 {
	if len(m.samples) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// PrettyPrint implements Interface.
func (m *StreamingMedian) PrettyPrint() string { return prettyPrint(m.Value()) }

// Reset implements Interface.
func (m *StreamingMedian) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
