// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sampler cuts source code into synthetic infilling examples.
//
// The code of each record is walked in non-overlapping windows of ChunkSize characters. For each window
// and for each of the completion lengths, a cut position is drawn uniformly in the window, and an example
// is built with the PrefixWindow characters before the cut, the completion starting at the cut and the
// SuffixWindow characters after the completion. All lengths are clipped at the record boundaries.
//
// Characters are Unicode code points (runes), so multibyte characters are never split.
//
// With the ModeLines sampling mode, examples are instead taken from every window of three consecutive
// lines: the first line is the prefix, the second the completion and the third the suffix. Lines are
// separated by "\n" or "\r\n", and the separators are not part of the example. Code with fewer than
// three lines generates no examples. This mode draws no random numbers.
//
// A Sampler owns its random number generator: it's deterministic for a given seed and input order, and it
// must not be shared among goroutines. Use Sampler.Fork to create independent samplers for parallel workers.
package sampler

import (
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/pkg/errors"
)

var (
	// ParamChunkSize is the size, in characters, of the windows each record's code is split into.
	// One example per completion length is sampled in each window. Default is 1000.
	ParamChunkSize = "chunk_size"

	// ParamPrefixWindow is the maximum number of characters before the cut used as prefix. Default is 200.
	ParamPrefixWindow = "prefix_window"

	// ParamSuffixWindow is the maximum number of characters after the completion used as suffix. Default is 10.
	ParamSuffixWindow = "suffix_window"

	// ParamCompletionLengths is the list of completion lengths (in characters) sampled in each window.
	// Default is DefaultCompletionLengths.
	ParamCompletionLengths = "completion_lengths"

	// ParamSeed is the seed of the sampler's random number generator. Default is 42.
	ParamSeed = "seed"

	// ParamSamplingMode selects how examples are cut: ModeChunks (default) or ModeLines.
	ParamSamplingMode = "sampling_mode"
)

// Sampling modes, see ParamSamplingMode.
const (
	ModeChunks = "chunks"
	ModeLines  = "lines"
)

const (
	DefaultChunkSize    = 1000
	DefaultPrefixWindow = 200
	DefaultSuffixWindow = 10
	DefaultSeed         = 42
)

// DefaultCompletionLengths sampled in each window.
var DefaultCompletionLengths = []int{0, 5, 10, 20, 100, 200, 400}

// Config of a Sampler. New creates it with the default values, and once configured, call Config.Done
// to create the Sampler.
type Config struct {
	chunkSize, prefixWindow, suffixWindow int
	completionLengths                     []int
	seed                                  uint64
	mode                                  string
}

// New creates a Sampler configuration with the default values.
//
// Example:
//
//	s, err := sampler.New().FromParams(p).Seed(7).Done()
//	examples := s.Sample(records)
func New() *Config {
	return &Config{
		chunkSize:         DefaultChunkSize,
		prefixWindow:      DefaultPrefixWindow,
		suffixWindow:      DefaultSuffixWindow,
		completionLengths: slices.Clone(DefaultCompletionLengths),
		seed:              DefaultSeed,
		mode:              ModeChunks,
	}
}

// FromParams configures the sampler from the hyperparameters, using the keys ParamChunkSize, ParamPrefixWindow,
// ParamSuffixWindow, ParamCompletionLengths, ParamSeed and ParamSamplingMode. Values not set keep their
// current value.
func (c *Config) FromParams(p *params.Params) *Config {
	c.chunkSize = params.GetParamOr(p, ParamChunkSize, c.chunkSize)
	c.prefixWindow = params.GetParamOr(p, ParamPrefixWindow, c.prefixWindow)
	c.suffixWindow = params.GetParamOr(p, ParamSuffixWindow, c.suffixWindow)
	c.completionLengths = params.GetParamOr(p, ParamCompletionLengths, c.completionLengths)
	c.seed = params.GetParamOr(p, ParamSeed, c.seed)
	c.mode = params.GetParamOr(p, ParamSamplingMode, c.mode)
	return c
}

// Mode sets the sampling mode, ModeChunks or ModeLines.
func (c *Config) Mode(mode string) *Config {
	c.mode = mode
	return c
}

// ChunkSize sets the window size in characters.
func (c *Config) ChunkSize(n int) *Config {
	c.chunkSize = n
	return c
}

// PrefixWindow sets the maximum prefix length in characters.
func (c *Config) PrefixWindow(n int) *Config {
	c.prefixWindow = n
	return c
}

// SuffixWindow sets the maximum suffix length in characters.
func (c *Config) SuffixWindow(n int) *Config {
	c.suffixWindow = n
	return c
}

// CompletionLengths sets the completion lengths sampled in each window.
func (c *Config) CompletionLengths(lengths ...int) *Config {
	c.completionLengths = slices.Clone(lengths)
	return c
}

// Seed sets the seed of the random number generator.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	return c
}

// Done validates the configuration and returns the Sampler.
func (c *Config) Done() (*Sampler, error) {
	if c.mode != ModeChunks && c.mode != ModeLines {
		return nil, errors.Errorf("sampler: %s must be %q or %q, got %q", ParamSamplingMode, ModeChunks, ModeLines, c.mode)
	}
	if c.chunkSize <= 0 {
		return nil, errors.Errorf("sampler: %s must be > 0, got %d", ParamChunkSize, c.chunkSize)
	}
	if c.prefixWindow < 0 || c.suffixWindow < 0 {
		return nil, errors.Errorf("sampler: %s and %s must be >= 0, got %d and %d",
			ParamPrefixWindow, ParamSuffixWindow, c.prefixWindow, c.suffixWindow)
	}
	if len(c.completionLengths) == 0 {
		return nil, errors.Errorf("sampler: %s must not be empty", ParamCompletionLengths)
	}
	for _, l := range c.completionLengths {
		if l < 0 {
			return nil, errors.Errorf("sampler: %s must be >= 0, got %v", ParamCompletionLengths, c.completionLengths)
		}
	}
	s := &Sampler{config: *c}
	s.config.completionLengths = slices.Clone(c.completionLengths)
	s.Reseed(c.seed)
	return s, nil
}

// Sampler generates SyntheticExample from SourceRecord. See package documentation for details.
type Sampler struct {
	config Config
	rng    *rand.Rand
}

// Reseed resets the random number generator with the given seed.
func (s *Sampler) Reseed(seed uint64) {
	s.config.seed = seed
	s.rng = rand.New(rand.NewPCG(seed, 0))
}

// Seed returns the seed of the last (re)seeding.
func (s *Sampler) Seed() uint64 {
	return s.config.seed
}

// Fork returns a new Sampler with the same configuration and an independent random number generator,
// seeded deterministically from this sampler's seed and the worker index.
func (s *Sampler) Fork(worker int) *Sampler {
	forked := &Sampler{config: s.config}
	forked.rng = rand.New(rand.NewPCG(s.config.seed, uint64(worker)+1))
	return forked
}

// ExamplesPerWindow is the number of examples generated per window.
func (s *Sampler) ExamplesPerWindow() int {
	if s.config.mode == ModeLines {
		return 1
	}
	return len(s.config.completionLengths)
}

// Mode returns the sampling mode.
func (s *Sampler) Mode() string {
	return s.config.mode
}

// Sample generates the examples of all records, in order.
func (s *Sampler) Sample(records []infill.SourceRecord) []infill.SyntheticExample {
	var examples []infill.SyntheticExample
	for _, record := range records {
		examples = append(examples, s.SampleRecord(record)...)
	}
	return examples
}

// SampleRecord generates the examples of one record: ExamplesPerWindow examples for each window of
// ChunkSize characters, or one example per window of three lines with ModeLines. Empty code generates
// no examples.
func (s *Sampler) SampleRecord(record infill.SourceRecord) []infill.SyntheticExample {
	if s.config.mode == ModeLines {
		return sampleLines(record)
	}
	code := []rune(record.Code)
	n := len(code)
	if n == 0 {
		return nil
	}
	chunkSize := s.config.chunkSize
	numWindows := (n + chunkSize - 1) / chunkSize
	examples := make([]infill.SyntheticExample, 0, numWindows*len(s.config.completionLengths))
	for windowStart := 0; windowStart < n; windowStart += chunkSize {
		windowEnd := min(n, windowStart+chunkSize)
		for _, completionLength := range s.config.completionLengths {
			// Cut is drawn from the closed interval [windowStart, windowEnd].
			cut := windowStart + s.rng.IntN(windowEnd-windowStart+1)
			completionEnd := min(n, cut+completionLength)
			suffixEnd := min(n, completionEnd+s.config.suffixWindow)
			examples = append(examples, infill.SyntheticExample{
				Prefix:     string(code[max(0, cut-s.config.prefixWindow):cut]),
				Completion: string(code[cut:completionEnd]),
				Suffix:     string(code[completionEnd:suffixEnd]),
				Path:       record.Path,
				Language:   record.Language,
			})
		}
	}
	return examples
}

// sampleLines generates one example per window of three consecutive lines.
func sampleLines(record infill.SourceRecord) []infill.SyntheticExample {
	lines := strings.Split(strings.ReplaceAll(record.Code, "\r\n", "\n"), "\n")
	if len(lines) < 3 {
		return nil
	}
	examples := make([]infill.SyntheticExample, 0, len(lines)-2)
	for ii := 0; ii+2 < len(lines); ii++ {
		examples = append(examples, infill.SyntheticExample{
			Prefix:     lines[ii],
			Completion: lines[ii+1],
			Suffix:     lines[ii+2],
			Path:       record.Path,
			Language:   record.Language,
		})
	}
	return examples
}
