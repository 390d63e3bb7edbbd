// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package encoder converts synthetic infilling examples into masked token sequences.
//
// For an example with prefix, completion and suffix texts, each tokenized independently:
//
//	input_ids      = prefix ++ [MASK] * P ++ suffix
//	label_ids      = prefix ++ first P completion tokens ++ [PAD] * (P - len(completion)) ++ suffix
//	attention_mask = 1 for every position
//	token_type_ids = the language id for every position
//
// where P is the number of prediction tokens. The completion is never part of the input.
//
// With LabelsMaskOnly, positions outside of the mask span get the IgnoreLabel sentinel instead
// of the prefix and suffix tokens, so the loss only counts the masked positions.
package encoder

import (
	"slices"

	"github.com/gomlx/infill/internal/workerspool"
	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/tokenizers"
	"github.com/pkg/errors"
)

var (
	// ParamPredictionTokens is the number of masked positions in each example. Default is 5.
	ParamPredictionTokens = "prediction_tokens"

	// ParamLabelPolicy selects what labels hold outside the masked span: "full" (the default) keeps the
	// prefix and suffix token ids, "mask_only" sets them to IgnoreLabel.
	ParamLabelPolicy = "label_policy"
)

// DefaultPredictionTokens is the default number of masked positions.
const DefaultPredictionTokens = 5

// IgnoreLabel is the label value of positions excluded from the loss.
const IgnoreLabel = -100

// LabelPolicy defines the labels outside the masked span.
type LabelPolicy int

const (
	// LabelsFull keeps the real prefix and suffix token ids as labels.
	LabelsFull LabelPolicy = iota

	// LabelsMaskOnly sets IgnoreLabel on every position outside the masked span.
	LabelsMaskOnly
)

// ParseLabelPolicy converts "full" or "mask_only" to a LabelPolicy.
func ParseLabelPolicy(name string) (LabelPolicy, error) {
	switch name {
	case "full", "":
		return LabelsFull, nil
	case "mask_only":
		return LabelsMaskOnly, nil
	}
	return LabelsFull, errors.Errorf("unknown %s %q, valid values are \"full\" and \"mask_only\"", ParamLabelPolicy, name)
}

// String implements fmt.Stringer.
func (p LabelPolicy) String() string {
	if p == LabelsMaskOnly {
		return "mask_only"
	}
	return "full"
}

// Config of an Encoder. New creates it with the default values, and once configured, call Config.Done.
type Config struct {
	tokenizer        tokenizers.Tokenizer
	predictionTokens int
	labelPolicy      string
	parallelism      int
}

// New creates an Encoder configuration for the given tokenizer.
func New(tokenizer tokenizers.Tokenizer) *Config {
	return &Config{
		tokenizer:        tokenizer,
		predictionTokens: DefaultPredictionTokens,
		labelPolicy:      LabelsFull.String(),
		parallelism:      -1,
	}
}

// FromParams configures the encoder from the hyperparameters ParamPredictionTokens and ParamLabelPolicy.
func (c *Config) FromParams(p *params.Params) *Config {
	c.predictionTokens = params.GetParamOr(p, ParamPredictionTokens, c.predictionTokens)
	c.labelPolicy = params.GetParamOr(p, ParamLabelPolicy, c.labelPolicy)
	return c
}

// PredictionTokens sets the number of masked positions.
func (c *Config) PredictionTokens(n int) *Config {
	c.predictionTokens = n
	return c
}

// LabelPolicy sets the label policy.
func (c *Config) LabelPolicy(policy LabelPolicy) *Config {
	c.labelPolicy = policy.String()
	return c
}

// Parallelism sets the number of workers used by Encoder.EncodeParallel. If < 0 (default) it
// uses the number of CPUs, if 0 it encodes inline.
func (c *Config) Parallelism(n int) *Config {
	c.parallelism = n
	return c
}

// Done validates the configuration, looks up the special token ids, and returns the Encoder.
func (c *Config) Done() (*Encoder, error) {
	if c.tokenizer == nil {
		return nil, errors.New("encoder: tokenizer not set")
	}
	if c.predictionTokens <= 0 {
		return nil, errors.Errorf("encoder: %s must be > 0, got %d", ParamPredictionTokens, c.predictionTokens)
	}
	policy, err := ParseLabelPolicy(c.labelPolicy)
	if err != nil {
		return nil, errors.WithMessage(err, "encoder")
	}
	e := &Encoder{
		tokenizer:        c.tokenizer,
		predictionTokens: c.predictionTokens,
		labelPolicy:      policy,
		pool:             workerspool.New(c.parallelism),
	}
	var found bool
	if e.padID, found = c.tokenizer.TokenID(infill.PadToken); !found {
		return nil, errors.Errorf("encoder: tokenizer has no pad token %q", infill.PadToken)
	}
	if e.maskID, found = c.tokenizer.TokenID(infill.MaskToken); !found {
		return nil, errors.Errorf("encoder: tokenizer has no mask token %q", infill.MaskToken)
	}
	return e, nil
}

// Encoder converts SyntheticExample to EncodedExample. It has no mutable state, and it's safe for
// concurrent use if the tokenizer is.
type Encoder struct {
	tokenizer        tokenizers.Tokenizer
	predictionTokens int
	labelPolicy      LabelPolicy
	padID, maskID    int
	pool             *workerspool.Pool
}

// PadID returns the id of the pad token.
func (e *Encoder) PadID() int { return e.padID }

// MaskID returns the id of the mask token.
func (e *Encoder) MaskID() int { return e.maskID }

// PredictionTokens returns the number of masked positions per example.
func (e *Encoder) PredictionTokens() int { return e.predictionTokens }

// EncodeExample encodes one example.
//
// It fails with an error wrapping infill.ErrUnknownLanguage if the example language is not valid.
func (e *Encoder) EncodeExample(example infill.SyntheticExample) (infill.EncodedExample, error) {
	languageID, err := example.Language.ID()
	if err != nil {
		return infill.EncodedExample{}, errors.WithMessagef(err, "encoding example from %q", example.Path)
	}
	prefixIDs := e.tokenizer.Encode(example.Prefix)
	suffixIDs := e.tokenizer.Encode(example.Suffix)
	completionIDs := e.tokenizer.Encode(example.Completion)
	p := e.predictionTokens
	length := len(prefixIDs) + p + len(suffixIDs)

	inputIDs := make([]int, 0, length)
	inputIDs = append(inputIDs, prefixIDs...)
	for range p {
		inputIDs = append(inputIDs, e.maskID)
	}
	inputIDs = append(inputIDs, suffixIDs...)

	labelIDs := make([]int, 0, length)
	if e.labelPolicy == LabelsMaskOnly {
		labelIDs = appendN(labelIDs, IgnoreLabel, len(prefixIDs))
	} else {
		labelIDs = append(labelIDs, prefixIDs...)
	}
	numCompletion := min(p, len(completionIDs))
	labelIDs = append(labelIDs, completionIDs[:numCompletion]...)
	labelIDs = appendN(labelIDs, e.padID, p-numCompletion)
	if e.labelPolicy == LabelsMaskOnly {
		labelIDs = appendN(labelIDs, IgnoreLabel, len(suffixIDs))
	} else {
		labelIDs = append(labelIDs, suffixIDs...)
	}

	return infill.EncodedExample{
		InputIDs:      inputIDs,
		LabelIDs:      labelIDs,
		AttentionMask: appendN(make([]int, 0, length), 1, length),
		TokenTypeIDs:  appendN(make([]int, 0, length), languageID, length),
		MaskStart:     len(prefixIDs),
	}, nil
}

func appendN(s []int, value, n int) []int {
	for range n {
		s = append(s, value)
	}
	return s
}

// Encode encodes a batch of examples, in order. An invalid language aborts the whole batch.
func (e *Encoder) Encode(examples []infill.SyntheticExample) ([]infill.EncodedExample, error) {
	encoded := make([]infill.EncodedExample, 0, len(examples))
	for ii, example := range examples {
		enc, err := e.EncodeExample(example)
		if err != nil {
			return nil, errors.WithMessagef(err, "example #%d of batch", ii)
		}
		encoded = append(encoded, enc)
	}
	return encoded, nil
}

// EncodeParallel is like Encode, but it tokenizes the examples in parallel using the configured number of
// workers. The order of the results is preserved, and an error in any example aborts the whole batch.
func (e *Encoder) EncodeParallel(examples []infill.SyntheticExample) ([]infill.EncodedExample, error) {
	encoded := make([]infill.EncodedExample, len(examples))
	errs := make([]error, len(examples))
	e.pool.ForEach(len(examples), func(ii int) {
		encoded[ii], errs[ii] = e.EncodeExample(examples[ii])
	})
	if idx := slices.IndexFunc(errs, func(err error) bool { return err != nil }); idx >= 0 {
		return nil, errors.WithMessagef(errs[idx], "example #%d of batch", idx)
	}
	return encoded, nil
}
