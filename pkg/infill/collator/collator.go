// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collator stacks encoded examples of different lengths into rectangular batches.
//
// Every sequence is padded to the smallest multiple of PadMultiple (16 by default) that fits the longest
// example of the batch. Padding limits the number of distinct shapes seen by the model, and the padding
// values depend on the field: the pad token for input ids, IgnoreLabel for labels, and 0 for the
// attention mask and the token type ids.
package collator

import (
	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/encoder"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamPadMultiple is the multiple of the padded sequence length. Default is 16.
	ParamPadMultiple = "pad_multiple"

	// ParamMaxLength is the maximum sequence length of a batch, usually the maximum number of positions
	// of the model. Longer examples are truncated. 0 (the default) means no limit.
	ParamMaxLength = "max_length"
)

const (
	DefaultPadMultiple = 16

	// IgnoreLabel is the padding value of labels, excluded from the loss.
	IgnoreLabel = encoder.IgnoreLabel
)

// Batch is a rectangular stack of encoded examples: every field has shape [BatchSize, Length].
type Batch struct {
	InputIDs      [][]int64
	Labels        [][]int64
	AttentionMask [][]int64
	TokenTypeIDs  [][]int64

	// Length of every sequence in the batch, a multiple of the collator's pad multiple.
	Length int

	// NumTokens is the number of positions that are not padding.
	NumTokens int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.InputIDs)
}

// Collator pads encoded examples into Batch.
type Collator struct {
	padID       int
	padMultiple int
	maxLength   int
}

// New creates a Collator for the given pad token id, with the default configuration.
func New(padID int) *Collator {
	return &Collator{padID: padID, padMultiple: DefaultPadMultiple}
}

// FromParams configures the collator from the hyperparameters ParamPadMultiple and ParamMaxLength.
func (c *Collator) FromParams(p *params.Params) *Collator {
	c.padMultiple = params.GetParamOr(p, ParamPadMultiple, c.padMultiple)
	c.maxLength = params.GetParamOr(p, ParamMaxLength, c.maxLength)
	return c
}

// PadMultiple sets the multiple of the padded length. Values <= 1 disable rounding.
func (c *Collator) PadMultiple(n int) *Collator {
	c.padMultiple = n
	return c
}

// MaxLength sets the maximum length of a batch. 0 means no limit. It must be a multiple of the pad
// multiple, see Done.
func (c *Collator) MaxLength(n int) *Collator {
	c.maxLength = n
	return c
}

// Done validates the configuration: the pad multiple must be >= 0, and a maximum length > 0 must be
// a multiple of it, so truncated batches keep a padded shape.
func (c *Collator) Done() (*Collator, error) {
	if c.padMultiple < 0 || c.maxLength < 0 {
		return nil, errors.Errorf("collator: %s and %s must be >= 0, got %d and %d",
			ParamPadMultiple, ParamMaxLength, c.padMultiple, c.maxLength)
	}
	if c.maxLength > 0 && c.padMultiple > 1 && c.maxLength%c.padMultiple != 0 {
		return nil, errors.Errorf("collator: %s=%d must be a multiple of %s=%d",
			ParamMaxLength, c.maxLength, ParamPadMultiple, c.padMultiple)
	}
	return c, nil
}

// PaddedLength returns the padded length of a batch whose longest example has maxLen tokens.
func (c *Collator) PaddedLength(maxLen int) int {
	length := xslices.RoundUpToMultiple(maxLen, c.padMultiple)
	if c.maxLength > 0 && length > c.maxLength {
		length = c.maxLength
	}
	return length
}

// Collate pads the examples into a Batch. It fails for an empty list of examples, or if an example
// has fields of different lengths.
func (c *Collator) Collate(examples []infill.EncodedExample) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("collator: cannot collate an empty list of examples")
	}
	maxLen := 0
	for ii := range examples {
		e := &examples[ii]
		n := e.Len()
		if len(e.LabelIDs) != n || len(e.AttentionMask) != n || len(e.TokenTypeIDs) != n {
			return nil, errors.Errorf("collator: example #%d has fields of different lengths: "+
				"input_ids=%d, label_ids=%d, attention_mask=%d, token_type_ids=%d",
				ii, n, len(e.LabelIDs), len(e.AttentionMask), len(e.TokenTypeIDs))
		}
		maxLen = max(maxLen, n)
	}
	length := c.PaddedLength(maxLen)
	if length < maxLen {
		klog.V(1).Infof("collator: truncating batch from %d to %d tokens", maxLen, length)
	}
	batch := &Batch{
		InputIDs:      make([][]int64, len(examples)),
		Labels:        make([][]int64, len(examples)),
		AttentionMask: make([][]int64, len(examples)),
		TokenTypeIDs:  make([][]int64, len(examples)),
		Length:        length,
	}
	for ii := range examples {
		e := &examples[ii]
		batch.InputIDs[ii] = PadToLength(e.InputIDs, length, int64(c.padID))
		batch.Labels[ii] = PadToLength(e.LabelIDs, length, IgnoreLabel)
		batch.AttentionMask[ii] = PadToLength(e.AttentionMask, length, 0)
		batch.TokenTypeIDs[ii] = PadToLength(e.TokenTypeIDs, length, 0)
		batch.NumTokens += min(e.Len(), length)
	}
	return batch, nil
}

// PadToLength returns a copy of ids with exactly length elements: padded with value if shorter,
// or silently truncated if longer.
func PadToLength(ids []int, length int, value int64) []int64 {
	padded := make([]int64, length)
	n := copy64(padded, ids)
	for ii := n; ii < length; ii++ {
		padded[ii] = value
	}
	return padded
}

// copy64 copies ints into dst, returning the number of elements copied.
func copy64(dst []int64, src []int) int {
	n := min(len(dst), len(src))
	for ii := range n {
		dst[ii] = int64(src[ii])
	}
	return n
}
