// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encoder

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/sampler"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/tokenizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// charVocab has the special tokens followed by one token per character in chars.
func charVocab(t *testing.T, chars string) *tokenizers.Vocab {
	tokens := append(infill.SpecialTokens(), "<|unk|>")
	for _, r := range chars {
		tokens = append(tokens, string(r))
	}
	v, err := tokenizers.NewVocab(tokens)
	require.NoError(t, err)
	return v
}

const alphabet = "abcdefghijklmnopqrstuvwxyz{}();= \n"

func TestEncodeExample(t *testing.T) {
	vocab := charVocab(t, alphabet)
	enc := must.M1(New(vocab).Done())
	padID, maskID := enc.PadID(), enc.MaskID()
	assert.Equal(t, 0, padID)
	assert.Equal(t, 1, maskID)
	ids := vocab.Encode

	t.Run("ShortCompletionIsPadded", func(t *testing.T) {
		e := must.M1(enc.EncodeExample(infill.SyntheticExample{
			Prefix: "let ", Completion: "x", Suffix: " = 1", Language: infill.TypeScript}))
		wantInput := append(append(ids("let "), maskID, maskID, maskID, maskID, maskID), ids(" = ")...)
		wantInput = append(wantInput, vocab.UnknownID()) // "1" is not in the vocabulary.
		assert.Equal(t, wantInput, e.InputIDs)
		wantLabels := append(append(ids("let "), ids("x")[0], padID, padID, padID, padID), ids(" = 1")...)
		assert.Equal(t, wantLabels, e.LabelIDs)
		assert.Equal(t, 4, e.MaskStart)
		assert.Equal(t, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, e.AttentionMask)
		for _, typeID := range e.TokenTypeIDs {
			assert.Equal(t, 1, typeID)
		}
	})

	t.Run("LongCompletionIsTruncated", func(t *testing.T) {
		e := must.M1(enc.EncodeExample(infill.SyntheticExample{
			Prefix: "a", Completion: "bcdefgh", Suffix: "i", Language: infill.CSS}))
		assert.Equal(t, ids("abcdefi"), e.LabelIDs)
		assert.Equal(t, []int{ids("a")[0], maskID, maskID, maskID, maskID, maskID, ids("i")[0]}, e.InputIDs)
		assert.Equal(t, []int{2, 2, 2, 2, 2, 2, 2}, e.TokenTypeIDs)
	})

	t.Run("EmptyEverything", func(t *testing.T) {
		e := must.M1(enc.EncodeExample(infill.SyntheticExample{Language: infill.CSharp}))
		assert.Equal(t, []int{maskID, maskID, maskID, maskID, maskID}, e.InputIDs)
		assert.Equal(t, []int{padID, padID, padID, padID, padID}, e.LabelIDs)
		assert.Equal(t, []int{0, 0, 0, 0, 0}, e.TokenTypeIDs)
	})

	t.Run("SpecialTokensInCodeAreNotSpecial", func(t *testing.T) {
		e := must.M1(enc.EncodeExample(infill.SyntheticExample{
			Prefix: "<|mask|>", Language: infill.CSharp}))
		assert.Equal(t, 8, e.MaskStart) // Split as plain text.
		assert.NotContains(t, e.InputIDs[:e.MaskStart], maskID)
	})

	t.Run("UnknownLanguage", func(t *testing.T) {
		_, err := enc.EncodeExample(infill.SyntheticExample{Prefix: "a", Language: infill.Language(9)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, infill.ErrUnknownLanguage))

		// The whole batch is aborted.
		_, err = enc.Encode([]infill.SyntheticExample{{Language: infill.CSS}, {Language: infill.Language(-1)}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, infill.ErrUnknownLanguage))
		assert.Contains(t, err.Error(), "example #1")
	})
}

func TestEncodeInvariants(t *testing.T) {
	vocab := charVocab(t, alphabet)
	rng := rand.New(rand.NewPCG(5, 6))
	var code strings.Builder
	for range 3000 {
		code.WriteByte(alphabet[rng.IntN(len(alphabet))])
	}
	s := must.M1(sampler.New().Seed(1).Done())
	examples := s.SampleRecord(infill.SourceRecord{Code: code.String(), Language: infill.TypeScript})
	require.NotEmpty(t, examples)

	for _, predictionTokens := range []int{1, 5, 16} {
		enc := must.M1(New(vocab).PredictionTokens(predictionTokens).Done())
		encoded := must.M1(enc.Encode(examples))
		require.Len(t, encoded, len(examples))
		for ii, e := range encoded {
			prefixLen := len(vocab.Encode(examples[ii].Prefix))
			suffixLen := len(vocab.Encode(examples[ii].Suffix))
			completionLen := len(vocab.Encode(examples[ii].Completion))
			n := e.Len()
			assert.Equal(t, n, len(e.LabelIDs))
			assert.Equal(t, n, len(e.AttentionMask))
			assert.Equal(t, n, len(e.TokenTypeIDs))
			assert.Equal(t, predictionTokens, n-prefixLen-suffixLen)
			assert.Equal(t, prefixLen, e.MaskStart)

			// Pad shortfall is exact.
			masked := e.LabelIDs[e.MaskStart : e.MaskStart+predictionTokens]
			numPad := 0
			for _, id := range masked {
				if id == enc.PadID() {
					numPad++
				}
			}
			assert.Equal(t, max(0, predictionTokens-completionLen), numPad)
		}
	}
}

func TestLabelsMaskOnly(t *testing.T) {
	vocab := charVocab(t, alphabet)
	enc := must.M1(New(vocab).FromParams(params.New().Set(ParamLabelPolicy, "mask_only")).Done())
	e := must.M1(enc.EncodeExample(infill.SyntheticExample{
		Prefix: "ab", Completion: "cd", Suffix: "e", Language: infill.CSharp}))
	pad := enc.PadID()
	assert.Equal(t, []int{IgnoreLabel, IgnoreLabel, vocab.Encode("c")[0], vocab.Encode("d")[0], pad, pad, pad, IgnoreLabel},
		e.LabelIDs)
	assert.Equal(t, len(e.InputIDs), len(e.LabelIDs))
}

func TestEncodeParallel(t *testing.T) {
	vocab := charVocab(t, alphabet)
	s := must.M1(sampler.New().ChunkSize(50).Done())
	var examples []infill.SyntheticExample
	for _, l := range infill.Languages {
		examples = append(examples, s.SampleRecord(infill.SourceRecord{
			Code: strings.Repeat("function f() { return x; }\n", 20), Language: l})...)
	}
	enc := must.M1(New(vocab).Parallelism(4).Done())
	sequential := must.M1(enc.Encode(examples))
	parallel := must.M1(enc.EncodeParallel(examples))
	assert.Equal(t, sequential, parallel)

	examples[len(examples)/2].Language = infill.Language(42)
	_, err := enc.EncodeParallel(examples)
	assert.True(t, errors.Is(err, infill.ErrUnknownLanguage))
}

func TestConfigErrors(t *testing.T) {
	_, err := New(nil).Done()
	require.Error(t, err)
	_, err = New(charVocab(t, alphabet)).PredictionTokens(0).Done()
	require.Error(t, err)
	_, err = New(charVocab(t, alphabet)).FromParams(params.New().Set(ParamLabelPolicy, "some")).Done()
	require.Error(t, err)

	// Missing special tokens.
	noMask := must.M1(tokenizers.NewVocab([]string{"<|pad|>", "<|unk|>", "a"}))
	_, err = New(noMask).Done()
	require.ErrorContains(t, err, "mask")
	noPad := must.M1(tokenizers.NewVocab([]string{"<|mask|>", "<|unk|>", "a"}))
	_, err = New(noPad).Done()
	require.ErrorContains(t, err, "pad")
}
