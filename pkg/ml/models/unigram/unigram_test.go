// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unigram

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/ml/datasets"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/gomlx/infill/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	vocabSize = 10
	padID     = 0
	maskID    = 1
)

// testBatch has two TypeScript examples whose masked positions are labeled 5, 5 and pad.
func testBatch(t *testing.T) *collator.Batch {
	lang := int(infill.TypeScript)
	example := infill.EncodedExample{
		InputIDs:      []int{7, maskID, maskID, maskID, 8},
		LabelIDs:      []int{7, 5, 5, padID, 8},
		AttentionMask: []int{1, 1, 1, 1, 1},
		TokenTypeIDs:  []int{lang, lang, lang, lang, lang},
		MaskStart:     1,
	}
	batch, err := collator.New(padID).Collate([]infill.EncodedExample{example, example})
	require.NoError(t, err)
	return batch
}

func TestTrain(t *testing.T) {
	model, err := New(vocabSize, maskID).Optimizer(optimizers.Adam().Done()).Done()
	require.NoError(t, err)
	batch := testBatch(t)

	loss, err := model.TrainStep(batch, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(vocabSize), loss, 1e-9)

	for range 200 {
		loss, err = model.TrainStep(batch, 0.1)
		require.NoError(t, err)
	}
	// Optimal loss is the entropy of {5: 2/3, pad: 1/3}.
	optimal := -(2.0/3)*math.Log(2.0/3) - (1.0/3)*math.Log(1.0/3)
	assert.InDelta(t, optimal, loss, 0.05)

	results, err := model.Eval(datasets.FromSlice("eval", []*collator.Batch{batch, batch}))
	require.NoError(t, err)
	assert.InDelta(t, optimal, results[train.EvalLossKey], 0.05)
	assert.InDelta(t, 2.0/3, results[AccuracyKey], 1e-9)
	assert.Equal(t, 12.0, results[MaskTokensKey])

	p, err := model.Probability(infill.TypeScript, 5)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, p, 0.05)
	// Other languages are untouched.
	p, err = model.Probability(infill.CSS, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, p, 1e-9)
	_, err = model.Probability(infill.Language(7), 5)
	require.Error(t, err)
}

func TestNoMaskedTokens(t *testing.T) {
	model, err := New(vocabSize, maskID).FromParams(params.New().Set(optimizers.ParamOptimizer, "sgd")).Done()
	require.NoError(t, err)
	batch := &collator.Batch{
		InputIDs:      [][]int64{{7, 8}},
		Labels:        [][]int64{{7, 8}},
		AttentionMask: [][]int64{{1, 1}},
		TokenTypeIDs:  [][]int64{{0, 0}},
		Length:        2,
	}
	loss, err := model.TrainStep(batch, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, loss)

	_, err = model.Eval(datasets.FromSlice("eval", []*collator.Batch{batch}))
	require.ErrorContains(t, err, "no masked tokens")

	batch.InputIDs[0][0] = maskID
	batch.TokenTypeIDs[0][0] = 9
	_, err = model.TrainStep(batch, 0.1)
	require.ErrorContains(t, err, "token type 9")
}

func TestSerialization(t *testing.T) {
	model, err := New(vocabSize, maskID).Done()
	require.NoError(t, err)
	for range 10 {
		_, err = model.TrainStep(testBatch(t), 0.1)
		require.NoError(t, err)
	}
	data, err := json.Marshal(model)
	require.NoError(t, err)

	restored, err := New(vocabSize, maskID).Done()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, restored))
	want, _ := model.Probability(infill.TypeScript, 5)
	got, _ := restored.Probability(infill.TypeScript, 5)
	assert.InDelta(t, want, got, 1e-12)

	other, err := New(vocabSize+1, maskID).Done()
	require.NoError(t, err)
	require.Error(t, json.Unmarshal(data, other))

	_, err = New(0, 0).Done()
	require.Error(t, err)
	_, err = New(vocabSize, vocabSize).Done()
	require.Error(t, err)
}
