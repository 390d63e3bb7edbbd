// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/infill/sampler"
	"github.com/gomlx/infill/pkg/ml/datasets"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/tokenizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz{}();= \n"

func testTokenizer(t *testing.T) *tokenizers.Vocab {
	tokens := append(infill.SpecialTokens(), "<|unk|>")
	for _, r := range alphabet {
		tokens = append(tokens, string(r))
	}
	return must.M1(tokenizers.NewVocab(tokens))
}

func testRecords(numRecords, codeLen int) []infill.SourceRecord {
	rng := rand.New(rand.NewPCG(7, 11))
	languages := []infill.Language{infill.CSharp, infill.TypeScript, infill.CSS}
	records := make([]infill.SourceRecord, numRecords)
	for ii := range records {
		var sb strings.Builder
		for range codeLen {
			sb.WriteByte(alphabet[rng.IntN(len(alphabet))])
		}
		records[ii] = infill.SourceRecord{
			Code:     sb.String(),
			Path:     fmt.Sprintf("src/file_%03d", ii),
			Language: languages[ii%len(languages)],
		}
	}
	return records
}

func testParams() *params.Params {
	return params.NewWith(map[string]any{
		sampler.ParamChunkSize:         100,
		sampler.ParamPrefixWindow:      20,
		sampler.ParamSuffixWindow:      5,
		sampler.ParamCompletionLengths: []int{0, 3, 10},
		ParamShuffleBuffer:             50,
		ParamEncodeBatchSize:           16,
		ParamBatchSize:                 8,
		ParamEvalExamples:              30,
	})
}

func TestConfig(t *testing.T) {
	records := testRecords(2, 100)
	_, err := New(nil, testTokenizer(t)).Done()
	require.Error(t, err)
	_, err = New(records, testTokenizer(t)).BatchSize(0).Done()
	require.Error(t, err)
	_, err = New(records, testTokenizer(t)).EvalExamples(-1).Done()
	require.Error(t, err)
	_, err = New(records, testTokenizer(t)).FromParams(params.NewWith(map[string]any{collator.ParamMaxLength: 1000})).Done()
	require.ErrorContains(t, err, collator.ParamMaxLength)
	p := must.M1(New(records, testTokenizer(t)).FromParams(params.NewWith(map[string]any{ParamBatchSize: 3})).Done())
	assert.Equal(t, 3, p.BatchSize())
	assert.Equal(t, 0, p.Encoder().PadID())
	assert.Equal(t, 2048, p.Collator().PaddedLength(5000))
}

func TestSplit(t *testing.T) {
	p := must.M1(New(testRecords(10, 450), testTokenizer(t)).FromParams(testParams()).Done())
	all := must.M1(datasets.Collect(p.Examples()))
	require.Greater(t, len(all), 100)

	evalDS, trainDS := p.EvalExamples(), p.TrainExamples()
	for epoch := range 3 {
		evalExamples := must.M1(datasets.Collect(evalDS))
		trainExamples := must.M1(datasets.Collect(trainDS))
		require.Len(t, evalExamples, 30, "epoch %d", epoch)
		assert.Equal(t, all[:30], evalExamples, "eval split must be stable, epoch %d", epoch)
		assert.ElementsMatch(t, all[30:], trainExamples, "train split must hold all other examples, epoch %d", epoch)
		evalDS.Reset()
		trainDS.Reset()
	}
}

func TestTrainDataset(t *testing.T) {
	for _, readAhead := range []int{0, 2} {
		t.Run(fmt.Sprintf("read_ahead=%d", readAhead), func(t *testing.T) {
			p := must.M1(New(testRecords(6, 300), testTokenizer(t)).
				FromParams(testParams()).ReadAhead(readAhead).Done())
			numTrain := len(must.M1(datasets.Collect(p.TrainExamples())))
			ds := p.TrainDataset()
			assert.Equal(t, "train", ds.Name())
			if pd, ok := ds.(*datasets.ParallelDataset[*collator.Batch]); ok {
				defer pd.Done()
			}
			for range 2 {
				batches := must.M1(datasets.Collect(ds))
				var count int
				for _, batch := range batches {
					assert.LessOrEqual(t, batch.Size(), 8)
					assert.Zero(t, batch.Length%16)
					for _, row := range batch.InputIDs {
						assert.Len(t, row, batch.Length)
					}
					count += batch.Size()
				}
				assert.Equal(t, numTrain, count)
				ds.Reset()
			}
		})
	}
}

func TestEvalDataset(t *testing.T) {
	p := must.M1(New(testRecords(6, 300), testTokenizer(t)).FromParams(testParams()).ReadAhead(0).Done())
	ds := p.EvalDataset()
	require.NotNil(t, ds)
	first := must.M1(datasets.Collect(ds))
	ds.Reset()
	second := must.M1(datasets.Collect(ds))
	assert.Equal(t, first, second)
	var count int
	for _, batch := range first {
		count += batch.Size()
	}
	assert.Equal(t, 30, count)

	p = must.M1(New(testRecords(6, 300), testTokenizer(t)).EvalExamples(0).Done())
	assert.Nil(t, p.EvalDataset())
}

func TestRecordShuffle(t *testing.T) {
	records := testRecords(20, 300)
	original := append([]infill.SourceRecord(nil), records...)
	newPipeline := func(seed int) *Pipeline {
		pp := testParams()
		pp.Set(sampler.ParamSeed, seed)
		pp.Set(sampler.ParamSamplingMode, sampler.ModeLines)
		return must.M1(New(records, testTokenizer(t)).FromParams(pp).ShuffleBuffer(1).Done())
	}
	p := newPipeline(sampler.DefaultSeed)
	assert.Equal(t, original, records, "input records must not be modified")
	assert.ElementsMatch(t, records, p.Records())
	assert.NotEqual(t, records, p.Records())
	assert.Equal(t, p.Records(), newPipeline(sampler.DefaultSeed).Records())
	assert.NotEqual(t, p.Records(), newPipeline(7).Records())

	// With a shuffle buffer of 1, examples follow the order of the shuffled records.
	var wantPaths []string
	for _, r := range p.Records() {
		for range strings.Count(r.Code, "\n") - 1 {
			wantPaths = append(wantPaths, r.Path)
		}
	}
	var paths []string
	for _, e := range must.M1(datasets.Collect(p.Examples())) {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, wantPaths, paths)
}
