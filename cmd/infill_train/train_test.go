// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/infill/internal/setup"
	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/pipeline"
	"github.com/gomlx/infill/pkg/infill/sampler"
	"github.com/gomlx/infill/pkg/ml/checkpoints"
	"github.com/gomlx/infill/pkg/ml/data/sources"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train/optimizers"
	"github.com/gomlx/infill/ui/commandline"
	"github.com/gomlx/infill/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestRecords(t *testing.T) string {
	rng := rand.New(rand.NewPCG(3, 5))
	words := []string{"let", "const", "x", "=", "1;", "{", "}", "color:", "red;", "class", "void", "(", ")"}
	records := make([]infill.SourceRecord, 12)
	for ii := range records {
		var sb strings.Builder
		for range 80 {
			sb.WriteString(words[rng.IntN(len(words))])
			sb.WriteByte(' ')
		}
		records[ii] = infill.SourceRecord{
			Code:     sb.String(),
			Path:     fmt.Sprintf("src/file_%02d", ii),
			Language: infill.Languages[ii%len(infill.Languages)],
		}
	}
	path := filepath.Join(t.TempDir(), "records.jsonl")
	require.NoError(t, sources.WriteJSONL(path, records))
	return path
}

func testParams(t *testing.T, recordsPath, settings string) (*params.Params, []string) {
	p := setup.DefaultParams()
	p.SetParams(map[string]any{
		setup.ParamRecords:            []string{recordsPath},
		setup.ParamVocabSize:          200,
		setup.ParamTokenizerCache:     0,
		setup.ParamLearningRate:       0.1,
		setup.ParamEvalEvery:          10,
		setup.ParamCheckpointEvery:    10,
		optimizers.ParamOptimizer:     "sgd",
		sampler.ParamChunkSize:        100,
		pipeline.ParamBatchSize:       4,
		pipeline.ParamEncodeBatchSize: 8,
		pipeline.ParamEvalExamples:    16,
		pipeline.ParamShuffleBuffer:   32,
		pipeline.ParamReadAhead:       0,
	})
	paramsSet, err := commandline.ParseSettings(p, settings)
	require.NoError(t, err)
	return p, paramsSet
}

func TestTrainAndResume(t *testing.T) {
	recordsPath := writeTestRecords(t)
	checkpointDir := t.TempDir()

	p, paramsSet := testParams(t, recordsPath, "train_steps=30")
	require.NoError(t, trainModel(context.Background(), trainConfig{
		params: p, paramsSet: paramsSet, checkpointDir: checkpointDir, plots: true}))
	assert.FileExists(t, filepath.Join(checkpointDir, VocabFileName))
	assert.FileExists(t, filepath.Join(checkpointDir, plots.TypeLoss+".png"))

	loaded := setup.DefaultParams()
	h, err := checkpoints.Load(loaded).Dir(checkpointDir).Done()
	require.NoError(t, err)
	assert.Equal(t, 30, h.Step())
	runID := h.RunID()
	assert.Equal(t, 30, params.GetParamOr(loaded, setup.ParamTrainSteps, 0))

	// Resume for 10 more steps: the run id and the vocabulary are kept.
	p, paramsSet = testParams(t, recordsPath, "train_steps=40")
	require.NoError(t, trainModel(context.Background(), trainConfig{
		params: p, paramsSet: paramsSet, checkpointDir: checkpointDir}))
	h, err = checkpoints.Load(setup.DefaultParams()).Dir(checkpointDir).Done()
	require.NoError(t, err)
	assert.Equal(t, 40, h.Step())
	assert.Equal(t, runID, h.RunID())
	assert.Equal(t, filepath.Join(checkpointDir, VocabFileName), params.GetParamOr(p, setup.ParamVocabFile, ""))
}

func TestTrainInterrupted(t *testing.T) {
	recordsPath := writeTestRecords(t)
	checkpointDir := t.TempDir()
	p, paramsSet := testParams(t, recordsPath, "train_steps=30;checkpoint_every=1000")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := trainModel(ctx, trainConfig{params: p, paramsSet: paramsSet, checkpointDir: checkpointDir})
	require.ErrorIs(t, err, ErrInterrupted)
	h, err := checkpoints.Load(setup.DefaultParams()).Dir(checkpointDir).Done()
	require.NoError(t, err)
	assert.Equal(t, 1, h.Step())
}

func TestTrainWithoutCheckpoint(t *testing.T) {
	recordsPath := writeTestRecords(t)
	for _, schedule := range []string{setup.ScheduleAdaptive, setup.ScheduleCosine, setup.ScheduleConstant} {
		p, paramsSet := testParams(t, recordsPath, "train_steps=5;lr_schedule="+schedule)
		require.NoError(t, trainModel(context.Background(), trainConfig{params: p, paramsSet: paramsSet}), schedule)
	}
	p, paramsSet := testParams(t, recordsPath, "lr_schedule=linear")
	require.Error(t, trainModel(context.Background(), trainConfig{params: p, paramsSet: paramsSet}))
}
