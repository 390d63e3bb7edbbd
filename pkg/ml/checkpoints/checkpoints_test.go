// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/gomlx/infill/pkg/ml/train/optimizers/adaptiveschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weights is a trivial Component.
type weights struct {
	Values []float64 `json:"values"`
}

func (w *weights) MarshalJSON() ([]byte, error) {
	type plain weights
	return json.Marshal((*plain)(w))
}

func (w *weights) UnmarshalJSON(data []byte) error {
	type plain weights
	return json.Unmarshal(data, (*plain)(w))
}

func TestSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	p := params.New().Set("batch_size", 64).Set("lr", 2e-5)
	h, err := Build(p).Dir(dir).Keep(2).Done()
	require.NoError(t, err)
	assert.Empty(t, h.LoadedFrom())
	assert.Equal(t, 0, h.Step())
	runID := h.RunID()
	require.NotEmpty(t, runID)

	w := &weights{Values: []float64{1, 2, 3}}
	require.NoError(t, h.Attach("model", w))
	require.Error(t, h.Attach("model", w))
	for step := 1; step <= 3; step++ {
		w.Values[0] = float64(step)
		require.NoError(t, h.Save(step*10))
	}
	list, err := h.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Contains(t, list[1], "-step-00000030")

	// Reload: params from the checkpoint take precedence, except excluded ones.
	p2 := params.New().Set("batch_size", 8).Set("lr", 1.0)
	h2, err := Load(p2).Dir(dir).ExcludeParams("lr").Done()
	require.NoError(t, err)
	assert.Equal(t, runID, h2.RunID())
	assert.Equal(t, 30, h2.Step())
	assert.Equal(t, list[1], h2.LoadedFrom())
	assert.False(t, h2.Time().IsZero())
	assert.Equal(t, []string{"model"}, h2.ComponentNames())
	raw, found := h2.ComponentState("model")
	require.True(t, found)
	assert.JSONEq(t, `{"values":[3,2,3]}`, string(raw))
	_, found = h2.ComponentState("optimizer")
	assert.False(t, found)
	assert.Equal(t, 64, params.GetParamOr(p2, "batch_size", 0))
	assert.Equal(t, 1.0, params.GetParamOr(p2, "lr", 0.0))

	w2 := &weights{}
	require.NoError(t, h2.Attach("model", w2))
	assert.Equal(t, []float64{3, 2, 3}, w2.Values)

	// Saving again keeps the numbering and unattached state.
	require.NoError(t, h2.Save(40))
	h3, err := Load(nil).Dir(dir).Done()
	require.NoError(t, err)
	assert.Equal(t, 40, h3.Step())
	assert.Contains(t, h3.LoadedFrom(), "checkpoint-n0000003-")

	require.NoError(t, h3.Backup())
	_, err = os.Stat(filepath.Join(dir, BackupDir, h3.LoadedFrom()+JsonNameSuffix))
	require.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(nil).Dir(t.TempDir()).Done()
	require.ErrorContains(t, err, "no checkpoints")
	_, err = Build(nil).Done()
	require.Error(t, err)

	var nilHandler *Handler
	require.NoError(t, nilHandler.Save(1))
	assert.Equal(t, "", nilHandler.Dir())
}

type recordingMirror struct {
	keys []string
}

func (m *recordingMirror) PutFile(_ context.Context, key, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	m.keys = append(m.keys, key)
	return nil
}

func TestMirror(t *testing.T) {
	mirror := &recordingMirror{}
	h, err := Build(nil).Dir(t.TempDir()).Mirror(mirror, "checkpoints").Done()
	require.NoError(t, err)
	require.NoError(t, h.Save(5))
	require.Len(t, mirror.keys, 1)
	assert.Regexp(t, `^checkpoints/`+h.RunID()+`/checkpoint-n0000000-.*-step-00000005\.json$`, mirror.keys[0])
}

type stepTrainer struct{}

func (stepTrainer) TrainStep(int, float64) (float64, error) { return 1.0, nil }

func (stepTrainer) Eval(train.Dataset[int]) (train.Metrics, error) { return nil, nil }

type countDataset struct{ next int }

func (ds *countDataset) Name() string { return "count" }
func (ds *countDataset) Reset()       { ds.next = 0 }
func (ds *countDataset) Yield() (int, error) {
	if ds.next >= 1000 {
		return 0, io.EOF
	}
	ds.next++
	return ds.next, nil
}

func TestAttachToLoop(t *testing.T) {
	dir := t.TempDir()
	newLoop := func() (*train.Loop[int], *adaptiveschedule.Controller, *Handler) {
		loop := train.NewLoop[int](stepTrainer{}, 1e-3)
		ctrl, err := adaptiveschedule.New().Done()
		require.NoError(t, err)
		adaptiveschedule.Attach(ctrl, loop)
		h, err := Build(nil).Dir(dir).Keep(-1).Done()
		require.NoError(t, err)
		require.NoError(t, AttachToLoop(h, loop, 4))
		return loop, ctrl, h
	}

	loop, ctrl, h := newLoop()
	require.NoError(t, ctrl.Restore(adaptiveschedule.State{Factor: 0.64, LastAdjustTime: time.Now()}))
	_, err := loop.RunSteps(&countDataset{}, 10)
	require.NoError(t, err)
	list, err := h.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 3) // Steps 4, 8 and 10 (end).
	assert.Contains(t, list[2], "-step-00000010")

	loop2, ctrl2, _ := newLoop()
	assert.Equal(t, 10, loop2.LoopStep)
	assert.InDelta(t, 0.64, ctrl2.Factor(), 1e-12)
	_, err = loop2.RunToStep(&countDataset{}, 12)
	require.NoError(t, err)
	list, err = h.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 4) // Step 12 saved at end.
}
