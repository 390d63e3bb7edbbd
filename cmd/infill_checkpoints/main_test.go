// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/gomlx/infill/pkg/ml/checkpoints"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train/optimizers/adaptiveschedule"
	"github.com/gomlx/infill/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawComponent saves a fixed JSON state.
type rawComponent struct {
	data json.RawMessage
}

func (c *rawComponent) MarshalJSON() ([]byte, error) { return c.data, nil }

func (c *rawComponent) UnmarshalJSON(data []byte) error {
	c.data = append(json.RawMessage(nil), data...)
	return nil
}

// createCheckpoint saves a checkpoint at the given step with a model, an adaptive schedule and
// some plot points.
func createCheckpoint(t *testing.T, dir string, batchSize, step int) {
	p := params.New().Set("batch_size", batchSize).Set("learning_rate", 2e-5)
	h := must.M1(checkpoints.Build(p).Dir(dir).Done())
	require.NoError(t, h.Attach(ModelComponent, &rawComponent{data: json.RawMessage(`{"vocab_size":3,"logits":[1,2,3]}`)}))
	ctrl := must.M1(adaptiveschedule.New().Done())
	require.NoError(t, h.Attach(checkpoints.ScheduleComponent, ctrl))
	require.NoError(t, h.Save(step))

	writer, errs := plots.CreatePointsWriter(filepath.Join(dir, plots.TrainingPlotFileName))
	for _, s := range []float64{10, 20} {
		writer <- plots.Point{MetricName: "eval/loss", Short: "loss", MetricType: plots.TypeLoss, Step: s, Value: 3 - s/10}
		writer <- plots.Point{MetricName: "learning_rate_factor", Short: "lr", MetricType: plots.TypeLearningRate, Step: s, Value: 1}
	}
	close(writer)
	require.NoError(t, <-errs)
}

func TestReports(t *testing.T) {
	root := t.TempDir()
	dirA, dirB := filepath.Join(root, "run_a"), filepath.Join(root, "run_b")
	createCheckpoint(t, dirA, 8, 100)
	createCheckpoint(t, dirB, 16, 200)
	ckpts := must.M1(loadCheckpoints([]string{dirA, dirB}))
	require.Len(t, ckpts, 2)
	assert.Equal(t, "run_a", ckpts[0].name)
	assert.Equal(t, 200, ckpts[1].handler.Step())

	var buf bytes.Buffer
	require.NoError(t, Summary(&buf, ckpts))
	out := buf.String()
	assert.Contains(t, out, ckpts[0].handler.RunID())
	assert.Contains(t, out, "lr factor")
	assert.Contains(t, out, "# parameters")
	assert.NotContains(t, out, "last eval loss")

	buf.Reset()
	Params(&buf, ckpts)
	assert.Contains(t, buf.String(), "batch_size")
	assert.Contains(t, buf.String(), "16")

	buf.Reset()
	Components(&buf, ckpts)
	assert.Contains(t, buf.String(), ModelComponent)
	assert.Contains(t, buf.String(), checkpoints.ScheduleComponent)

	plotDir := filepath.Join(root, "plots")
	*flagMetrics, *flagPlot = true, plotDir
	defer func() { *flagMetrics, *flagPlot = false, "" }()
	buf.Reset()
	require.NoError(t, Metrics(&buf, ckpts))
	assert.Contains(t, buf.String(), "Metrics: run_b")
	assert.FileExists(t, filepath.Join(plotDir, plots.TypeLoss+".png"))
	assert.FileExists(t, filepath.Join(plotDir, plots.TypeLearningRate+".png"))
}

func TestMetricsFilter(t *testing.T) {
	f := must.M1(newMetricsFilter("^eval/", ""))
	assert.True(t, f.Keep(plots.Point{MetricName: "eval/loss"}))
	assert.False(t, f.Keep(plots.Point{MetricName: "train/loss", Short: "loss"}))

	f = must.M1(newMetricsFilter("", "learning_rate,accuracy"))
	assert.True(t, f.Keep(plots.Point{MetricType: plots.TypeLearningRate}))
	assert.False(t, f.Keep(plots.Point{MetricType: plots.TypeLoss}))

	f = must.M1(newMetricsFilter("", ""))
	assert.True(t, f.Keep(plots.Point{}))

	_, err := newMetricsFilter("(", "")
	require.Error(t, err)
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"run"}, MinimalUniquePaths("/work/run"))
	assert.Equal(t, []string{"a", "b"}, MinimalUniquePaths("/work/a/ckpt", "/work/b/ckpt"))
	assert.Equal(t, []string{"x...a", "y...b"}, MinimalUniquePaths("/x/run/a", "/y/run/b"))
	assert.Empty(t, MinimalUniquePaths())
}
