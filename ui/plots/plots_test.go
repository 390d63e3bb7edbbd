// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoints() []Point {
	return []Point{
		{MetricName: "eval/eval_loss", Short: "eval_loss", MetricType: TypeLoss, Step: 0, Value: 3.0},
		{MetricName: "learning_rate_factor", Short: "lr", MetricType: TypeLearningRate, Step: 0, Value: 1.0},
		{MetricName: "eval/eval_loss", Short: "eval_loss", MetricType: TypeLoss, Step: 100, Value: 2.0},
		{MetricName: "learning_rate_factor", Short: "lr", MetricType: TypeLearningRate, Step: 100, Value: 0.8},
		{MetricName: "eval/accuracy", Short: "accuracy", MetricType: TypeAccuracy, Step: 100, Value: 0.25},
	}
}

func TestPointsWriterAndLoad(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), TrainingPlotFileName)
	writer, errReport := CreatePointsWriter(filePath)
	for _, pt := range testPoints() {
		writer <- pt
	}
	close(writer)
	require.NoError(t, <-errReport)

	loaded, err := LoadPointsFromCheckpoint(filepath.Dir(filePath))
	require.NoError(t, err)
	assert.Equal(t, testPoints(), loaded)

	_, err = LoadPoints(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestPoints(t *testing.T) {
	points := NewPoints(testPoints())
	assert.Len(t, points, 2)
	assert.Equal(t, []string{"eval/accuracy", "learning_rate_factor", "eval/eval_loss"}, points.MetricsNames())
	assert.Equal(t, []string{TypeAccuracy, TypeLearningRate, TypeLoss}, points.MetricTypes())

	extracted := points.Extract()
	require.Len(t, extracted, 5)
	assert.Equal(t, 0.0, extracted[0].Step)
	assert.Equal(t, 100.0, extracted[4].Step)

	table := points.TableForMetrics("eval/eval_loss")
	assert.Contains(t, table, "eval/eval_loss")
	assert.Contains(t, table, "100")
	assert.NotContains(t, table, "accuracy")

	points.Filter(func(p Point) bool { return p.MetricType == TypeLoss })
	assert.Len(t, points.Extract(), 2)
	points.Filter(func(p Point) bool { return p.Step > 0 })
	assert.Len(t, points, 1)
}

func TestSavePNG(t *testing.T) {
	dir := t.TempDir()
	points := NewPoints(append(testPoints(),
		Point{MetricName: "eval/eval_loss", MetricType: TypeLoss, Step: 200, Value: math.NaN()}))
	files, err := SaveAllPNGs(points, dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, file := range files {
		info, err := os.Stat(file)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
	require.Error(t, SavePNG(points, "unknown", filepath.Join(dir, "unknown.png")))
}

func TestMetricType(t *testing.T) {
	assert.Equal(t, TypeLoss, metricType("eval_loss"))
	assert.Equal(t, TypeAccuracy, metricType("accuracy"))
	assert.Equal(t, TypeOther, metricType("mask_tokens"))
}
