// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects plot points during training (evaluation metrics, training loss and
// learning rate factor), saves them along the checkpoints and renders them to PNG images.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/infill/pkg/support/fsutil"
	"github.com/gomlx/infill/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the default file name within a checkpoint directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Metric types, used to group metrics in the same plot.
const (
	TypeLoss         = "loss"
	TypeAccuracy     = "accuracy"
	TypeLearningRate = "learning_rate"
	TypeOther        = "other"
)

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name
	Short string

	// MetricType typically will be "loss", "accuracy" or "learning_rate".
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the global step this metric was measured.
	Step float64

	// Value is the metric captured.
	Value float64
}

// LoadPointsFromCheckpoint loads all plot points saved during training in file [TrainingPlotFileName]
// in a checkpoint directory.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	checkpointDir, err := fsutil.ReplaceTildeInDir(checkpointDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(filepath.Join(checkpointDir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		// Create/append file with upcoming metrics.
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open plots file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		var enc *json.Encoder
		if f != nil {
			enc = json.NewEncoder(f)
		}
		for point := range pointChan {
			if err != nil {
				continue // Drain the channel.
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
//
// See LoadPoints and LoadPointsFromCheckpoint if you want to read `rawPoints` from a file.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
// Note that if `p.Step` change, it is not re-index.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Filter only keeps those points for which `fn` returns true, removing the other ones.
func (points Points) Filter(fn func(p Point) bool) {
	for step, stepPoints := range points {
		kept := slices.DeleteFunc(slices.Clone(stepPoints), func(p Point) bool { return !fn(p) })
		if len(kept) == 0 {
			delete(points, step)
		} else {
			points[step] = kept
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points.
// The output is sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	metricNames := sets.Make[string]()
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		metricNames.Insert(p.MetricName)
		nameToType[p.MetricName] = p.MetricType
	})
	names := sets.Sorted(metricNames)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// MetricTypes returns the sorted list of metric types in the collection.
func (points Points) MetricTypes() []string {
	types := sets.Make[string]()
	points.Map(func(p *Point) { types.Insert(p.MetricType) })
	return sets.Sorted(types)
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metrics...)...)
	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+1] = fmt.Sprintf("%.4g", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
