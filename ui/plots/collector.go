// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CollectorName is the name of the hooks registered by Attach.
const CollectorName = "infill.ui.plots.collector"

// Collector gathers plot points at every evaluation of a training loop.
//
// For each evaluation it records the evaluation metrics, the training loss (the loop's first
// training metric) and the learning rate factor (learning rate over base learning rate).
type Collector struct {
	dir    string
	points []Point

	writer    chan<- Point
	errReport <-chan error
}

// Attach creates a Collector and attaches it to the loop.
//
// If dir is not empty, points are appended to [TrainingPlotFileName] in dir (so a training
// restarted from a checkpoint continues the same plots), and at the end of the loop the plots
// are rendered as PNG files in dir.
func Attach[B any](loop *train.Loop[B], dir string) (*Collector, error) {
	c := &Collector{dir: dir}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create plots directory %q", dir)
		}
		filePath := filepath.Join(dir, TrainingPlotFileName)
		if _, err := os.Stat(filePath); err == nil {
			previous, err := LoadPoints(filePath)
			if err != nil {
				return nil, err
			}
			c.points = previous
		}
		c.writer, c.errReport = CreatePointsWriter(filePath)
	}
	loop.OnEval(CollectorName, 0, func(loop *train.Loop[B], dsName string, results train.Metrics) error {
		var trainLoss float64
		if len(loop.TrainMetrics) > 0 {
			trainLoss = loop.TrainMetrics[0].Value()
		}
		factor := 1.0
		if loop.BaseLearningRate != 0 {
			factor = loop.LearningRate / loop.BaseLearningRate
		}
		c.collect(float64(loop.LoopStep), dsName, results, trainLoss, factor)
		return nil
	})
	loop.OnEnd(CollectorName, 50, func(loop *train.Loop[B], _ float64) error {
		return c.Done()
	})
	return c, nil
}

// metricType guesses the type of metric from its name.
func metricType(name string) string {
	switch {
	case strings.HasSuffix(name, "loss"):
		return TypeLoss
	case strings.HasSuffix(name, "accuracy"):
		return TypeAccuracy
	default:
		return TypeOther
	}
}

func (c *Collector) collect(step float64, dsName string, results train.Metrics, trainLoss, lrFactor float64) {
	for _, name := range slices.Sorted(maps.Keys(results)) {
		value := results[name]
		c.add(Point{
			MetricName: dsName + "/" + name,
			Short:      name,
			MetricType: metricType(name),
			Step:       step,
			Value:      value,
		})
	}
	c.add(Point{MetricName: "train/loss", Short: "loss", MetricType: TypeLoss, Step: step, Value: trainLoss})
	c.add(Point{MetricName: "learning_rate_factor", Short: "lr", MetricType: TypeLearningRate, Step: step, Value: lrFactor})
}

// Points collected so far, including those loaded from a previous run.
func (c *Collector) Points() Points {
	return NewPoints(c.points)
}

// add a point. Non-finite values are dropped: they can't be encoded in Json.
func (c *Collector) add(pt Point) {
	if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) {
		return
	}
	c.points = append(c.points, pt)
	if c.writer != nil {
		c.writer <- pt
	}
}

// Done flushes the points file and renders the plots. It is called at the end of the loop.
// Points collected after Done are kept in memory only.
func (c *Collector) Done() error {
	if c.writer != nil {
		close(c.writer)
		c.writer = nil
		if err := <-c.errReport; err != nil {
			return err
		}
	}
	if c.dir == "" || len(c.points) == 0 {
		return nil
	}
	files, err := SaveAllPNGs(c.Points(), c.dir)
	if err != nil {
		return err
	}
	klog.V(1).Infof("Plots saved to %v", files)
	return nil
}
