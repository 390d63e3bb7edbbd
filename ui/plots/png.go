// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotWidth and PlotHeight of the images rendered by SavePNG.
var (
	PlotWidth  = 12 * vg.Inch
	PlotHeight = 6 * vg.Inch
)

// SavePNG renders one line per metric of the given metricType, with steps in the X axis, and
// saves it to filePath. Non-finite values are skipped.
//
// It returns an error if there are no points of the given type.
func SavePNG(points Points, metricType, filePath string) error {
	byMetric := make(map[string]plotter.XYs)
	var names []string
	points.Map(func(pt *Point) {
		if pt.MetricType != metricType || math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) {
			return
		}
		if _, found := byMetric[pt.MetricName]; !found {
			names = append(names, pt.MetricName)
		}
		byMetric[pt.MetricName] = append(byMetric[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
	})
	if len(names) == 0 {
		return errors.Errorf("no points of type %q to plot", metricType)
	}

	p := plot.New()
	p.Title.Text = metricType
	p.X.Label.Text = "step"
	p.Y.Label.Text = metricType
	p.Add(plotter.NewGrid())
	for ii, name := range names {
		line, err := plotter.NewLine(byMetric[name])
		if err != nil {
			return errors.Wrapf(err, "failed to plot metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := p.Save(PlotWidth, PlotHeight, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}

// SaveAllPNGs renders one image per metric type into dir, named "<metric_type>.png".
// It returns the paths of the files created.
func SaveAllPNGs(points Points, dir string) ([]string, error) {
	var files []string
	for _, metricType := range points.MetricTypes() {
		filePath := filepath.Join(dir, metricType+".png")
		if err := SavePNG(points, metricType, filePath); err != nil {
			return files, err
		}
		files = append(files, filePath)
	}
	return files, nil
}
