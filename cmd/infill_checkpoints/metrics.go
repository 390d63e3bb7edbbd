// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/infill/pkg/support/sets"
	"github.com/gomlx/infill/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q", plots.TrainingPlotFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false,
		fmt.Sprintf("Lists the metrics labels (short names) with their full name from file %q", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separated list of metric types to include in metrics reports.")
	flagPlot         = flag.String("plot", "", "Directory where to save one PNG plot per metric type. "+
		"With more than one checkpoint, the metrics of all of them are plotted together.")
)

// metricsFilter selects the points to report, from -metrics_names and -metrics_types.
type metricsFilter struct {
	names *regexp.Regexp
	types sets.Set[string]
}

func newMetricsFilter(names, types string) (*metricsFilter, error) {
	f := &metricsFilter{}
	if names != "" {
		var err error
		f.names, err = regexp.Compile(names)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile -metrics_names=%q", names)
		}
	}
	if types != "" {
		f.types = sets.MakeWith(strings.Split(types, ",")...)
	}
	return f, nil
}

// Keep returns whether the point passes the filter. With no filter configured, all points pass.
func (f *metricsFilter) Keep(pt plots.Point) bool {
	if f.names == nil && f.types == nil {
		return true
	}
	if f.names != nil && (f.names.MatchString(pt.MetricName) || f.names.MatchString(pt.Short)) {
		return true
	}
	return f.types != nil && f.types.Has(pt.MetricType)
}

// loadPoints loads and filters the plot points of the checkpoint. A checkpoint without plot points
// returns nil.
func loadPoints(ckpt *checkpoint, filter *metricsFilter) (plots.Points, error) {
	rawPoints, err := plots.LoadPointsFromCheckpoint(ckpt.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			klog.Warningf("%s: no metrics file %q", ckpt.name, plots.TrainingPlotFileName)
			return nil, nil
		}
		return nil, err
	}
	points := plots.NewPoints(rawPoints)
	points.Filter(filter.Keep)
	return points, nil
}

// Metrics reports the metrics collected during training, and renders the plots, as configured by
// the flags.
func Metrics(w io.Writer, ckpts []*checkpoint) error {
	filter, err := newMetricsFilter(*flagMetricsNames, *flagMetricsTypes)
	if err != nil {
		return err
	}
	perCheckpoint := make([]plots.Points, len(ckpts))
	for ii, ckpt := range ckpts {
		perCheckpoint[ii], err = loadPoints(ckpt, filter)
		if err != nil {
			return err
		}
	}

	if *flagMetricsLabels || *flagAll {
		MetricsLabels(w, perCheckpoint)
	}
	if *flagMetrics || *flagAll {
		for ii, points := range perCheckpoint {
			if len(points) == 0 {
				continue
			}
			_, _ = fmt.Fprintln(w, titleStyle.Render("Metrics: "+ckpts[ii].name))
			_, _ = fmt.Fprintln(w, points.TableForMetrics())
		}
	}
	if *flagPlot != "" {
		files, err := Plot(*flagPlot, ckpts, perCheckpoint)
		if err != nil {
			return err
		}
		for _, file := range files {
			_, _ = fmt.Fprintf(w, "Saved %s\n", file)
		}
	}
	return nil
}

// MetricsLabels lists the short names of the metrics with their full names.
func MetricsLabels(w io.Writer, perCheckpoint []plots.Points) {
	shortToName := make(map[string]string)
	for _, points := range perCheckpoint {
		points.Map(func(pt *plots.Point) { shortToName[pt.Short] = pt.MetricName })
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render("Metrics Labels"))
	t := newTable(lipgloss.Center, lipgloss.Left)
	t.Headers("Short", "Metric Name")
	shorts := sets.Make[string](len(shortToName))
	for short := range shortToName {
		shorts.Insert(short)
	}
	for _, short := range sets.Sorted(shorts) {
		t.AddRow(false, short, shortToName[short])
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

// Plot saves one PNG per metric type into dir, and returns the files created. With more than one
// checkpoint, metric names are prefixed by the checkpoint name.
func Plot(dir string, ckpts []*checkpoint, perCheckpoint []plots.Points) ([]string, error) {
	var all []plots.Point
	for ii, points := range perCheckpoint {
		for _, pt := range points.Extract() {
			if len(ckpts) > 1 {
				pt.MetricName = ckpts[ii].name + "/" + pt.MetricName
			}
			all = append(all, pt)
		}
	}
	if len(all) == 0 {
		return nil, errors.New("no metrics to plot")
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, errors.Wrapf(err, "failed to create plots directory %q", dir)
	}
	return plots.SaveAllPNGs(plots.NewPoints(all), dir)
}
