// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// infill_checkpoints reports on the contents of one or more checkpoint directories created by
// infill_train: run ids, steps, hyperparameters, the saved components and the metrics collected
// for plotting.
//
// When more than one directory is given, the reports are side by side, and hyperparameters that
// differ are highlighted.
//
// Example:
//
//	infill_checkpoints -summary -params -metrics ~/work/infill_a ~/work/infill_b
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/infill/pkg/ml/checkpoints"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary    = flag.Bool("summary", true, "Display a summary of each checkpoint: run id, step, schedule and model size.")
	flagParams     = flag.Bool("params", false, "Lists the hyperparameters saved with the checkpoints.")
	flagComponents = flag.Bool("components", false, "Lists the components saved with the checkpoints and their sizes.")
	flagAll        = flag.Bool("all", false, "Enable all reports, except -plot.")
)

// checkpoint loaded for reporting.
type checkpoint struct {
	name    string
	path    string
	handler *checkpoints.Handler
	params  *params.Params
}

// loadCheckpoints loads the latest checkpoint of each directory. Hyperparameters are loaded into a
// fresh params.Params per directory.
func loadCheckpoints(paths []string) ([]*checkpoint, error) {
	names := MinimalUniquePaths(paths...)
	loaded := make([]*checkpoint, 0, len(paths))
	for ii, path := range paths {
		p := params.New()
		h, err := checkpoints.Load(p).Dir(path).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", path)
		}
		loaded = append(loaded, &checkpoint{name: names[ii], path: h.Dir(), handler: h, params: p})
	}
	return loaded, nil
}

func report(w io.Writer, ckpts []*checkpoint) error {
	if *flagSummary || *flagAll {
		if err := Summary(w, ckpts); err != nil {
			return err
		}
	}
	if *flagParams || *flagAll {
		Params(w, ckpts)
	}
	if *flagComponents || *flagAll {
		Components(w, ckpts)
	}
	if *flagMetrics || *flagMetricsLabels || *flagPlot != "" || *flagAll {
		if err := Metrics(w, ckpts); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <checkpoint_dir> [<checkpoint_dir>...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'infill_checkpoints -help'")
		os.Exit(1)
	}
	ckpts, err := loadCheckpoints(flag.Args())
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	if err := report(os.Stdout, ckpts); err != nil {
		klog.Fatalf("%+v", err)
	}
}
