// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// infill_train trains the unigram infilling baseline over the synthetic examples generated from
// the source records, with the adaptive learning rate controller, periodic evaluation and
// checkpoints.
//
// If -checkpoint is given and it has previous checkpoints, training resumes from the latest one,
// including the state of the learning rate controller.
//
// Example:
//
//	infill_train -checkpoint=~/work/infill -set="records=~/data/train-*.parquet;train_steps=200_000"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/infill/internal/setup"
	"github.com/gomlx/infill/ui/commandline"
	"k8s.io/klog/v2"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. "+
		"If left empty, no checkpoints are created.")
	flagPlots = flag.Bool("plots", true, "Save training plots (PNG) in the checkpoint directory.")
)

func main() {
	klog.InitFlags(nil)
	setup.LoadEnv()
	p := setup.DefaultParams()
	settings := commandline.CreateSettingsFlag(p, "")
	flag.Parse()
	paramsSet, err := commandline.ParseSettings(p, *settings)
	if err != nil {
		klog.Fatalf("Failed to parse -set: %+v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	config := trainConfig{
		params:        p,
		paramsSet:     paramsSet,
		checkpointDir: *flagCheckpoint,
		plots:         *flagPlots,
		progressBar:   true,
	}
	if err := trainModel(ctx, config); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
	fmt.Println("Training finished.")
}
