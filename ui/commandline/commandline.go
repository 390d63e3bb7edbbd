// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: hyperparameter
// settings from flags, a progress bar with training stats and evaluation reports.
package commandline

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/infill/pkg/ml/train"
)

// ReportEval reports on the command line the results of evaluating the datasets using trainer.Eval.
// Each dataset is reset after evaluation.
func ReportEval[B any](trainer train.Trainer[B], datasets ...train.Dataset[B]) error {
	for _, ds := range datasets {
		results, err := trainer.Eval(ds)
		ds.Reset()
		if err != nil {
			return err
		}
		fmt.Printf("Results on %s:\n", ds.Name())
		for _, name := range slices.Sorted(maps.Keys(results)) {
			fmt.Printf("\t%s: %.4f\n", name, results[name])
		}
	}
	return nil
}
