// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gomlx/infill/internal/setup"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/infill/pipeline"
	"github.com/gomlx/infill/pkg/ml/checkpoints"
	"github.com/gomlx/infill/pkg/ml/datasets"
	"github.com/gomlx/infill/pkg/ml/models/unigram"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/gomlx/infill/pkg/ml/train/optimizers/adaptiveschedule"
	"github.com/gomlx/infill/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/infill/pkg/support/fsutil"
	"github.com/gomlx/infill/ui/commandline"
	"github.com/gomlx/infill/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VocabFileName is the name of the vocabulary file saved in the checkpoint directory, so resumed
// runs use the same vocabulary.
const VocabFileName = "vocab.txt"

// ModelComponent is the name of the model in the checkpoints.
const ModelComponent = "model"

// ErrInterrupted is returned when training is interrupted by the context.
var ErrInterrupted = errors.New("training interrupted")

type trainConfig struct {
	params        *params.Params
	paramsSet     []string // Parameters set in the command line: they take precedence over the checkpoint.
	checkpointDir string
	plots         bool
	progressBar   bool
}

// Batch is the type of the training batches.
type Batch = *collator.Batch

func trainModel(ctx context.Context, config trainConfig) error {
	p := config.params
	store, err := setup.ObjectStore(p)
	if err != nil {
		return err
	}

	// Checkpoints: loading them restores the hyperparameters, except those set in the command line.
	var checkpoint *checkpoints.Handler
	if config.checkpointDir != "" {
		checkpointConfig := checkpoints.Build(p).
			Dir(config.checkpointDir).
			Keep(params.GetParamOr(p, setup.ParamCheckpointKeep, 3)).
			ExcludeParams(config.paramsSet...)
		if mirrorPrefix := params.GetParamOr(p, setup.ParamCheckpointMirror, ""); mirrorPrefix != "" && store != nil {
			checkpointConfig.Mirror(store, mirrorPrefix)
		}
		checkpoint, err = checkpointConfig.Done()
		if err != nil {
			return err
		}
		if checkpoint.LoadedFrom() != "" {
			klog.Infof("Resuming run %s from %s (step %d)", checkpoint.RunID(), checkpoint.LoadedFrom(), checkpoint.Step())
		}
		vocabPath := filepath.Join(checkpoint.Dir(), VocabFileName)
		if exists, err := fsutil.FileExists(vocabPath); err != nil {
			return err
		} else if exists && params.GetParamOr(p, setup.ParamVocabFile, "") == "" &&
			params.GetParamOr(p, setup.ParamTokenizerRepo, "") == "" {
			// A built vocabulary is reused. Hub tokenizers are loaded again, the saved copy is for decoding.
			p.Set(setup.ParamVocabFile, vocabPath)
		}
	}

	// Data.
	records, stats, err := setup.LoadRecords(ctx, p, store)
	if err != nil {
		return err
	}
	klog.Infof("Records: %s", stats)
	tokenizer, vocab, err := setup.Tokenizer(p, records)
	if err != nil {
		return err
	}
	if checkpoint != nil {
		vocabPath := filepath.Join(checkpoint.Dir(), VocabFileName)
		if params.GetParamOr(p, setup.ParamVocabFile, "") != vocabPath {
			if err := vocab.Save(vocabPath); err != nil {
				return err
			}
		}
	}
	pipe, err := pipeline.New(records, tokenizer).FromParams(p).Done()
	if err != nil {
		return err
	}

	// Model and loop.
	model, err := unigram.New(vocab.VocabSize(), pipe.Encoder().MaskID()).FromParams(p).Done()
	if err != nil {
		return err
	}
	loop := train.NewLoop[Batch](model, params.GetParamOr(p, setup.ParamLearningRate, 2e-5))
	if err := attachSchedule(p, loop); err != nil {
		return err
	}
	if checkpoint != nil {
		if err := checkpoint.Attach(ModelComponent, model); err != nil {
			return err
		}
		if err := checkpoints.AttachToLoop(checkpoint, loop,
			params.GetParamOr(p, setup.ParamCheckpointEvery, 30_000)); err != nil {
			return err
		}
	}

	evalDS := pipe.EvalDataset()
	if evalDS != nil {
		defer stopDataset(evalDS)
		train.AttachEvaluation(loop, evalDS, params.GetParamOr(p, setup.ParamEvalEvery, 2000), true)
	}
	if config.progressBar {
		commandline.AttachProgressBar(loop, func() (string, string) {
			return "Learning rate factor", fmt.Sprintf("%.4g", loop.LearningRate/loop.BaseLearningRate)
		})
	}
	var plotter *plots.Collector
	if config.plots && checkpoint != nil {
		plotter, err = plots.Attach(loop, checkpoint.Dir())
		if err != nil {
			return err
		}
	}
	loop.OnStep("interrupt", -100, func(*train.Loop[Batch], float64) error {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return nil
	})

	// Train.
	trainDS := pipe.TrainDataset()
	defer stopDataset(trainDS)
	targetStep := params.GetParamOr(p, setup.ParamTrainSteps, 100_000)
	if loop.LoopStep >= targetStep {
		klog.Infof("Already trained for %d steps, target is %d", loop.LoopStep, targetStep)
	}
	_, err = loop.RunToStep(datasets.Loop(trainDS), targetStep)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			klog.Warningf("Interrupted at step %d", loop.LoopStep)
			if saveErr := checkpoint.Save(loop.LoopStep + 1); saveErr != nil {
				klog.Errorf("Failed to save checkpoint after interruption: %+v", saveErr)
			}
			if plotter != nil {
				if plotErr := plotter.Done(); plotErr != nil {
					klog.Errorf("Failed to save plots: %+v", plotErr)
				}
			}
		}
		return err
	}
	if evalDS != nil {
		return commandline.ReportEval[Batch](model, evalDS)
	}
	return nil
}

// attachSchedule creates the learning rate schedule configured in p and attaches it to the loop.
func attachSchedule(p *params.Params, loop *train.Loop[Batch]) error {
	switch name := params.GetParamOr(p, setup.ParamSchedule, setup.ScheduleAdaptive); name {
	case setup.ScheduleAdaptive:
		ctrl, err := adaptiveschedule.New().FromParams(p).Done()
		if err != nil {
			return err
		}
		adaptiveschedule.Attach(ctrl, loop)
	case setup.ScheduleCosine:
		schedule, err := cosineschedule.New().FromParams(p).Done()
		if err != nil {
			return err
		}
		cosineschedule.Attach(schedule, loop)
	case setup.ScheduleConstant:
		loop.SetSchedule(nil)
	default:
		return errors.Errorf("unknown %s %q, valid values are %q", setup.ParamSchedule, name,
			[]string{setup.ScheduleAdaptive, setup.ScheduleCosine, setup.ScheduleConstant})
	}
	return nil
}

// stopDataset stops the background goroutines of the dataset, if it has any.
func stopDataset(ds train.Dataset[Batch]) {
	if pd, ok := ds.(*datasets.ParallelDataset[Batch]); ok {
		pd.Done()
	}
}
