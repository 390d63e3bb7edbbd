// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// infill_prepare reads the source records, reports their statistics and runs the data pipeline
// (sampling, tokenization and collation) over them, reporting the statistics of the batches.
//
// Optionally, it converts the records to a single file (parquet, CSV or JSONL, by the extension),
// uploads it to the object store, exports the synthetic examples (JSON or JSONL) and saves the
// vocabulary used.
//
// Example:
//
//	infill_prepare -set="records=~/data/train-*.parquet;tokenizer_repo=huggingface/CodeBERTa-small-v1" -max_batches=100
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/gomlx/infill/internal/setup"
	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/infill/pipeline"
	"github.com/gomlx/infill/pkg/ml/data/objectstore"
	"github.com/gomlx/infill/pkg/ml/data/sources"
	"github.com/gomlx/infill/pkg/ml/datasets"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/gomlx/infill/pkg/support/fsutil"
	"github.com/gomlx/infill/pkg/tokenizers"
	"github.com/gomlx/infill/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOutput      = flag.String("output", "", "Write all records to this file. The format is given by the extension: .parquet, .csv or .jsonl.")
	flagUpload      = flag.String("upload", "", "Upload the -output file to this key in the object store.")
	flagSaveVocab   = flag.String("save_vocab", "", "Save the vocabulary to this file.")
	flagMaxBatches  = flag.Int("max_batches", 0, "Maximum number of training batches to read for statistics. 0 reads one full epoch.")
	flagShowSamples = flag.Int("samples", 0, "Number of synthetic examples to print.")
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
	if len(paramsSet) > 0 {
		fmt.Println(commandline.SprintModifiedSettings(p, paramsSet))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, p); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func run(ctx context.Context, p *params.Params) error {
	store, err := setup.ObjectStore(p)
	if err != nil {
		return err
	}
	records, stats, err := setup.LoadRecords(ctx, p, store)
	if err != nil {
		return err
	}
	fmt.Printf("Records: %s\n", stats)

	if *flagOutput != "" {
		if err := writeRecords(ctx, store, records); err != nil {
			return err
		}
	}

	tokenizer, vocab, err := setup.Tokenizer(p, records)
	if err != nil {
		return err
	}
	fmt.Printf("Vocabulary: %d tokens\n", vocab.VocabSize())
	if *flagSaveVocab != "" {
		vocabPath := must.M1(fsutil.ReplaceTildeInDir(*flagSaveVocab))
		if err := vocab.Save(vocabPath); err != nil {
			return err
		}
		klog.Infof("Vocabulary saved to %q", vocabPath)
	}

	pipe, err := pipeline.New(records, tokenizer).FromParams(p).Done()
	if err != nil {
		return err
	}
	if *flagExamples != "" {
		examplesPath := must.M1(fsutil.ReplaceTildeInDir(*flagExamples))
		examples, err := datasets.Collect(pipe.Examples())
		if err != nil {
			return err
		}
		if err := writeExamples(examplesPath, examples); err != nil {
			return err
		}
		klog.Infof("%d synthetic examples written to %q", len(examples), examplesPath)
	}
	if *flagShowSamples > 0 {
		if err := printSamples(pipe, vocab, *flagShowSamples); err != nil {
			return err
		}
	}

	padID, maskID := pipe.Encoder().PadID(), pipe.Encoder().MaskID()
	if evalDS := pipe.EvalDataset(); evalDS != nil {
		evalStats := newBatchStats("Evaluation split", padID, maskID, vocab.UnknownID())
		err := evalStats.consume(evalDS, 0)
		stopDataset(evalDS)
		if err != nil {
			return err
		}
		fmt.Println(evalStats)
	}
	trainDS := pipe.TrainDataset()
	trainStats := newBatchStats("Training split", padID, maskID, vocab.UnknownID())
	err = trainStats.consume(trainDS, *flagMaxBatches)
	stopDataset(trainDS)
	if err != nil {
		return err
	}
	fmt.Println(trainStats)
	return nil
}

// stopDataset stops the background goroutines of the dataset, if it has any.
func stopDataset(ds train.Dataset[*collator.Batch]) {
	if pd, ok := ds.(*datasets.ParallelDataset[*collator.Batch]); ok {
		pd.Done()
	}
}

// writeRecords to *flagOutput, and uploads the file if -upload is set.
func writeRecords(ctx context.Context, store *objectstore.Store, records []infill.SourceRecord) error {
	outputPath, err := fsutil.ReplaceTildeInDir(*flagOutput)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", outputPath)
	}
	switch format := sources.FormatFromPath(outputPath); format {
	case sources.FormatParquet:
		err = sources.WriteParquet(outputPath, records)
	case sources.FormatCSV:
		err = sources.WriteCSV(outputPath, records)
	case sources.FormatJSONL:
		err = sources.WriteJSONL(outputPath, records)
	default:
		return errors.Errorf("unknown format for -output=%q", outputPath)
	}
	if err != nil {
		return err
	}
	klog.Infof("%d records written to %q", len(records), outputPath)

	if *flagUpload == "" {
		return nil
	}
	if store == nil {
		return errors.Errorf("-upload requires the object store to be configured with %s", objectstore.ParamEndpoint)
	}
	if err := store.PutFile(ctx, *flagUpload, outputPath); err != nil {
		return err
	}
	klog.Infof("Uploaded %q to %s/%s", outputPath, store, *flagUpload)
	return nil
}

// printSamples prints the first n synthetic examples of the evaluation split, and their encoding.
func printSamples(pipe *pipeline.Pipeline, vocab *tokenizers.Vocab, n int) error {
	examples, err := datasets.Collect(datasets.Take(pipe.Examples(), n))
	if err != nil {
		return err
	}
	for ii, example := range examples {
		encoded, err := pipe.Encoder().EncodeExample(example)
		if err != nil {
			return err
		}
		fmt.Printf("\nExample #%d (%s, %s):\n", ii, example.Path, example.Language)
		fmt.Printf("  prefix:     %q\n", example.Prefix)
		fmt.Printf("  completion: %q\n", example.Completion)
		fmt.Printf("  suffix:     %q\n", example.Suffix)
		fmt.Printf("  input:      %q\n", vocab.Decode(encoded.InputIDs))
		fmt.Printf("  labels:     %q\n", vocab.Decode(encoded.LabelIDs))
	}
	return nil
}
