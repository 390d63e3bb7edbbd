// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package setup holds what the infill binaries share: the default hyperparameters, and the
// creation of the record sources, the tokenizer and the object store from them.
package setup

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/infill/encoder"
	"github.com/gomlx/infill/pkg/infill/pipeline"
	"github.com/gomlx/infill/pkg/infill/sampler"
	"github.com/gomlx/infill/pkg/ml/data/objectstore"
	"github.com/gomlx/infill/pkg/ml/data/sources"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train/optimizers"
	"github.com/gomlx/infill/pkg/ml/train/optimizers/adaptiveschedule"
	"github.com/gomlx/infill/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/infill/pkg/support/fsutil"
	"github.com/gomlx/infill/pkg/tokenizers"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamRecords is the list of records files, directories or glob patterns. Entries prefixed
	// with "tree:" are source trees, read with sources.ReadTree.
	ParamRecords = "records"

	// ParamRecordsPrefix is the prefix in the object store of the records files. They are downloaded
	// to ParamCacheDir. Empty (the default) disables it.
	ParamRecordsPrefix = "records_prefix"

	// ParamCacheDir is the local directory where records files from the object store are downloaded.
	ParamCacheDir = "cache_dir"

	// ParamParallelism is the number of files read in parallel. 0 (the default) uses the number of cores.
	ParamParallelism = "parallelism"

	// ParamTokenizerRepo is the HuggingFace repository of the tokenizer. Its "tokenizer.json" (a fast
	// tokenizer) is used if present, otherwise its "vocab.txt".
	ParamTokenizerRepo = "tokenizer_repo"

	// ParamVocabFile is a local vocabulary file. It takes precedence over ParamTokenizerRepo.
	// If neither is set, a vocabulary is built from the records, see ParamVocabSize.
	ParamVocabFile = "vocab_file"

	// ParamVocabSize is the size of the vocabulary built from the records, when no tokenizer is given.
	ParamVocabSize = "vocab_size"

	// ParamTokenizerCache is the number of entries of the tokenizer LRU cache. 0 disables it.
	ParamTokenizerCache = "tokenizer_cache"

	// ParamLearningRate is the base learning rate.
	ParamLearningRate = "learning_rate"

	// ParamTrainSteps is the number of training steps.
	ParamTrainSteps = "train_steps"

	// ParamEvalEvery is the number of steps between evaluations. 0 disables periodic evaluation.
	ParamEvalEvery = "eval_every"

	// ParamCheckpointEvery is the number of steps between checkpoints.
	ParamCheckpointEvery = "checkpoint_every"

	// ParamCheckpointKeep is the number of checkpoints to keep. -1 keeps all.
	ParamCheckpointKeep = "checkpoint_keep"

	// ParamCheckpointMirror is the prefix in the object store where checkpoints are mirrored.
	// Empty disables mirroring.
	ParamCheckpointMirror = "checkpoint_mirror"

	// ParamSchedule selects the learning rate schedule: "adaptive" (the default), "cosine" or "constant".
	ParamSchedule = "lr_schedule"

	// EnvHFToken is the environment variable with the HuggingFace token.
	EnvHFToken = "HF_TOKEN"
)

// Learning rate schedules, values of ParamSchedule.
const (
	ScheduleAdaptive = "adaptive"
	ScheduleCosine   = "cosine"
	ScheduleConstant = "constant"
)

// treePrefix marks entries of ParamRecords that are source trees.
const treePrefix = "tree:"

// vocabSampleRecords is the number of records used to build a vocabulary.
const vocabSampleRecords = 2000

// DefaultParams returns all the hyperparameters known by the binaries, with their default values.
// Only the keys in it can be set from the command line.
func DefaultParams() *params.Params {
	return params.NewWith(map[string]any{
		// Records and tokenizer.
		ParamRecords:        []string{},
		ParamRecordsPrefix:  "",
		ParamCacheDir:       "~/.cache/infill",
		ParamParallelism:    0,
		ParamTokenizerRepo:  "",
		ParamVocabFile:      "",
		ParamVocabSize:      8000,
		ParamTokenizerCache: 100_000,

		// Object store.
		objectstore.ParamEndpoint: "",
		objectstore.ParamBucket:   objectstore.DefaultBucket,
		objectstore.ParamPrefix:   "",
		objectstore.ParamRegion:   objectstore.DefaultRegion,
		objectstore.ParamUseSSL:   true,

		// Data pipeline.
		sampler.ParamChunkSize:         sampler.DefaultChunkSize,
		sampler.ParamPrefixWindow:      sampler.DefaultPrefixWindow,
		sampler.ParamSuffixWindow:      sampler.DefaultSuffixWindow,
		sampler.ParamCompletionLengths: sampler.DefaultCompletionLengths,
		sampler.ParamSeed:              sampler.DefaultSeed,
		sampler.ParamSamplingMode:      sampler.ModeChunks,
		encoder.ParamPredictionTokens:  encoder.DefaultPredictionTokens,
		encoder.ParamLabelPolicy:       encoder.LabelsFull.String(),
		collator.ParamPadMultiple:      collator.DefaultPadMultiple,
		collator.ParamMaxLength:        pipeline.DefaultMaxLength,
		pipeline.ParamBatchSize:        pipeline.DefaultBatchSize,
		pipeline.ParamEncodeBatchSize:  pipeline.DefaultEncodeBatchSize,
		pipeline.ParamEvalExamples:     pipeline.DefaultEvalExamples,
		pipeline.ParamShuffleBuffer:    pipeline.DefaultShuffleBuffer,
		pipeline.ParamReadAhead:        pipeline.DefaultReadAhead,

		// Training.
		ParamLearningRate:               2e-5,
		ParamTrainSteps:                 100_000,
		ParamEvalEvery:                  2000,
		ParamCheckpointEvery:            30_000,
		ParamCheckpointKeep:             3,
		ParamCheckpointMirror:           "",
		ParamSchedule:                   ScheduleAdaptive,
		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamAdamWeightDecay: 0.01,
		optimizers.ParamClipStepByValue: 0.0,
		optimizers.ParamClipNaN:         false,

		// Learning rate schedules.
		adaptiveschedule.ParamDecayThreshold: adaptiveschedule.DefaultDecayThreshold,
		adaptiveschedule.ParamDecayFactor:    adaptiveschedule.DefaultDecayFactor,
		adaptiveschedule.ParamStallTimeout:   adaptiveschedule.DefaultStallTimeout,
		cosineschedule.ParamPeriodSteps:      -1,
		cosineschedule.ParamWarmUpSteps:      0,
		cosineschedule.ParamMinFactor:        0.0,
	})
}

// LoadEnv loads the ".env" file in the current directory into the environment, if there is one.
// Variables already set are not overwritten.
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Failed to load .env file: %v", err)
	}
}

// ObjectStore returns the store configured in p, or nil if no endpoint is configured.
func ObjectStore(p *params.Params) (*objectstore.Store, error) {
	config := objectstore.FromParams(p)
	if config == nil {
		return nil, nil
	}
	return config.Done()
}

// LoadRecords reads the records configured by ParamRecords and ParamRecordsPrefix.
func LoadRecords(ctx context.Context, p *params.Params, store *objectstore.Store) ([]infill.SourceRecord, sources.Stats, error) {
	var (
		records []infill.SourceRecord
		stats   sources.Stats
		files   []string
	)
	parallelism := params.GetParamOr(p, ParamParallelism, 0)
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	for _, entry := range params.GetParamOr(p, ParamRecords, []string{}) {
		root, isTree := strings.CutPrefix(entry, treePrefix)
		if !isTree {
			files = append(files, entry)
			continue
		}
		root, err := fsutil.ReplaceTildeInDir(root)
		if err != nil {
			return nil, stats, err
		}
		treeRecords, treeStats, err := sources.ReadTree(root)
		if err != nil {
			return nil, stats, err
		}
		records = append(records, treeRecords...)
		stats.Merge(treeStats)
	}

	if prefix := params.GetParamOr(p, ParamRecordsPrefix, ""); prefix != "" {
		if store == nil {
			return nil, stats, errors.Errorf("%s=%q requires the object store to be configured with %s",
				ParamRecordsPrefix, prefix, objectstore.ParamEndpoint)
		}
		cacheDir, err := fsutil.ReplaceTildeInDir(params.GetParamOr(p, ParamCacheDir, "~/.cache/infill"))
		if err != nil {
			return nil, stats, err
		}
		fetched, err := sources.FetchShards(ctx, store, prefix, cacheDir)
		if err != nil {
			return nil, stats, err
		}
		files = append(files, fetched...)
	}

	if len(files) > 0 {
		fileRecords, fileStats, err := sources.ReadFiles(files, parallelism)
		if err != nil {
			return nil, stats, err
		}
		records = append(records, fileRecords...)
		stats.Merge(fileStats)
	}
	if len(records) == 0 {
		return nil, stats, errors.Errorf("no records found: set %s and/or %s", ParamRecords, ParamRecordsPrefix)
	}
	return records, stats, nil
}

// Tokenizer creates the tokenizer configured in p: from ParamVocabFile, from ParamTokenizerRepo, or
// built from the records. It is wrapped in an LRU cache if ParamTokenizerCache > 0.
//
// The Vocab is also returned, so a built vocabulary can be saved and ids decoded.
func Tokenizer(p *params.Params, records []infill.SourceRecord) (tokenizers.Tokenizer, *tokenizers.Vocab, error) {
	specialTokens := infill.SpecialTokens()
	var (
		tokenizer tokenizers.Tokenizer
		vocab     *tokenizers.Vocab
		err       error
	)
	if vocabFile := params.GetParamOr(p, ParamVocabFile, ""); vocabFile != "" {
		vocabFile, err = fsutil.ReplaceTildeInDir(vocabFile)
		if err != nil {
			return nil, nil, err
		}
		vocab, err = tokenizers.LoadVocab(vocabFile, specialTokens...)
	} else if repo := params.GetParamOr(p, ParamTokenizerRepo, ""); repo != "" {
		var hfTokenizer *tokenizers.HFTokenizer
		hfTokenizer, err = tokenizers.FromHubTokenizer(repo, os.Getenv(EnvHFToken), specialTokens...)
		if err == nil {
			tokenizer, vocab = hfTokenizer, hfTokenizer.Vocab()
		} else {
			klog.Warningf("No fast tokenizer (%s) for %q, using %s: %v", tokenizers.TokenizerConfigFile, repo,
				tokenizers.DefaultVocabFile, err)
			vocab, err = tokenizers.FromHub(repo, os.Getenv(EnvHFToken), "", specialTokens...)
		}
	} else {
		sample := records[:min(len(records), vocabSampleRecords)]
		texts := make([]string, len(sample))
		for ii, record := range sample {
			texts[ii] = record.Code
		}
		klog.Infof("Building vocabulary from %d records", len(texts))
		vocab, err = tokenizers.BuildVocab(texts, params.GetParamOr(p, ParamVocabSize, 8000), 8, specialTokens...)
	}
	if err != nil {
		return nil, nil, err
	}

	if tokenizer == nil {
		tokenizer = vocab
	}
	if cacheSize := params.GetParamOr(p, ParamTokenizerCache, 0); cacheSize > 0 {
		tokenizer, err = tokenizers.Cached(tokenizer, cacheSize)
		if err != nil {
			return nil, nil, err
		}
	}
	return tokenizer, vocab, nil
}
