// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline builds the lazy datasets of collated batches used for training and evaluation
// from a list of source records.
//
// Each dataset is a chain of:
//
//	records -> Shuffle (once) -> sampler (FlatMap) -> ShuffleOnce -> Take/Skip split -> [Shuffle per epoch] ->
//	  Batch(encode_batch_size) -> Encoder (parallel) -> flatten -> Batch(batch_size) -> Collator -> [ReadAhead]
//
// The records are fully shuffled once, seeded with the sampler seed (42 by default), so the
// evaluation split draws from records all over the input and not only its first files.
//
// The first EvalExamples synthetic examples of the shuffled stream are the evaluation split, and
// the remaining ones the training split. The split order is the same on every epoch, so the
// two splits never share examples; the training split is reshuffled on every epoch.
package pipeline

import (
	"fmt"
	"io"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/infill/encoder"
	"github.com/gomlx/infill/pkg/infill/sampler"
	"github.com/gomlx/infill/pkg/ml/datasets"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/gomlx/infill/pkg/tokenizers"
	"github.com/pkg/errors"
)

var (
	// ParamBatchSize is the number of examples per collated batch. Default is 64.
	ParamBatchSize = "batch_size"

	// ParamEncodeBatchSize is the number of examples encoded at a time, in parallel. Default is 256.
	ParamEncodeBatchSize = "encode_batch_size"

	// ParamEvalExamples is the number of synthetic examples held out for evaluation. Default is 2000.
	ParamEvalExamples = "eval_examples"

	// ParamShuffleBuffer is the size of the buffers used to shuffle examples. Default is 10000.
	ParamShuffleBuffer = "shuffle_buffer"

	// ParamReadAhead is the number of batches prepared in the background. 0 disables it. Default is 4.
	ParamReadAhead = "read_ahead"
)

const (
	DefaultBatchSize       = 64
	DefaultEncodeBatchSize = 256
	DefaultEvalExamples    = 2000
	DefaultShuffleBuffer   = 10_000
	DefaultReadAhead       = 4

	// DefaultMaxLength is the maximum number of positions of the model: batches are truncated to it.
	DefaultMaxLength = 2048
)

// Config of a Pipeline, created with New.
type Config struct {
	records   []infill.SourceRecord
	tokenizer tokenizers.Tokenizer
	params    *params.Params

	batchSize, encodeBatchSize int
	evalExamples               int
	shuffleBuffer              int
	readAhead                  int
}

// New creates the configuration of a Pipeline over the given records and tokenizer.
func New(records []infill.SourceRecord, tokenizer tokenizers.Tokenizer) *Config {
	return &Config{
		records:         records,
		tokenizer:       tokenizer,
		batchSize:       DefaultBatchSize,
		encodeBatchSize: DefaultEncodeBatchSize,
		evalExamples:    DefaultEvalExamples,
		shuffleBuffer:   DefaultShuffleBuffer,
		readAhead:       DefaultReadAhead,
	}
}

// FromParams configures the pipeline and its components (sampler, encoder and collator) from the
// hyperparameters.
func (c *Config) FromParams(p *params.Params) *Config {
	c.params = p
	c.batchSize = params.GetParamOr(p, ParamBatchSize, c.batchSize)
	c.encodeBatchSize = params.GetParamOr(p, ParamEncodeBatchSize, c.encodeBatchSize)
	c.evalExamples = params.GetParamOr(p, ParamEvalExamples, c.evalExamples)
	c.shuffleBuffer = params.GetParamOr(p, ParamShuffleBuffer, c.shuffleBuffer)
	c.readAhead = params.GetParamOr(p, ParamReadAhead, c.readAhead)
	return c
}

// BatchSize sets the number of examples per collated batch.
func (c *Config) BatchSize(n int) *Config {
	c.batchSize = n
	return c
}

// EvalExamples sets the number of examples held out for evaluation. 0 means no evaluation split.
func (c *Config) EvalExamples(n int) *Config {
	c.evalExamples = n
	return c
}

// ShuffleBuffer sets the size of the shuffle buffers.
func (c *Config) ShuffleBuffer(n int) *Config {
	c.shuffleBuffer = n
	return c
}

// ReadAhead sets the number of batches prepared in the background. 0 disables it.
func (c *Config) ReadAhead(n int) *Config {
	c.readAhead = n
	return c
}

// Done validates the configuration and its components, and creates the Pipeline.
func (c *Config) Done() (*Pipeline, error) {
	if len(c.records) == 0 {
		return nil, errors.New("pipeline: no source records")
	}
	if c.batchSize <= 0 || c.encodeBatchSize <= 0 || c.shuffleBuffer <= 0 {
		return nil, errors.Errorf("pipeline: %s, %s and %s must be > 0, got %d, %d and %d",
			ParamBatchSize, ParamEncodeBatchSize, ParamShuffleBuffer, c.batchSize, c.encodeBatchSize, c.shuffleBuffer)
	}
	if c.evalExamples < 0 || c.readAhead < 0 {
		return nil, errors.Errorf("pipeline: %s and %s must be >= 0, got %d and %d",
			ParamEvalExamples, ParamReadAhead, c.evalExamples, c.readAhead)
	}
	samplerConfig := sampler.New().FromParams(c.params)
	s, err := samplerConfig.Done()
	if err != nil {
		return nil, err
	}
	enc, err := encoder.New(c.tokenizer).FromParams(c.params).Done()
	if err != nil {
		return nil, err
	}
	records, err := datasets.Collect(datasets.ShuffleOnce(
		datasets.FromSlice("records", c.records), len(c.records), s.Seed()))
	if err != nil {
		return nil, err
	}
	collatorParams := params.NewWith(map[string]any{collator.ParamMaxLength: DefaultMaxLength})
	if c.params != nil {
		c.params.Enumerate(func(key string, value any) { collatorParams.Set(key, value) })
	}
	coll, err := collator.New(enc.PadID()).FromParams(collatorParams).Done()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		config:        *c,
		records:       records,
		samplerConfig: samplerConfig,
		seed:          s.Seed(),
		encoder:       enc,
		collator:      coll,
	}, nil
}

// Pipeline creates the training and evaluation datasets. Each call creates an independent chain
// of datasets, with its own state.
type Pipeline struct {
	config        Config
	records       []infill.SourceRecord
	samplerConfig *sampler.Config
	seed          uint64
	encoder       *encoder.Encoder
	collator      *collator.Collator
}

// Records returns the source records in the order they are sampled: shuffled with the seed.
func (p *Pipeline) Records() []infill.SourceRecord { return p.records }

// Encoder used by the pipeline.
func (p *Pipeline) Encoder() *encoder.Encoder { return p.encoder }

// Collator used by the pipeline.
func (p *Pipeline) Collator() *collator.Collator { return p.collator }

// BatchSize of the collated batches.
func (p *Pipeline) BatchSize() int { return p.config.batchSize }

// Examples returns the shuffled stream of synthetic examples of all records, before the split.
// The order is the same on every epoch.
func (p *Pipeline) Examples() train.Dataset[infill.SyntheticExample] {
	s, err := p.samplerConfig.Done()
	if err != nil {
		// Validated in Config.Done.
		panic(err)
	}
	sampled := &samplingDataset{records: p.records, sampler: s, seed: p.seed}
	return datasets.ShuffleOnce[infill.SyntheticExample](sampled, p.config.shuffleBuffer, p.seed)
}

// EvalExamples returns the synthetic examples of the evaluation split.
func (p *Pipeline) EvalExamples() train.Dataset[infill.SyntheticExample] {
	return datasets.Take(p.Examples(), p.config.evalExamples)
}

// TrainExamples returns the synthetic examples of the training split, reshuffled on every epoch.
func (p *Pipeline) TrainExamples() train.Dataset[infill.SyntheticExample] {
	ds := datasets.Skip(p.Examples(), p.config.evalExamples)
	return datasets.Shuffle(ds, p.config.shuffleBuffer, p.seed+1)
}

// Encoded converts a stream of synthetic examples into a stream of encoded examples, encoding
// EncodeBatchSize examples at a time in parallel.
func (p *Pipeline) Encoded(examples train.Dataset[infill.SyntheticExample]) train.Dataset[infill.EncodedExample] {
	batches := datasets.Batch(examples, p.config.encodeBatchSize, false)
	encoded := datasets.Map(batches, p.encoder.EncodeParallel)
	return datasets.FlatMap(encoded, func(batch []infill.EncodedExample) ([]infill.EncodedExample, error) {
		return batch, nil
	})
}

// Collated batches the encoded examples and pads them with the collator.
func (p *Pipeline) Collated(encoded train.Dataset[infill.EncodedExample]) train.Dataset[*collator.Batch] {
	return datasets.Map(datasets.Batch(encoded, p.config.batchSize, false), p.collator.Collate)
}

// TrainDataset returns the collated batches of the training split. Batches are prepared in the
// background if ReadAhead > 0: call Done on the returned dataset (if it is a *datasets.ParallelDataset)
// to stop it early.
func (p *Pipeline) TrainDataset() train.Dataset[*collator.Batch] {
	return p.readAhead(p.Collated(p.Encoded(p.TrainExamples())), "train")
}

// EvalDataset returns the collated batches of the evaluation split, or nil if EvalExamples is 0.
func (p *Pipeline) EvalDataset() train.Dataset[*collator.Batch] {
	if p.config.evalExamples == 0 {
		return nil
	}
	return p.readAhead(p.Collated(p.Encoded(p.EvalExamples())), "eval")
}

func (p *Pipeline) readAhead(ds train.Dataset[*collator.Batch], name string) train.Dataset[*collator.Batch] {
	if p.config.readAhead == 0 {
		return &namedDataset[*collator.Batch]{Dataset: ds, name: name}
	}
	return datasets.ReadAhead(ds, p.config.readAhead).WithName(name)
}

// samplingDataset yields the synthetic examples of each record in order. Reset reseeds the sampler,
// so every epoch yields the same examples.
type samplingDataset struct {
	records []infill.SourceRecord
	sampler *sampler.Sampler
	seed    uint64
	next    int
	pending []infill.SyntheticExample
}

// Name implements train.Dataset.
func (ds *samplingDataset) Name() string {
	return fmt.Sprintf("sampled(%d records)", len(ds.records))
}

// Reset implements train.Dataset.
func (ds *samplingDataset) Reset() {
	ds.next = 0
	ds.pending = nil
	ds.sampler.Reseed(ds.seed)
}

// Yield implements train.Dataset.
func (ds *samplingDataset) Yield() (infill.SyntheticExample, error) {
	for len(ds.pending) == 0 {
		if ds.next >= len(ds.records) {
			return infill.SyntheticExample{}, io.EOF
		}
		ds.pending = ds.sampler.SampleRecord(ds.records[ds.next])
		ds.next++
	}
	example := ds.pending[0]
	ds.pending = ds.pending[1:]
	return example, nil
}

// namedDataset overrides the name of a dataset.
type namedDataset[T any] struct {
	train.Dataset[T]
	name string
}

// Name implements train.Dataset.
func (ds *namedDataset[T]) Name() string { return ds.name }
