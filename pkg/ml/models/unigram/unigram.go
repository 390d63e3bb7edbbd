// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package unigram implements a baseline infilling model: for each language it learns a distribution
// over the vocabulary for the tokens at masked positions, ignoring the context.
//
// It implements train.Trainer for collated batches, so the whole training pipeline (datasets,
// learning rate schedule, evaluation, checkpoints) can run end to end without an external model.
// Any real model must beat its evaluation loss.
package unigram

import (
	"encoding/json"
	"io"
	"math"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/infill/collator"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/gomlx/infill/pkg/ml/train/metrics"
	"github.com/gomlx/infill/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Metric names returned by Model.Eval, besides train.EvalLossKey.
const (
	AccuracyKey   = "accuracy"
	MaskTokensKey = "mask_tokens"
)

// Config of the Model, created with New.
type Config struct {
	vocabSize, maskID int
	numLanguages      int
	optimizer         optimizers.Interface
	params            *params.Params
}

// New creates the configuration of a Model for the given vocabulary size and mask token id.
// Call Config.Done when finished configuring.
func New(vocabSize, maskID int) *Config {
	return &Config{
		vocabSize:    vocabSize,
		maskID:       maskID,
		numLanguages: len(infill.Languages),
	}
}

// FromParams configures the optimizer from the hyperparameters, see optimizers.FromParams.
func (c *Config) FromParams(p *params.Params) *Config {
	c.params = p
	return c
}

// Optimizer sets the optimizer. The default is the one configured by the hyperparameters.
func (c *Config) Optimizer(opt optimizers.Interface) *Config {
	c.optimizer = opt
	return c
}

// Done validates the configuration and creates the Model, with a uniform distribution.
func (c *Config) Done() (*Model, error) {
	if c.vocabSize <= 0 {
		return nil, errors.Errorf("unigram: invalid vocabulary size %d", c.vocabSize)
	}
	if c.maskID < 0 || c.maskID >= c.vocabSize {
		return nil, errors.Errorf("unigram: mask id %d out of vocabulary (size %d)", c.maskID, c.vocabSize)
	}
	if c.optimizer == nil {
		opt, err := optimizers.FromParams(c.params)
		if err != nil {
			return nil, err
		}
		c.optimizer = opt
	}
	size := c.numLanguages * c.vocabSize
	return &Model{
		config:   *c,
		logits:   make([]float64, size),
		grads:    make([]float64, size),
		logProbs: make([]float64, c.vocabSize),
	}, nil
}

// Model holds the logits of the token distribution per language. It is not safe for concurrent use.
type Model struct {
	config   Config
	logits   []float64 // [numLanguages, vocabSize]
	grads    []float64
	logProbs []float64 // scratch
}

var _ train.Trainer[*collator.Batch] = (*Model)(nil)

// masked calls fn for every masked position of the batch with a label.
func (m *Model) masked(batch *collator.Batch, fn func(lang, label int)) error {
	for row, inputs := range batch.InputIDs {
		labels := batch.Labels[row]
		for pos, id := range inputs {
			if int(id) != m.config.maskID || labels[pos] == collator.IgnoreLabel {
				continue
			}
			lang, label := int(batch.TokenTypeIDs[row][pos]), int(labels[pos])
			if lang < 0 || lang >= m.config.numLanguages {
				return errors.Errorf("unigram: example #%d has token type %d, not a valid language id", row, lang)
			}
			if label < 0 || label >= m.config.vocabSize {
				return errors.Errorf("unigram: example #%d has label %d out of vocabulary (size %d)", row, label, m.config.vocabSize)
			}
			fn(lang, label)
		}
	}
	return nil
}

// languageLogits returns the slice of logits (or grads) of the language.
func (m *Model) languageLogits(values []float64, lang int) []float64 {
	return values[lang*m.config.vocabSize : (lang+1)*m.config.vocabSize]
}

// logSoftmax stores the log-probabilities of logits into out.
func logSoftmax(logits, out []float64) {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = max(maxLogit, l)
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(l - maxLogit)
	}
	logSum := maxLogit + math.Log(sum)
	for ii, l := range logits {
		out[ii] = l - logSum
	}
}

// TrainStep implements train.Trainer: one optimizer step minimizing the mean cross-entropy of the
// labels at the masked positions. Batches without masked labels are a no-op with loss 0.
func (m *Model) TrainStep(batch *collator.Batch, learningRate float64) (float64, error) {
	vocabSize := m.config.vocabSize
	clear(m.grads)
	perLanguage := make([]int, m.config.numLanguages)
	total := 0
	// Gradients start as minus the label counts.
	err := m.masked(batch, func(lang, label int) {
		m.grads[lang*vocabSize+label]--
		perLanguage[lang]++
		total++
	})
	if err != nil || total == 0 {
		return 0, err
	}

	var loss float64
	for lang, n := range perLanguage {
		if n == 0 {
			continue
		}
		grads := m.languageLogits(m.grads, lang)
		logSoftmax(m.languageLogits(m.logits, lang), m.logProbs)
		for id := range vocabSize {
			loss += grads[id] * m.logProbs[id]
			grads[id] += float64(n) * math.Exp(m.logProbs[id])
		}
	}
	for ii := range m.grads {
		m.grads[ii] /= float64(total)
	}
	m.config.optimizer.Update(m.logits, m.grads, learningRate)
	return loss / float64(total), nil
}

// Eval implements train.Trainer: it returns the mean cross-entropy (train.EvalLossKey) and the
// accuracy of the most likely token over the masked positions of the whole dataset.
func (m *Model) Eval(ds train.Dataset[*collator.Batch]) (train.Metrics, error) {
	logProbs := make([][]float64, m.config.numLanguages)
	best := make([]int, m.config.numLanguages)
	for lang := range logProbs {
		logProbs[lang] = make([]float64, m.config.vocabSize)
		logSoftmax(m.languageLogits(m.logits, lang), logProbs[lang])
		for id, lp := range logProbs[lang] {
			if lp > logProbs[lang][best[lang]] {
				best[lang] = id
			}
		}
	}

	loss := metrics.NewMean("Eval Loss", train.EvalLossKey)
	accuracy := metrics.NewMean("Accuracy", AccuracyKey)
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "unigram: evaluating on %q", ds.Name())
		}
		err = m.masked(batch, func(lang, label int) {
			loss.Update(-logProbs[lang][label])
			if best[lang] == label {
				accuracy.Update(1)
			} else {
				accuracy.Update(0)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if loss.Count() == 0 {
		return nil, errors.Errorf("unigram: no masked tokens found in %q", ds.Name())
	}
	return train.Metrics{
		train.EvalLossKey: loss.Value(),
		AccuracyKey:       accuracy.Value(),
		MaskTokensKey:     float64(loss.Count()),
	}, nil
}

// Probability returns the probability of the token at a masked position of the given language.
func (m *Model) Probability(lang infill.Language, tokenID int) (float64, error) {
	langID, err := lang.ID()
	if err != nil {
		return 0, err
	}
	if tokenID < 0 || tokenID >= m.config.vocabSize {
		return 0, errors.Errorf("unigram: token id %d out of vocabulary (size %d)", tokenID, m.config.vocabSize)
	}
	logSoftmax(m.languageLogits(m.logits, langID), m.logProbs)
	return math.Exp(m.logProbs[tokenID]), nil
}

type serializedModel struct {
	VocabSize int       `json:"vocab_size"`
	Logits    []float64 `json:"logits"`
}

// MarshalJSON implements json.Marshaler, to save the model in checkpoints.
func (m *Model) MarshalJSON() ([]byte, error) {
	return json.Marshal(serializedModel{VocabSize: m.config.vocabSize, Logits: m.logits})
}

// UnmarshalJSON implements json.Unmarshaler, to restore the model from checkpoints.
// The optimizer state is reset.
func (m *Model) UnmarshalJSON(data []byte) error {
	var s serializedModel
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "unigram: failed to parse model")
	}
	if s.VocabSize != m.config.vocabSize || len(s.Logits) != len(m.logits) {
		return errors.Errorf("unigram: saved model has vocabulary size %d (%d logits), model has %d",
			s.VocabSize, len(s.Logits), m.config.vocabSize)
	}
	copy(m.logits, s.Logits)
	m.config.optimizer.Clear()
	return nil
}
