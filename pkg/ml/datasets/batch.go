// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infill/pkg/ml/train"
)

// batchDataset groups consecutive elements of the underlying dataset into slices.
type batchDataset[T any] struct {
	ds             train.Dataset[T]
	batchSize      int
	dropIncomplete bool
	eof            bool
}

// Batch returns a dataset that groups batchSize consecutive elements of ds into one slice.
//
// If dropIncomplete is set, a last batch with fewer than batchSize elements is discarded. Otherwise it
// is yielded as is.
//
// It panics if batchSize <= 0.
func Batch[T any](ds train.Dataset[T], batchSize int, dropIncomplete bool) train.Dataset[[]T] {
	if batchSize <= 0 {
		exceptions.Panicf("datasets.Batch(%q, batchSize=%d): batchSize must be > 0", ds.Name(), batchSize)
	}
	return &batchDataset[T]{ds: ds, batchSize: batchSize, dropIncomplete: dropIncomplete}
}

// Name implements train.Dataset.
func (ds *batchDataset[T]) Name() string {
	return fmt.Sprintf("%s [Batch %d]", ds.ds.Name(), ds.batchSize)
}

// Reset implements train.Dataset.
func (ds *batchDataset[T]) Reset() {
	ds.ds.Reset()
	ds.eof = false
}

// Yield implements train.Dataset.
func (ds *batchDataset[T]) Yield() (batch []T, err error) {
	if ds.eof {
		return nil, io.EOF
	}
	batch = make([]T, 0, ds.batchSize)
	for len(batch) < ds.batchSize {
		var item T
		item, err = ds.ds.Yield()
		if err == io.EOF {
			ds.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, item)
	}
	if len(batch) == 0 || (ds.dropIncomplete && len(batch) < ds.batchSize) {
		return nil, io.EOF
	}
	return batch, nil
}
