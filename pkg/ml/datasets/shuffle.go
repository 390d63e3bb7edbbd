// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infill/pkg/ml/train"
)

// shuffleDataset shuffles the stream using a bounded buffer.
type shuffleDataset[T any] struct {
	ds         train.Dataset[T]
	bufferSize int
	seed       uint64
	epoch      uint64
	rng        *rand.Rand
	buffer     []T
	eof        bool
	fixed      bool
}

// Shuffle returns a dataset that yields the elements of ds in a pseudo-random order, holding at most
// bufferSize elements in memory.
//
// Each element yielded is drawn uniformly from the buffer, and its slot is refilled with the next
// element of ds. So elements can move backwards by at most bufferSize positions, and a buffer as large as
// the dataset gives a full uniform shuffle.
//
// The order is deterministic for a given seed and input order. Each Reset starts a new epoch,
// with a different (but also deterministic) order.
//
// It panics if bufferSize <= 0.
func Shuffle[T any](ds train.Dataset[T], bufferSize int, seed uint64) train.Dataset[T] {
	if bufferSize <= 0 {
		exceptions.Panicf("datasets.Shuffle(%q, bufferSize=%d): bufferSize must be > 0", ds.Name(), bufferSize)
	}
	s := &shuffleDataset[T]{ds: ds, bufferSize: bufferSize, seed: seed}
	s.resetRNG()
	return s
}

// ShuffleOnce is like Shuffle, except every epoch yields the same order. It is used to split a
// stream into disjoint evaluation and training parts that stay disjoint across epochs.
//
// It panics if bufferSize <= 0.
func ShuffleOnce[T any](ds train.Dataset[T], bufferSize int, seed uint64) train.Dataset[T] {
	s := Shuffle(ds, bufferSize, seed).(*shuffleDataset[T])
	s.fixed = true
	return s
}

func (ds *shuffleDataset[T]) resetRNG() {
	ds.rng = rand.New(rand.NewPCG(ds.seed, ds.epoch))
	ds.buffer = make([]T, 0, ds.bufferSize)
	ds.eof = false
}

// Name implements train.Dataset.
func (ds *shuffleDataset[T]) Name() string {
	return fmt.Sprintf("%s [Shuffle %d]", ds.ds.Name(), ds.bufferSize)
}

// Reset implements train.Dataset.
func (ds *shuffleDataset[T]) Reset() {
	ds.ds.Reset()
	if !ds.fixed {
		ds.epoch++
	}
	ds.resetRNG()
}

// fill the buffer up to its capacity or to the end of the underlying dataset.
func (ds *shuffleDataset[T]) fill() error {
	for !ds.eof && len(ds.buffer) < ds.bufferSize {
		item, err := ds.ds.Yield()
		if err == io.EOF {
			ds.eof = true
			break
		}
		if err != nil {
			return err
		}
		ds.buffer = append(ds.buffer, item)
	}
	return nil
}

// Yield implements train.Dataset.
func (ds *shuffleDataset[T]) Yield() (item T, err error) {
	if err = ds.fill(); err != nil {
		return
	}
	if len(ds.buffer) == 0 {
		err = io.EOF
		return
	}
	idx := ds.rng.IntN(len(ds.buffer))
	item = ds.buffer[idx]
	last := len(ds.buffer) - 1
	ds.buffer[idx] = ds.buffer[last]
	var zero T
	ds.buffer[last] = zero
	ds.buffer = ds.buffer[:last]
	return
}
