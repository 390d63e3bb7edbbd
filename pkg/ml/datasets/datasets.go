// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets is a collection of generic utility datasets (train.Dataset) that can be combined
// into lazy preprocessing pipelines: `FromSlice`, `Map`, `FlatMap`, `Shuffle`, `Batch`, `Take`, `Skip`,
// `Loop` and `ReadAhead`.
//
// Each stage pulls from the previous one on demand, so memory is bounded by the explicit buffers
// (Shuffle and ReadAhead) and not by the size of the data.
package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/pkg/errors"
)

// sliceDataset yields the elements of a slice.
type sliceDataset[T any] struct {
	name  string
	items []T
	next  int
}

// FromSlice returns a train.Dataset that yields each of the items, in order.
func FromSlice[T any](name string, items []T) train.Dataset[T] {
	return &sliceDataset[T]{name: name, items: items}
}

// Name implements train.Dataset.
func (ds *sliceDataset[T]) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *sliceDataset[T]) Reset() { ds.next = 0 }

// Yield implements train.Dataset.
func (ds *sliceDataset[T]) Yield() (item T, err error) {
	if ds.next >= len(ds.items) {
		err = io.EOF
		return
	}
	item = ds.items[ds.next]
	ds.next++
	return
}

// mapDataset applies a function to each element of the underlying dataset.
type mapDataset[In, Out any] struct {
	ds train.Dataset[In]
	fn func(In) (Out, error)
}

// Map returns a dataset that yields fn(e) for each element e of ds.
// An error returned by fn interrupts the dataset and is returned by Yield.
func Map[In, Out any](ds train.Dataset[In], fn func(In) (Out, error)) train.Dataset[Out] {
	return &mapDataset[In, Out]{ds: ds, fn: fn}
}

// Name implements train.Dataset.
func (ds *mapDataset[In, Out]) Name() string { return ds.ds.Name() }

// Reset implements train.Dataset.
func (ds *mapDataset[In, Out]) Reset() { ds.ds.Reset() }

// Yield implements train.Dataset.
func (ds *mapDataset[In, Out]) Yield() (out Out, err error) {
	in, err := ds.ds.Yield()
	if err != nil {
		return
	}
	return ds.fn(in)
}

// flatMapDataset maps each element to a slice, and yields the elements of the slices one at a time.
type flatMapDataset[In, Out any] struct {
	ds      train.Dataset[In]
	fn      func(In) ([]Out, error)
	pending []Out
}

// FlatMap returns a dataset that yields each of the elements of fn(e), for each element e of ds.
// Empty results are skipped.
func FlatMap[In, Out any](ds train.Dataset[In], fn func(In) ([]Out, error)) train.Dataset[Out] {
	return &flatMapDataset[In, Out]{ds: ds, fn: fn}
}

// Name implements train.Dataset.
func (ds *flatMapDataset[In, Out]) Name() string { return ds.ds.Name() }

// Reset implements train.Dataset.
func (ds *flatMapDataset[In, Out]) Reset() {
	ds.ds.Reset()
	ds.pending = nil
}

// Yield implements train.Dataset.
func (ds *flatMapDataset[In, Out]) Yield() (out Out, err error) {
	for len(ds.pending) == 0 {
		var in In
		in, err = ds.ds.Yield()
		if err != nil {
			return
		}
		ds.pending, err = ds.fn(in)
		if err != nil {
			ds.pending = nil
			return
		}
	}
	out = ds.pending[0]
	ds.pending = ds.pending[1:]
	return
}

// takeDataset implements a `train.Dataset` that only yields `take` elements.
type takeDataset[T any] struct {
	ds          train.Dataset[T]
	count, take int
}

// Take returns a wrapper to `ds`, a `train.Dataset` that only yields `n` elements.
func Take[T any](ds train.Dataset[T], n int) train.Dataset[T] {
	return &takeDataset[T]{ds: ds, take: n}
}

// Name implements train.Dataset. It returns the dataset name.
func (ds *takeDataset[T]) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Reset implements train.Dataset.
func (ds *takeDataset[T]) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements train.Dataset.
func (ds *takeDataset[T]) Yield() (item T, err error) {
	if ds.count >= ds.take {
		err = io.EOF
		return
	}
	ds.count++
	return ds.ds.Yield()
}

// skipDataset discards the first `skip` elements of the underlying dataset after each Reset.
type skipDataset[T any] struct {
	ds      train.Dataset[T]
	skip    int
	skipped bool
}

// Skip returns a wrapper to `ds` that discards its first `n` elements.
// Together with Take it splits a stream into an evaluation and a training part.
func Skip[T any](ds train.Dataset[T], n int) train.Dataset[T] {
	return &skipDataset[T]{ds: ds, skip: n}
}

// Name implements train.Dataset.
func (ds *skipDataset[T]) Name() string {
	return fmt.Sprintf("%s [Skip %d]", ds.ds.Name(), ds.skip)
}

// Reset implements train.Dataset.
func (ds *skipDataset[T]) Reset() {
	ds.ds.Reset()
	ds.skipped = false
}

// Yield implements train.Dataset.
func (ds *skipDataset[T]) Yield() (item T, err error) {
	if !ds.skipped {
		for range ds.skip {
			if _, err = ds.ds.Yield(); err != nil {
				return
			}
		}
		ds.skipped = true
	}
	return ds.ds.Yield()
}

// loopDataset restarts the underlying dataset whenever it reaches its end.
type loopDataset[T any] struct {
	ds     train.Dataset[T]
	epochs int
}

// Loop returns a dataset that never ends: it resets ds every time it returns io.EOF.
//
// It returns an error if ds yields io.EOF immediately after a reset, since it would loop forever.
func Loop[T any](ds train.Dataset[T]) train.Dataset[T] {
	return &loopDataset[T]{ds: ds}
}

// Name implements train.Dataset.
func (ds *loopDataset[T]) Name() string { return ds.ds.Name() }

// Reset implements train.Dataset.
func (ds *loopDataset[T]) Reset() {
	ds.ds.Reset()
	ds.epochs = 0
}

// Yield implements train.Dataset.
func (ds *loopDataset[T]) Yield() (item T, err error) {
	item, err = ds.ds.Yield()
	if err != io.EOF {
		return
	}
	ds.epochs++
	ds.ds.Reset()
	item, err = ds.ds.Yield()
	if err == io.EOF {
		err = errors.Errorf("datasets.Loop(%q): dataset is empty after Reset (epoch %d)", ds.ds.Name(), ds.epochs)
	}
	return
}

// Collect reads all elements of ds until io.EOF, and returns them.
// It's meant for finite datasets only.
func Collect[T any](ds train.Dataset[T]) ([]T, error) {
	var items []T
	for {
		item, err := ds.Yield()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
}
