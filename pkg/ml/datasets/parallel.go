// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/infill/pkg/ml/train"
	"github.com/gomlx/infill/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset is a wrapper around a `train.Dataset` that calls Yield in background goroutines,
// buffering the results. See details in CustomParallel.
type ParallelDataset[T any] struct {
	Dataset train.Dataset[T]

	// name is set by default to the underlying dataset name.
	name string

	// parallelism is the number of goroutines started generating elements.
	parallelism int

	// extraBufferSize is the size of the buffer of pre-generated elements.
	extraBufferSize int

	// impl is the actual implementation.
	impl *parallelDatasetImpl[T]

	// keepAlive is used only to keep ParallelDataset alive in the middle of long calls.
	keepAlive int64
}

// parallelDatasetImpl separates the implementation of ParallelDataset. It's important
// that it doesn't point back to the original ParallelDataset, so garbage collecting
// will also stop the goroutines.
type parallelDatasetImpl[T any] struct {
	config ParallelDataset[T] // A copy of the configuration.

	err   error
	muErr sync.Mutex

	buffer                                chan T
	epochFinished, stopEpoch, stopDataset chan struct{}
	stopEpochOnce                         *sync.Once
	stopDatasetOnce                       sync.Once
	done                                  *xsync.Latch
}

// ReadAhead generates elements of ds in a background goroutine, keeping up to bufferSize of
// them ready. ds doesn't need to be thread-safe, and the order of the elements is preserved.
//
// It's meant to overlap the data preprocessing (sampling, tokenization, collation) with the training step.
//
// To avoid leaking goroutines, call ParallelDataset.Done when exiting.
func ReadAhead[T any](ds train.Dataset[T], bufferSize int) *ParallelDataset[T] {
	return CustomParallel(ds).Parallelism(1).Buffer(bufferSize).Start()
}

// Parallel parallelizes yield calls of any thread-safe train.Dataset.
//
// It uses CustomParallel and automatically starts it with the default
// parameters.
//
// To avoid leaking goroutines, call ParallelDataset.Done when exiting.
//
// The order of the yields is not preserved -- the parallelization may yield results in different order, and in some
// exceptional circumstance may create an order bias (faster results to generate being yield first).
func Parallel[T any](ds train.Dataset[T]) *ParallelDataset[T] {
	pds := CustomParallel(ds)
	return pds.Buffer(pds.parallelism).Start()
}

// CustomParallel builds a ParallelDataset that can be used to parallelize any
// train.Dataset. If parallelism is larger than 1, the underlying dataset must be thread-safe.
//
// ParallelDataset can be further configured (see Parallelism and Buffer),
// and then one has to call Start before actually using the Dataset.
//
// To avoid leaking goroutines, call ParallelDataset.Done when exiting.
//
// Example:
//
//	var ds train.Dataset[*collator.Batch]
//	ds = NewMyDataset(...)
//	pds := datasets.CustomParallel(ds).Buffer(10).Start()
//	defer pds.Done()
//	MyTrainFunc(pds)
func CustomParallel[T any](ds train.Dataset[T]) *ParallelDataset[T] {
	pd := &ParallelDataset[T]{
		name:    ds.Name(),
		Dataset: ds,
	}
	pd.Parallelism(0) // 0 here means it will take the number of cores available.
	return pd
}

// Parallelism is the number of goroutines to start, each calling `ds.Yield()` in parallel
// to accelerate the generation of elements. If set to 0 (the default), it will use the
// number of cores in the system plus 1.
//
// With parallelism 1 the order of the elements is preserved.
//
// This must be called before a call to Start.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset[T]) Parallelism(n int) *ParallelDataset[T] {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return pd
	}
	if n <= 0 {
		n = runtime.NumCPU() + 1
	}
	pd.parallelism = n
	return pd
}

// WithName sets the name of the parallel dataset. It defaults to the original dataset name.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset[T]) WithName(name string) *ParallelDataset[T] {
	pd.name = name
	return pd
}

// Buffer reserved in the channel that collects the parallel yields.
// Notice there is already an intrinsic buffering that happens in the goroutines sampling
// in parallel.
//
// This must be called before a call to Start.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset[T]) Buffer(n int) *ParallelDataset[T] {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return pd
	}
	pd.extraBufferSize = n
	return pd
}

// Start indicates that the dataset is finished to be configured, and starts
// being a valid Dataset.
//
// After Start its configuration can no longer be changed.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset[T]) Start() *ParallelDataset[T] {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset.Start called more than once!?")
		return pd
	}
	impl := &parallelDatasetImpl[T]{
		buffer:      make(chan T, pd.extraBufferSize),
		stopDataset: make(chan struct{}),
		config:      *pd, // Copy.
		done:        xsync.NewLatch(),
	}
	pd.impl = impl
	// If the ParallelDataset is garbage collected, stop all parallel goroutines.
	runtime.SetFinalizer(pd, func(pd *ParallelDataset[T]) {
		if pd.impl != nil {
			pd.impl.stop()
			pd.impl = nil
		}
	})
	impl.startGoRoutines()
	return pd
}

func (impl *parallelDatasetImpl[T]) stop() {
	impl.stopDatasetOnce.Do(func() { close(impl.stopDataset) })
}

func (impl *parallelDatasetImpl[T]) stopCurrentEpoch() {
	impl.stopEpochOnce.Do(func() { close(impl.stopEpoch) })
}

func (impl *parallelDatasetImpl[T]) startGoRoutines() {
	impl.epochFinished = make(chan struct{})
	impl.stopEpoch = make(chan struct{})
	impl.stopEpochOnce = &sync.Once{}
	epochFinished, stopEpoch := impl.epochFinished, impl.stopEpoch
	var wg sync.WaitGroup
	for range impl.config.parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				default:
					// Move forward and generate the next element.
				}
				item, err := impl.config.Dataset.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					klog.Errorf("ParallelDataset(%q): %+v", impl.config.name, err)
					// Fatal error, stop everything.
					impl.muErr.Lock()
					if impl.err == nil {
						impl.err = err
					}
					impl.muErr.Unlock()
					impl.stop()
					return
				}
				select {
				case <-stopEpoch:
					return
				case <-impl.stopDataset:
					return
				case impl.buffer <- item:
					// Element generated and buffered, move to next.
				}
			}
		}()
	}

	// Start the controller job.
	go func() {
		wg.Wait()
		select {
		case <-impl.stopDataset:
			impl.done.Trigger()
			return
		default:
		}
		close(epochFinished)
	}()
}

// Name implements train.Dataset.
func (pd *ParallelDataset[T]) Name() string {
	return pd.name
}

// Done stops all the parallel goroutines and waits for them to finish.
func (pd *ParallelDataset[T]) Done() {
	if pd.impl == nil {
		return
	}
	impl := pd.impl
	pd.impl = nil
	impl.stop()
	// Either the goroutines stop now, or they had already finished the epoch.
	select {
	case <-impl.done.WaitChan():
	case <-impl.epochFinished:
	}
}

// Reset implements train.Dataset.
func (pd *ParallelDataset[T]) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Warningf("ParallelDataset.Reset was called before it was started with ParallelDataset.Start or after ParallelDataset.Done")
		return
	}

	// Indicate to goroutines to stop generating data, and drain whatever is still in the buffer.
	impl.stopCurrentEpoch()
drainDataset:
	for {
		select {
		case <-impl.stopDataset:
			// Return immediately, do nothing.
			return
		case <-impl.epochFinished:
			// All finished, we can move on.
			break drainDataset
		case <-impl.buffer:
			// Discard remaining entries that were in the buffer.
		}
	}
	for len(impl.buffer) > 0 {
		<-impl.buffer
	}

	// Reset underlying dataset and start again.
	impl.config.Dataset.Reset()
	impl.startGoRoutines()

	// This no-op prevents `pd` from being garbage collected and the goroutines killed in the middle
	// of the Reset operation. Leave this at the end.
	pd.keepAlive++
}

// Yield implements train.Dataset.
func (pd *ParallelDataset[T]) Yield() (item T, err error) {
	impl := pd.impl
	if impl == nil {
		err = errors.Errorf("ParallelDataset.Yield was called before it was started with ParallelDataset.Start or after it was stopped with ParallelDataset.Done")
		return
	}
	select {
	case <-impl.stopDataset:
		// An error occurred, dataset is closed.
		impl.muErr.Lock()
		err = impl.err
		impl.muErr.Unlock()
		if err == nil {
			err = errors.Errorf("ParallelDataset(%q) was stopped", pd.name)
		}
		return
	case item = <-impl.buffer:
		// We got a new element.
	case <-impl.epochFinished:
		// No more elements being produced (until Reset() is called), but we still need to exhaust the buffer.
		select {
		case item = <-impl.buffer:
		default:
			err = io.EOF
			return
		}
	}

	// This no-op prevents `pd` from being garbage collected and the goroutines killed in the middle
	// of the Yield operation. Leave this at the end.
	pd.keepAlive++
	return
}
