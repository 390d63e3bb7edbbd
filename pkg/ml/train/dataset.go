// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

// Dataset provides the data to a Loop or to a Trainer evaluation, one batch at a time.
//
// B is the type of the batch (the unit of a training step), for instance a collated batch of
// padded token ids.
//
// The datasets package provides generic combinators (Map, Shuffle, Batch, ReadAhead, ...) that
// build Dataset pipelines lazily.
type Dataset[B any] interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another evaluation on a test dataset.
	Reset()

	// Yield one batch or an error.
	//
	// If using Loop.RunSteps for training having an infinite dataset stream is ok. But careful
	// not to use Loop.RunEpochs on a dataset configured to loop indefinitely.
	//
	// If the error is `io.EOF` the training/evaluation terminates normally, as it indicates end
	// of data for finite datasets -- maybe the end of the epoch.
	//
	// Any other error is treated as a fatal error and training/evaluation is interrupted.
	Yield() (batch B, err error)
}
