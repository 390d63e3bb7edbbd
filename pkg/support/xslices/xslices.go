// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

// Last returns the last element of a slice. It panics if the slice is empty.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// RoundUpToMultiple returns the smallest multiple of `multiple` that is >= n.
// If multiple <= 1, n is returned unchanged.
func RoundUpToMultiple(n, multiple int) int {
	if multiple <= 1 {
		return n
	}
	return ((n + multiple - 1) / multiple) * multiple
}
