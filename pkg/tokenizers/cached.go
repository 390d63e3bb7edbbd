// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizers

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// CachedTokenizer memoizes the results of Encode of an underlying Tokenizer in an LRU cache.
//
// The sampler produces many examples with the same short suffixes and prefixes from the same file,
// so repeated texts are frequent. It's safe for concurrent use if the underlying Tokenizer is.
type CachedTokenizer struct {
	Tokenizer
	cache *lru.Cache[string, []int]
}

// Cached wraps tokenizer with an LRU cache holding up to size entries.
func Cached(tokenizer Tokenizer, size int) (*CachedTokenizer, error) {
	cache, err := lru.New[string, []int](size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create tokenizer cache of size %d", size)
	}
	return &CachedTokenizer{Tokenizer: tokenizer, cache: cache}, nil
}

// Encode implements Tokenizer. The returned slice is owned by the caller.
func (c *CachedTokenizer) Encode(text string) []int {
	if ids, found := c.cache.Get(text); found {
		return slices.Clone(ids)
	}
	ids := c.Tokenizer.Encode(text)
	c.cache.Add(text, slices.Clone(ids))
	return ids
}

// Len returns the number of entries in the cache.
func (c *CachedTokenizer) Len() int {
	return c.cache.Len()
}
