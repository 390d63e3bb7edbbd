// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizers

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
)

// BuildVocab creates a vocabulary from a sample of texts: the special tokens first (in the order given),
// then the unknown token "<|unk|>" (if not among the special tokens), every character seen, and finally
// the most frequent substrings of 2 to maxTokenRunes characters, until the vocabulary reaches size tokens.
//
// It's a simple frequency based vocabulary, meant for baselines and tests when no pretrained
// tokenizer is available. Ties are broken lexicographically, so the result is deterministic.
func BuildVocab(texts []string, size, maxTokenRunes int, specialTokens ...string) (*Vocab, error) {
	tokens := slices.Clone(specialTokens)
	seen := make(map[string]bool, size)
	for _, token := range tokens {
		seen[token] = true
	}
	if !seen[UnknownTokens[0]] {
		tokens = append(tokens, UnknownTokens[0])
		seen[UnknownTokens[0]] = true
	}

	counts := make(map[string]int)
	var chars []string
	for _, text := range texts {
		runes := []rune(text)
		for pos := range runes {
			c := string(runes[pos])
			if !seen[c] {
				seen[c] = true
				chars = append(chars, c)
			}
			for length := 2; length <= maxTokenRunes && pos+length <= len(runes); length++ {
				counts[string(runes[pos:pos+length])]++
			}
		}
	}
	slices.Sort(chars)
	tokens = append(tokens, chars...)
	if len(tokens) > size {
		return nil, errors.Errorf("BuildVocab: vocabulary size %d too small for %d special tokens and characters",
			size, len(tokens))
	}

	type candidate struct {
		token string
		count int
	}
	candidates := make([]candidate, 0, len(counts))
	for token, count := range counts {
		if count > 1 && !seen[token] {
			candidates = append(candidates, candidate{token, count})
		}
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		if a.count != b.count {
			return cmp.Compare(b.count, a.count)
		}
		return cmp.Compare(a.token, b.token)
	})
	for _, c := range candidates {
		if len(tokens) >= size {
			break
		}
		tokens = append(tokens, c.token)
	}
	return NewVocab(tokens, specialTokens...)
}
