// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tokenizers converts text to token ids for the infilling models.
//
// Tokenizer is the narrow interface the encoder consumes. Vocab implements it with a greedy
// longest-match over a vocabulary file (one token per line, the line number being its id), which can be
// downloaded from a HuggingFace repository with FromHub, or built from a corpus with BuildVocab.
// HFTokenizer implements it over a HuggingFace fast tokenizer (tokenizer.json), loaded with
// FromHubTokenizer. Cached memoizes the results of any Tokenizer.
package tokenizers

// Tokenizer converts text to token ids.
type Tokenizer interface {
	// Encode text into token ids. No special tokens are added, and special token strings that happen
	// to appear in the text are split as plain text: they are never converted to the special token id.
	Encode(text string) []int

	// TokenID returns the id of the token with the given name, and whether it exists.
	// It's used to look up the special tokens, like "<|pad|>" or "<|mask|>".
	TokenID(name string) (id int, found bool)

	// VocabSize returns the number of tokens in the vocabulary.
	VocabSize() int
}
