// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package infill defines the data model of the code infilling training pipeline: source records
// read from storage, the synthetic (prefix, completion, suffix) examples sampled from them, and
// their encoded form fed to a masked-language model.
//
// The pipeline stages live in the sub-packages:
//
//   - sampler: cuts SourceRecord code into SyntheticExample spans.
//   - encoder: tokenizes spans into masked EncodedExample sequences.
//   - collator: pads EncodedExample sequences into rectangular batches.
//   - pipeline: chains the stages into a lazy train.Dataset.
package infill

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Language of a source record. The set of languages is closed: there is no default language.
type Language int

const (
	CSharp Language = iota
	TypeScript
	CSS
)

// Languages lists all supported languages, in order of their ID.
var Languages = []Language{CSharp, TypeScript, CSS}

// ErrUnknownLanguage is returned (wrapped) whenever a language tag is not one of the supported languages.
var ErrUnknownLanguage = errors.New("unknown language")

var languageTags = []string{"cs", "ts", "css"}

// ParseLanguage converts a language tag ("cs", "ts" or "css") to a Language.
// Any other tag fails with an error wrapping ErrUnknownLanguage.
func ParseLanguage(tag string) (Language, error) {
	for ii, known := range languageTags {
		if tag == known {
			return Language(ii), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownLanguage, "language tag %q (known tags: %s)", tag, strings.Join(languageTags, ", "))
}

// IsValid returns whether l is one of the supported languages.
func (l Language) IsValid() bool {
	return l >= 0 && int(l) < len(languageTags)
}

// ID returns the language index, used as token type id for every token of an example.
// It fails with an error wrapping ErrUnknownLanguage for an invalid Language.
func (l Language) ID() (int, error) {
	if !l.IsValid() {
		return 0, errors.Wrapf(ErrUnknownLanguage, "language id %d", int(l))
	}
	return int(l), nil
}

// String returns the language tag, or "Language(<n>)" for invalid values.
func (l Language) String() string {
	if !l.IsValid() {
		return "Language(" + strconv.Itoa(int(l)) + ")"
	}
	return languageTags[l]
}

// Token returns the name of the special marker token of the language, e.g. "<|cs|>".
func (l Language) Token() string {
	return "<|" + l.String() + "|>"
}

// MarshalText implements encoding.TextMarshaler.
func (l Language) MarshalText() ([]byte, error) {
	if !l.IsValid() {
		return nil, errors.Wrapf(ErrUnknownLanguage, "language id %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Language) UnmarshalText(text []byte) error {
	parsed, err := ParseLanguage(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Special token names looked up in the tokenizer vocabulary.
const (
	PadToken  = "<|pad|>"
	MaskToken = "<|mask|>"
	ClsToken  = "<|cls|>"
)

// SpecialTokens returns the names of all special tokens: pad, mask, cls and the language markers.
func SpecialTokens() []string {
	tokens := []string{PadToken, MaskToken, ClsToken}
	for _, l := range Languages {
		tokens = append(tokens, l.Token())
	}
	return tokens
}

// SourceRecord is one source file read from storage.
type SourceRecord struct {
	Code     string
	Path     string
	Language Language
}

// SyntheticExample is a training example cut from a SourceRecord: the model sees Prefix and Suffix,
// and must predict Completion, which sits between them in the original code.
type SyntheticExample struct {
	Prefix     string
	Suffix     string
	Completion string
	Path       string
	Language   Language
}

// EncodedExample is a SyntheticExample converted to token ids.
//
// All four sequences have the same length: the prefix tokens, the masked positions and the suffix tokens.
type EncodedExample struct {
	InputIDs      []int
	LabelIDs      []int
	AttentionMask []int
	TokenTypeIDs  []int

	// MaskStart is the position of the first masked token, that is, the number of prefix tokens.
	MaskStart int
}

// Len returns the sequence length of the example.
func (e *EncodedExample) Len() int {
	return len(e.InputIDs)
}
