// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizers

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/infill/pkg/support/sets"
	"github.com/pkg/errors"
)

// UnknownTokens are the names accepted for the token used when no vocabulary entry matches, in order of preference.
var UnknownTokens = []string{"<|unk|>", "[UNK]", "<unk>"}

// Vocab is a Tokenizer that encodes text by greedily matching the longest vocabulary entry at each position.
//
// Special tokens are excluded from the matching. A character not covered by any entry is encoded as the
// unknown token.
//
// It's immutable after creation, and safe for concurrent use.
type Vocab struct {
	tokens    []string
	ids       map[string]int
	matchable map[string]int
	special   sets.Set[string]
	maxRunes  int
	unknownID int
}

// NewVocab creates a Vocab from the list of tokens: the id of each token is its index.
//
// specialTokens lists the tokens excluded from matching. Tokens of the form "<|...|>" are always
// considered special. The vocabulary must include one of UnknownTokens.
func NewVocab(tokens []string, specialTokens ...string) (*Vocab, error) {
	v := &Vocab{
		tokens:    tokens,
		ids:       make(map[string]int, len(tokens)),
		matchable: make(map[string]int, len(tokens)),
		special:   sets.MakeWith(specialTokens...),
		unknownID: -1,
	}
	for _, name := range UnknownTokens {
		v.special.Insert(name)
	}
	for id, token := range tokens {
		if token == "" {
			return nil, errors.Errorf("empty token at id %d in vocabulary", id)
		}
		if _, found := v.ids[token]; found {
			return nil, errors.Errorf("duplicate token %q at id %d in vocabulary", token, id)
		}
		v.ids[token] = id
		if strings.HasPrefix(token, "<|") && strings.HasSuffix(token, "|>") {
			v.special.Insert(token)
		}
		if v.special.Has(token) {
			continue
		}
		v.matchable[token] = id
		v.maxRunes = max(v.maxRunes, utf8.RuneCountInString(token))
	}
	for _, name := range UnknownTokens {
		if id, found := v.ids[name]; found {
			v.unknownID = id
			break
		}
	}
	if v.unknownID < 0 {
		return nil, errors.Errorf("vocabulary has no unknown token (one of %q)", UnknownTokens)
	}
	return v, nil
}

// ReadVocab reads a vocabulary with one token per line. Lines that are valid JSON strings (starting and
// ending with a double quote) are unquoted, which allows tokens with new lines, tabs or leading/trailing spaces.
func ReadVocab(r io.Reader, specialTokens ...string) (*Vocab, error) {
	var tokens []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) >= 2 && strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`) {
			var token string
			if err := json.Unmarshal([]byte(line), &token); err == nil {
				line = token
			}
		}
		tokens = append(tokens, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read vocabulary")
	}
	return NewVocab(tokens, specialTokens...)
}

// LoadVocab reads a vocabulary file. See ReadVocab for the format.
func LoadVocab(filePath string, specialTokens ...string) (*Vocab, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open vocabulary file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	v, err := ReadVocab(f, specialTokens...)
	if err != nil {
		return nil, errors.WithMessagef(err, "vocabulary file %q", filePath)
	}
	return v, nil
}

// Save writes the vocabulary in the format read by LoadVocab.
func (v *Vocab) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create vocabulary file %q", filePath)
	}
	w := bufio.NewWriter(f)
	for _, token := range v.tokens {
		line := token
		if strings.ContainsAny(token, "\n\r") || (len(token) >= 2 && strings.HasPrefix(token, `"`)) ||
			strings.TrimSpace(token) != token {
			line = strconv.Quote(token)
		}
		if _, err = w.WriteString(line + "\n"); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "failed to write vocabulary file %q", filePath)
}

// Encode implements Tokenizer.
func (v *Vocab) Encode(text string) []int {
	runes := []rune(text)
	ids := make([]int, 0, len(runes)/2+1)
	for pos := 0; pos < len(runes); {
		matched := false
		for length := min(v.maxRunes, len(runes)-pos); length > 0; length-- {
			if id, found := v.matchable[string(runes[pos:pos+length])]; found {
				ids = append(ids, id)
				pos += length
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, v.unknownID)
			pos++
		}
	}
	return ids
}

// TokenID implements Tokenizer.
func (v *Vocab) TokenID(name string) (id int, found bool) {
	id, found = v.ids[name]
	return
}

// VocabSize implements Tokenizer.
func (v *Vocab) VocabSize() int {
	return len(v.tokens)
}

// Token returns the token with the given id, or "" if the id is out of range.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

// Decode converts token ids back to text. Special tokens are rendered by their names.
func (v *Vocab) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(v.Token(id))
	}
	return sb.String()
}

// UnknownID returns the id of the unknown token.
func (v *Vocab) UnknownID() int {
	return v.unknownID
}
