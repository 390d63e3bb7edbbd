// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizers

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/go-huggingface/hub"
	hftokenizers "github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/infill/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TokenizerConfigFile is the file defining a HuggingFace fast tokenizer.
const TokenizerConfigFile = "tokenizer.json"

// textEncoder is the part of the go-huggingface tokenizer used by HFTokenizer.
type textEncoder interface {
	Encode(text string) []int
}

// HFTokenizer is a Tokenizer backed by a HuggingFace fast tokenizer (tokenizer.json), loaded with
// go-huggingface. Token names and ids, used by TokenID and Vocab, are read from tokenizer.json.
//
// Special token strings that appear in the text are split as plain text, like Vocab does.
type HFTokenizer struct {
	encoder textEncoder
	vocab   *Vocab
	special []string
}

var _ Tokenizer = (*HFTokenizer)(nil)

// FromHubTokenizer downloads (or reuses from the local cache) the tokenizer.json of a HuggingFace
// repository and loads it.
//
// It returns an error if the repository has no tokenizer.json: see FromHub for repositories with
// only a vocab.txt.
func FromHubTokenizer(repoID, authToken string, specialTokens ...string) (*HFTokenizer, error) {
	repo := hub.New(repoID).WithAuth(authToken)
	configPath, err := repo.DownloadFile(TokenizerConfigFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %q from HuggingFace repository %q", TokenizerConfigFile, repoID)
	}
	config, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", configPath)
	}
	tok, err := hftokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create tokenizer for HuggingFace repository %q", repoID)
	}
	t, err := newHFTokenizer(tok, config, specialTokens...)
	if err != nil {
		return nil, errors.WithMessagef(err, "HuggingFace repository %q", repoID)
	}
	klog.V(1).Infof("Tokenizer for %q loaded: %d tokens", repoID, t.VocabSize())
	return t, nil
}

// hfConfig is the part of tokenizer.json read.
type hfConfig struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		// Vocab is a map from token to id (WordPiece, BPE), or a list of [token, score] pairs where the
		// id is the position (Unigram).
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

func newHFTokenizer(encoder textEncoder, config []byte, specialTokens ...string) (*HFTokenizer, error) {
	var cfg hfConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", TokenizerConfigFile)
	}
	byID := make(map[int]string)
	if len(cfg.Model.Vocab) > 0 {
		var vocabMap map[string]int
		if err := json.Unmarshal(cfg.Model.Vocab, &vocabMap); err == nil {
			for token, id := range vocabMap {
				byID[id] = token
			}
		} else {
			var vocabList [][]json.RawMessage
			if err := json.Unmarshal(cfg.Model.Vocab, &vocabList); err != nil {
				return nil, errors.Wrapf(err, "%s: model vocabulary is neither a map nor a list", TokenizerConfigFile)
			}
			for id, entry := range vocabList {
				if len(entry) == 0 {
					return nil, errors.Errorf("%s: empty model vocabulary entry #%d", TokenizerConfigFile, id)
				}
				var token string
				if err := json.Unmarshal(entry[0], &token); err != nil {
					return nil, errors.Wrapf(err, "%s: model vocabulary entry #%d", TokenizerConfigFile, id)
				}
				byID[id] = token
			}
		}
	}
	special := sets.MakeWith(specialTokens...)
	for _, added := range cfg.AddedTokens {
		byID[added.ID] = added.Content
		if added.Special {
			special.Insert(added.Content)
		}
	}
	if len(byID) == 0 {
		return nil, errors.Errorf("%s has no tokens", TokenizerConfigFile)
	}

	maxID := -1
	for id := range byID {
		if id < 0 {
			return nil, errors.Errorf("%s: negative token id %d", TokenizerConfigFile, id)
		}
		maxID = max(maxID, id)
	}
	tokens := make([]string, maxID+1)
	for id := range tokens {
		if token, found := byID[id]; found {
			tokens[id] = token
		} else {
			tokens[id] = fmt.Sprintf("[unused_id_%d]", id)
		}
	}
	vocab, err := NewVocab(tokens, sets.Sorted(special)...)
	if err != nil {
		return nil, err
	}
	t := &HFTokenizer{encoder: encoder, vocab: vocab}
	for token := range special {
		if _, found := vocab.TokenID(token); found {
			t.special = append(t.special, token)
		}
	}
	return t, nil
}

// nextSpecial returns the position of the first special token in text, and the token. If more than one
// token starts at that position, the longest is returned. It returns -1 if there are none.
func (t *HFTokenizer) nextSpecial(text string) (pos int, token string) {
	pos = -1
	for _, candidate := range t.special {
		idx := strings.Index(text, candidate)
		if idx < 0 {
			continue
		}
		if pos < 0 || idx < pos || (idx == pos && len(candidate) > len(token)) {
			pos, token = idx, candidate
		}
	}
	return
}

// Encode implements Tokenizer. Text is encoded in pieces split at the first character of each special
// token string found, so they are never converted to the special token id.
func (t *HFTokenizer) Encode(text string) []int {
	var ids []int
	for text != "" {
		pos, token := t.nextSpecial(text)
		if pos < 0 {
			ids = append(ids, t.encoder.Encode(text)...)
			break
		}
		if pos > 0 {
			ids = append(ids, t.encoder.Encode(text[:pos])...)
		}
		_, size := utf8.DecodeRuneInString(token)
		ids = append(ids, t.encoder.Encode(token[:size])...)
		text = text[pos+size:]
	}
	return ids
}

// TokenID implements Tokenizer.
func (t *HFTokenizer) TokenID(name string) (id int, found bool) {
	return t.vocab.TokenID(name)
}

// VocabSize implements Tokenizer.
func (t *HFTokenizer) VocabSize() int {
	return t.vocab.VocabSize()
}

// Vocab returns the tokens of the tokenizer, indexed by id. It can be used to decode ids, but its own
// Encode method is a greedy match, different from the HuggingFace tokenizer.
func (t *HFTokenizer) Vocab() *Vocab {
	return t.vocab
}
