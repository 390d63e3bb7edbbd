// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tokenizers

import (
	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultVocabFile is the name of the vocabulary file in HuggingFace repositories.
const DefaultVocabFile = "vocab.txt"

// FromHub downloads (or reuses from the local cache) the vocabulary file of a HuggingFace repository, and
// loads it as a Vocab.
//
// authToken can be empty for public repositories. It's usually read from the HF_TOKEN environment variable.
// If vocabFile is empty, DefaultVocabFile is used.
func FromHub(repoID, authToken, vocabFile string, specialTokens ...string) (*Vocab, error) {
	if vocabFile == "" {
		vocabFile = DefaultVocabFile
	}
	repo := hub.New(repoID).WithAuth(authToken)
	vocabPath, err := repo.DownloadFile(vocabFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %q from HuggingFace repository %q", vocabFile, repoID)
	}
	klog.V(1).Infof("Vocabulary for %q downloaded to %s", repoID, vocabPath)
	return LoadVocab(vocabPath, specialTokens...)
}
