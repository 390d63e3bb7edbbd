// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package setup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/ml/data/sources"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/tokenizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRecords = []infill.SourceRecord{
	{Code: "let x = 1;\nlet y = x + 1;\n", Path: "a.ts", Language: infill.TypeScript},
	{Code: "body { color: red; }\n", Path: "b.css", Language: infill.CSS},
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	for _, key := range []string{ParamRecords, ParamLearningRate, ParamTrainSteps, ParamSchedule, "batch_size", "lr_decay_factor"} {
		_, found := p.Get(key)
		assert.True(t, found, key)
	}
	assert.Equal(t, 2e-5, params.MustGetParam[float64](p, ParamLearningRate))
	assert.Equal(t, 2000, params.MustGetParam[int](p, ParamEvalEvery))
}

func TestLoadRecords(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, sources.WriteJSONL(filepath.Join(dir, "records.jsonl"), testRecords))
	tree := filepath.Join(dir, "tree")
	require.NoError(t, os.MkdirAll(tree, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "c.cs"), []byte("class C {}"), 0o644))

	p := DefaultParams().Set(ParamRecords, []string{filepath.Join(dir, "*.jsonl"), "tree:" + tree})
	records, stats, err := LoadRecords(context.Background(), p, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 3, stats.Records())
	assert.Equal(t, infill.CSharp, records[0].Language)

	// Records prefix requires an object store.
	p.Set(ParamRecordsPrefix, "shards/")
	_, _, err = LoadRecords(context.Background(), p, nil)
	require.Error(t, err)

	_, _, err = LoadRecords(context.Background(), DefaultParams(), nil)
	require.Error(t, err)
}

func TestTokenizer(t *testing.T) {
	t.Run("Built", func(t *testing.T) {
		p := DefaultParams().Set(ParamVocabSize, 100)
		tokenizer, vocab, err := Tokenizer(p, testRecords)
		require.NoError(t, err)
		assert.IsType(t, &tokenizers.CachedTokenizer{}, tokenizer)
		for _, name := range infill.SpecialTokens() {
			_, found := vocab.TokenID(name)
			assert.True(t, found, name)
		}
		assert.Equal(t, vocab.Encode("let x"), tokenizer.Encode("let x"))
	})

	t.Run("FromFile", func(t *testing.T) {
		vocabPath := filepath.Join(t.TempDir(), "vocab.txt")
		built, err := tokenizers.BuildVocab([]string{"abc"}, 50, 2, infill.SpecialTokens()...)
		require.NoError(t, err)
		require.NoError(t, built.Save(vocabPath))
		p := DefaultParams().Set(ParamVocabFile, vocabPath).Set(ParamTokenizerCache, 0)
		tokenizer, vocab, err := Tokenizer(p, nil)
		require.NoError(t, err)
		assert.Same(t, vocab, tokenizer)
		assert.Equal(t, built.VocabSize(), vocab.VocabSize())
	})
}

func TestObjectStoreDisabled(t *testing.T) {
	store, err := ObjectStore(DefaultParams())
	require.NoError(t, err)
	assert.Nil(t, store)
}
