// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"math/rand/v2"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleShortRecord(t *testing.T) {
	s := must.M1(New().Done())
	code := "ABCDEFGHIJ"
	examples := s.SampleRecord(infill.SourceRecord{Code: code, Path: "a.cs", Language: infill.CSharp})
	require.Len(t, examples, 7)
	for ii, e := range examples {
		requested := DefaultCompletionLengths[ii]
		assert.Equal(t, "a.cs", e.Path)
		assert.Equal(t, infill.CSharp, e.Language)
		assert.LessOrEqual(t, len(e.Completion), requested)

		// Pieces are contiguous and in order in the original code.
		joined := e.Prefix + e.Completion + e.Suffix
		assert.True(t, strings.Contains(code, joined), "%q not in %q", joined, code)
		cut := len(e.Prefix)
		assert.True(t, strings.HasPrefix(code, e.Prefix), "prefix %q must start at 0 for short code", e.Prefix)
		assert.Equal(t, code[cut:cut+len(e.Completion)], e.Completion)
		assert.Equal(t, min(len(code), cut+requested), cut+len(e.Completion))
		assert.Equal(t, min(len(code)-cut-len(e.Completion), DefaultSuffixWindow), len(e.Suffix))
	}
}

func TestSampleEmpty(t *testing.T) {
	s := must.M1(New().Done())
	assert.Empty(t, s.SampleRecord(infill.SourceRecord{Code: ""}))
	assert.Empty(t, s.Sample(nil))
}

func randomCode(rng *rand.Rand, n int) string {
	alphabet := []rune("abc{}();= \n\tçãé日本")
	var sb strings.Builder
	for range n {
		sb.WriteRune(alphabet[rng.IntN(len(alphabet))])
	}
	return sb.String()
}

func TestSampleBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	s := must.M1(New().Done())
	for _, n := range []int{1, 7, 999, 1000, 1001, 2500, 5000} {
		code := randomCode(rng, n)
		examples := s.SampleRecord(infill.SourceRecord{Code: code, Language: infill.TypeScript})
		numWindows := (n + DefaultChunkSize - 1) / DefaultChunkSize
		require.Len(t, examples, numWindows*len(DefaultCompletionLengths), "code length %d", n)
		for ii, e := range examples {
			requested := DefaultCompletionLengths[ii%len(DefaultCompletionLengths)]
			assert.LessOrEqual(t, utf8.RuneCountInString(e.Prefix), DefaultPrefixWindow)
			assert.LessOrEqual(t, utf8.RuneCountInString(e.Suffix), DefaultSuffixWindow)
			assert.LessOrEqual(t, utf8.RuneCountInString(e.Completion), requested)
			assert.True(t, utf8.ValidString(e.Prefix+e.Completion+e.Suffix))
			assert.True(t, strings.Contains(code, e.Prefix+e.Completion+e.Suffix))
		}
	}
}

func TestSampleDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	records := []infill.SourceRecord{
		{Code: randomCode(rng, 3000), Path: "a.ts", Language: infill.TypeScript},
		{Code: randomCode(rng, 1500), Path: "b.css", Language: infill.CSS},
	}
	first := must.M1(New().Seed(7).Done()).Sample(records)
	second := must.M1(New().Seed(7).Done()).Sample(records)
	assert.Equal(t, first, second)
	other := must.M1(New().Seed(8).Done()).Sample(records)
	assert.NotEqual(t, first, other)

	// Reseed restarts the sequence.
	s := must.M1(New().Seed(7).Done())
	_ = s.Sample(records)
	s.Reseed(7)
	assert.Equal(t, first, s.Sample(records))

	// Forks are deterministic and independent of each other.
	f1 := s.Fork(1).Sample(records)
	assert.Equal(t, f1, s.Fork(1).Sample(records))
	assert.NotEqual(t, f1, s.Fork(2).Sample(records))
}

func TestConfig(t *testing.T) {
	p := params.New().
		Set(ParamChunkSize, 5).
		Set(ParamPrefixWindow, 2).
		Set(ParamSuffixWindow, 1).
		Set(ParamCompletionLengths, []int{1, 3})
	s := must.M1(New().FromParams(p).Done())
	assert.Equal(t, 2, s.ExamplesPerWindow())
	examples := s.SampleRecord(infill.SourceRecord{Code: "0123456789AB"})
	require.Len(t, examples, 3*2)
	for _, e := range examples {
		assert.LessOrEqual(t, len(e.Prefix), 2)
		assert.LessOrEqual(t, len(e.Suffix), 1)
	}

	_, err := New().ChunkSize(0).Done()
	require.Error(t, err)
	_, err = New().CompletionLengths().Done()
	require.Error(t, err)
	_, err = New().CompletionLengths(5, -1).Done()
	require.Error(t, err)
	_, err = New().PrefixWindow(-1).Done()
	require.Error(t, err)
	_, err = New().Mode("tokens").Done()
	require.Error(t, err)
}

func TestSampleLines(t *testing.T) {
	s := must.M1(New().FromParams(params.New().Set(ParamSamplingMode, ModeLines)).Done())
	assert.Equal(t, ModeLines, s.Mode())
	assert.Equal(t, 1, s.ExamplesPerWindow())

	record := infill.SourceRecord{Code: "a\r\nb\nc\nd", Path: "x.ts", Language: infill.TypeScript}
	assert.Equal(t, []infill.SyntheticExample{
		{Prefix: "a", Completion: "b", Suffix: "c", Path: "x.ts", Language: infill.TypeScript},
		{Prefix: "b", Completion: "c", Suffix: "d", Path: "x.ts", Language: infill.TypeScript},
	}, s.SampleRecord(record))

	// A trailing line break ends with an empty line.
	examples := s.SampleRecord(infill.SourceRecord{Code: "a\nb\n"})
	require.Len(t, examples, 1)
	assert.Equal(t, "", examples[0].Suffix)

	// Fewer than three lines.
	for _, code := range []string{"", "one line", "two\nlines"} {
		assert.Empty(t, s.SampleRecord(infill.SourceRecord{Code: code}), "code %q", code)
	}

	// No randomness: reseeding does not change the examples.
	first := s.SampleRecord(record)
	s.Reseed(7)
	assert.Equal(t, first, s.SampleRecord(record))
}
