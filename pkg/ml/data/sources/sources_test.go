// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/infill/pkg/infill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRecords = []infill.SourceRecord{
	{Code: "class A {\n  int x = 1, y = \"2\";\n}\n", Path: "src/A.cs", Language: infill.CSharp},
	{Code: "let a: number = 1;", Path: "src/a.ts", Language: infill.TypeScript},
	{Code: "body { color: red; }", Path: "style.css", Language: infill.CSS},
	{Code: "", Path: "empty.ts", Language: infill.TypeScript},
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writers := map[string]func(string, []infill.SourceRecord) error{
		"records.parquet": WriteParquet,
		"records.csv":     WriteCSV,
		"records.jsonl":   WriteJSONL,
	}
	for name, write := range writers {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, write(path, testRecords))
			records, stats, err := ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, testRecords, records)
			assert.Equal(t, 1, stats.Files)
			assert.Equal(t, 4, stats.Records())
			assert.Equal(t, 1, stats.Empty)
			assert.Equal(t, 2, stats.PerLanguage[infill.TypeScript])
		})
	}

	// All files of the directory, in sorted order: csv, jsonl, parquet.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0600))
	records, stats, err := ReadFiles([]string{dir}, 2)
	require.NoError(t, err)
	assert.Len(t, records, 12)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, testRecords[0], records[8])
	assert.Contains(t, stats.String(), "12 records from 3 files")
}

func TestUnknownLanguage(t *testing.T) {
	input := strings.Join([]string{
		`{"code": "print(1)", "path": "a.py", "language": "py"}`,
		``,
		`{"code": "let x;", "path": "b.ts", "language": "ts", "license": "mit"}`,
		`{"code": "fn main() {}", "path": "c.rs", "language": "rust"}`,
	}, "\n")
	records, stats, err := readJSONL(strings.NewReader(input), "test")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b.ts", records[0].Path)
	assert.Equal(t, 3, stats.Rows)
	assert.Equal(t, 2, stats.UnknownLanguage)

	_, _, err = readJSONL(strings.NewReader("{not json"), "test")
	require.ErrorContains(t, err, "test:1")
}

func TestCSVMissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("code,lang\nx,ts\n"), 0600))
	_, _, err := ReadFile(path)
	require.ErrorContains(t, err, "language")

	_, _, err = ReadFile(filepath.Join(t.TempDir(), "records.txt"))
	require.ErrorContains(t, err, "unknown format")
}

// writeTree creates the files, given by their slash separated paths relative to root.
func writeTree(t *testing.T, root string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	}
}

func recordPaths(records []infill.SourceRecord) []string {
	var paths []string
	for _, r := range records {
		paths = append(paths, r.Path)
	}
	return paths
}

func TestReadTree(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"src/Program.cs":            "class Program {}",
		"src/app.ts":                "export const a = 1;",
		"src/styles/site.css":       "a { }",
		"src/readme.md":             "# not code",
		"node_modules/lib/index.ts": "skipped",
		".git/hooks/x.ts":           "skipped",
		"bin/Debug/Generated.cs":    "skipped",
	}
	writeTree(t, root, files)
	records, stats, err := ReadTree(root)
	require.NoError(t, err)
	var paths []string
	for _, r := range records {
		paths = append(paths, r.Path)
		assert.Equal(t, files[r.Path], r.Code)
	}
	assert.ElementsMatch(t, []string{"src/Program.cs", "src/app.ts", "src/styles/site.css"}, paths)
	assert.Equal(t, 1, stats.PerLanguage[infill.CSS])
}

func TestReadTreeGitignore(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".gitignore":                "# Generated code.\ngenerated/\n\n*.css\n!keep.css\n",
		"src/.gitignore":            "*.test.ts\n!important.test.ts\n",
		"src/app.ts":                "export const a = 1;",
		"src/app.test.ts":           "ignored by src/.gitignore",
		"src/important.test.ts":     "re-included",
		"src/styles/site.css":       "ignored by .gitignore",
		"src/styles/keep.css":       "re-included",
		"src/generated/Model.cs":    "ignored at any depth",
		"generated/api.ts":          "ignored",
		"lib/app.test.ts":           "src/.gitignore does not apply here",
		"lib/.gitignore":            "!*.css\n",
		"lib/theme.css":             "re-included by lib/.gitignore",
		"other/sub/.gitignore":      "/local.ts\n",
		"other/sub/local.ts":        "anchored to other/sub",
		"other/sub/deeper/local.ts": "anchored pattern does not match here",
	})
	records, _, err := ReadTree(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"src/app.ts", "src/important.test.ts", "src/styles/keep.css",
		"lib/app.test.ts", "lib/theme.css", "other/sub/deeper/local.ts",
	}, recordPaths(records))
}

func TestReadTreeRepositoryIgnores(t *testing.T) {
	repo := t.TempDir()
	writeTree(t, repo, map[string]string{
		".git/info/exclude":  "*.local.ts\n",
		".gitignore":         "/project/skip.ts\n",
		"project/skip.ts":    "ignored by the repository .gitignore",
		"project/a.local.ts": "ignored by .git/info/exclude",
		"project/keep.ts":    "kept",
		"skip.ts":            "outside the walked tree",
	})
	records, _, err := ReadTree(filepath.Join(repo, "project"))
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.ts"}, recordPaths(records))
}
