// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"bufio"
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/gomlx/infill/pkg/infill"
	"github.com/gomlx/infill/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SourceExtensions maps source file extensions to their language.
var SourceExtensions = map[string]infill.Language{
	".cs":  infill.CSharp,
	".ts":  infill.TypeScript,
	".css": infill.CSS,
}

// SkippedDirs are directory names never descended into by ReadTree, besides hidden directories.
var SkippedDirs = sets.MakeWith("node_modules", "bin", "obj", "dist", "out")

// MaxSourceFileSize is the size above which source files are skipped by ReadTree: they are
// usually generated or minified.
var MaxSourceFileSize int64 = 1 << 20

// IgnoreFileName is the name of the files with the ignore patterns honored by ReadTree.
const IgnoreFileName = ".gitignore"

// ignoreContext holds the gitignore patterns that apply while walking a tree. Paths are matched
// relative to the repository root, the nearest ancestor of the walked root with a ".git" entry, or
// the walked root itself if there is none.
type ignoreContext struct {
	repoRoot string
	patterns []gitignore.Pattern
	matcher  gitignore.Matcher
}

// newIgnoreContext finds the repository root of root, and loads the repository exclude file and
// the .gitignore files of the directories between the repository root and root (exclusive).
func newIgnoreContext(root string) (*ignoreContext, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %q", root)
	}
	ic := &ignoreContext{repoRoot: absRoot}
	var parents []string
	for dir := absRoot; ; {
		if _, err := os.Lstat(filepath.Join(dir, ".git")); err == nil {
			ic.repoRoot = dir
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// No repository: only the ignore files under root apply.
			parents = nil
			break
		}
		dir = parent
		parents = append(parents, dir)
	}
	if err := ic.load(filepath.Join(ic.repoRoot, ".git", "info", "exclude"), nil); err != nil {
		return nil, err
	}
	for ii := len(parents) - 1; ii >= 0; ii-- {
		if err := ic.loadDir(parents[ii]); err != nil {
			return nil, err
		}
	}
	return ic, nil
}

// relParts returns the path components of path relative to the repository root.
func (ic *ignoreContext) relParts(path string) []string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(ic.repoRoot, absPath)
	if err != nil || rel == "." {
		return nil
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}

// loadDir loads the .gitignore file of dir, if there is one. Its patterns are relative to dir.
func (ic *ignoreContext) loadDir(dir string) error {
	return ic.load(filepath.Join(dir, IgnoreFileName), ic.relParts(dir))
}

// load appends the patterns of the file, if it exists. Later patterns take precedence, so a negated
// pattern ("!name") re-includes what a previous pattern excluded.
func (ic *ignoreContext) load(path string, domain []string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "failed to read ignore file %q", path)
	}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	count := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ic.patterns = append(ic.patterns, gitignore.ParsePattern(line, domain))
		count++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed to read ignore file %q", path)
	}
	if count > 0 {
		ic.matcher = gitignore.NewMatcher(ic.patterns)
		klog.V(2).Infof("%d ignore patterns loaded from %q", count, path)
	}
	return nil
}

// Ignored returns whether the path is excluded by the patterns loaded so far.
func (ic *ignoreContext) Ignored(path string, isDir bool) bool {
	if ic.matcher == nil {
		return false
	}
	parts := ic.relParts(path)
	return len(parts) > 0 && ic.matcher.Match(parts, isDir)
}

// ReadTree walks the directory tree under root and reads every source file with a known extension
// (see SourceExtensions) as a record, with its path relative to root. Hidden directories and
// SkippedDirs are not visited.
//
// Files and directories excluded by .gitignore files are skipped: the ones found under root, the
// ones of the parent directories up to the repository root, and the repository's .git/info/exclude.
// Nested .gitignore files apply to their own directory, and negated patterns re-include paths.
func ReadTree(root string) ([]infill.SourceRecord, Stats, error) {
	ignores, err := newIgnoreContext(root)
	if err != nil {
		return nil, Stats{}, errors.WithMessagef(err, "sources: failed reading tree %q", root)
	}
	builder := newRecordBuilder(root)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || SkippedDirs.Has(name) || ignores.Ignored(path, true)) {
				return filepath.SkipDir
			}
			// Patterns of a directory apply to its whole sub-tree. WalkDir is depth-first, so the
			// patterns are only valid while inside the directory: they are domain restricted.
			return ignores.loadDir(path)
		}
		lang, found := SourceExtensions[strings.ToLower(filepath.Ext(name))]
		if !found || !d.Type().IsRegular() || ignores.Ignored(path, false) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxSourceFileSize {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		builder.add(string(content), filepath.ToSlash(relPath), lang.String())
		return nil
	})
	if err != nil {
		return nil, Stats{}, errors.Wrapf(err, "sources: failed reading tree %q", root)
	}
	records, stats := builder.done()
	return records, stats, nil
}
