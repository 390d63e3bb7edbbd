// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"context"
	"path/filepath"

	"github.com/gomlx/infill/pkg/ml/data/objectstore"
	"github.com/gomlx/infill/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FetchShards downloads the records files (those with a known format) under prefix in the store
// into cacheDir, and returns their local paths, sorted. Files already in cacheDir are not downloaded again.
func FetchShards(ctx context.Context, store *objectstore.Store, prefix, cacheDir string) ([]string, error) {
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, key := range keys {
		if FormatFromPath(key) == FormatUnknown {
			continue
		}
		localPath := filepath.Join(cacheDir, filepath.FromSlash(key))
		exists, err := fsutil.FileExists(localPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			klog.Infof("Downloading %s/%s to %q", store, key, localPath)
			if err := store.Download(ctx, key, localPath); err != nil {
				return nil, err
			}
		}
		paths = append(paths, localPath)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("sources: no records files found in %s under %q", store, prefix)
	}
	return paths, nil
}
