// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"os"
	"path/filepath"
)

// ForceRemoveAll removes the tree rooted at path
// even when its directories have been made read-only,
// as store objects are after canonicalization.
// Directories are made writable on the way down;
// errors during that pass are ignored
// since the subsequent removal reports anything that matters.
func ForceRemoveAll(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && info.IsDir() {
		filepath.WalkDir(path, func(p string, entry os.DirEntry, err error) error {
			if err == nil && entry.IsDir() {
				os.Chmod(p, 0o700)
			}
			return nil
		})
	}
	return os.RemoveAll(path)
}
