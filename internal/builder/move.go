// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"fmt"
	"math/rand"
	"os"

	"crucible.build/pkg/internal/osutil"
)

// movePath renames src to dst.
// A read-only directory is temporarily made writable when not running as root,
// because rename must update the directory's ".." parent link.
func movePath(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("move %s to %s: %v", src, dst, err)
	}
	changePerm := os.Geteuid() != 0 && info.IsDir() && info.Mode()&0o200 == 0
	if changePerm {
		if err := os.Chmod(src, info.Mode().Perm()|0o200); err != nil {
			return fmt.Errorf("move %s to %s: %v", src, dst, err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %v", src, dst, err)
	}
	if changePerm {
		if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
			return fmt.Errorf("move %s to %s: %v", src, dst, err)
		}
	}
	return nil
}

// replaceValidPath swaps the store object at storePath
// for the tree at tmpPath.
// The replacement cannot be atomic,
// so the original is moved aside first
// and restored on a best-effort basis if the second rename fails.
// The two renames must not be interrupted:
// repairing a critical path would otherwise leave a broken store.
func replaceValidPath(storePath, tmpPath string) error {
	oldPath := fmt.Sprintf("%s.old-%d-%d", storePath, os.Getpid(), rand.Int31())
	moved := false
	if _, err := os.Lstat(storePath); err == nil {
		if err := movePath(storePath, oldPath); err != nil {
			return err
		}
		moved = true
	}

	if err := movePath(tmpPath, storePath); err != nil {
		if moved {
			// Attempt to recover the original.
			movePath(oldPath, storePath)
		}
		return err
	}

	if moved {
		if err := osutil.ForceRemoveAll(oldPath); err != nil {
			return fmt.Errorf("replace %s: remove displaced original: %v", storePath, err)
		}
	}
	return nil
}

// copyTreeFresh replaces the tree at path with a fresh copy of itself,
// so no stale open file descriptor can refer to the content
// that is about to be certified.
func copyTreeFresh(path string) error {
	tmpPath := path + ".tmp"
	src := openNARStream(path)
	defer src.close()
	if err := extractNARTo(tmpPath, src); err != nil {
		osutil.ForceRemoveAll(tmpPath)
		return fmt.Errorf("refresh %s: %v", path, err)
	}
	if err := osutil.ForceRemoveAll(path); err != nil {
		osutil.ForceRemoveAll(tmpPath)
		return fmt.Errorf("refresh %s: %v", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		osutil.ForceRemoveAll(tmpPath)
		return fmt.Errorf("refresh %s: %v", path, err)
	}
	return nil
}
