// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// Package osutil provides convenience functions for working with the local filesystem.
package osutil

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"
)

const (
	rootUID = 0
	rootGID = 0
)

// MkdirPerm creates a new directory with the given permission bits
// regardless of the umask.
func MkdirPerm(name string, perm os.FileMode) error {
	if err := os.Mkdir(name, perm); err != nil {
		return err
	}
	return os.Chmod(name, perm)
}

// WriteFilePerm writes data to the named file, creating it if necessary,
// and ensures it has the given permission bits regardless of the umask.
func WriteFilePerm(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %v", name, err)
	}
	err = f.Chmod(perm)
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("write %s: %v", name, err)
	}
	return nil
}

// FirstPresentFile returns the first path in the sequence
// that exists in the filesystem,
// or an error if no path could be found.
func FirstPresentFile(paths iter.Seq[string]) (string, error) {
	var firstError, firstUnexpectedError error
	for path := range paths {
		_, err := os.Lstat(path)
		switch {
		case err == nil:
			return path, nil
		case !errors.Is(err, os.ErrNotExist):
			if firstUnexpectedError == nil {
				firstUnexpectedError = err
			}
		default:
			if firstError == nil {
				firstError = err
			}
		}
	}
	if firstUnexpectedError != nil {
		return "", firstUnexpectedError
	}
	if firstError == nil {
		firstError = errors.New("no files searched")
	}
	return "", firstError
}

// MkdirAllInRoot is like [os.MkdirAll],
// but every directory is created through root,
// so the path cannot traverse a symbolic link out of it.
func MkdirAllInRoot(root *os.Root, dir string, perm os.FileMode) error {
	if dir == "." || dir == "" {
		return nil
	}
	if parent := filepath.Dir(dir); parent != "." && parent != dir {
		if err := MkdirAllInRoot(root, parent, perm); err != nil {
			return err
		}
	}
	err := root.Mkdir(dir, perm)
	if err == nil || errors.Is(err, os.ErrExist) {
		return nil
	}
	return err
}

// IsRoot reports whether the process is running as the Unix root user.
func IsRoot() bool {
	return runtime.GOOS != "windows" && os.Geteuid() == rootUID
}

// MakePublicReadOnly removes write permission on the filesystem object
// at the given path and adds read permission for all users,
// recursing into directories.
//
// If onError is not nil, it is consulted for every error encountered;
// its return value is handled in the same manner as in [io/fs.WalkDirFunc].
func MakePublicReadOnly(path string, onError func(error) error) error {
	if onError == nil {
		onError = func(err error) error { return err }
	}
	return filepath.WalkDir(path, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return onError(err)
		}
		if entry.Type() == os.ModeSymlink {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return onError(err)
		}
		const permMask = os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky
		existingMode := info.Mode() & permMask

		newMode := (existingMode | 0o444) &^ (0o222 | os.ModeSetuid | os.ModeSetgid)
		if entry.IsDir() || existingMode&0o111 != 0 {
			newMode |= 0o111
		}
		if err := os.Chmod(path, newMode); err != nil {
			return onError(err)
		}

		if IsRoot() {
			if err := os.Chown(path, rootUID, rootGID); err != nil {
				return onError(err)
			}
		}

		return nil
	})
}
