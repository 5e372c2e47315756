// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

//go:build unix

package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// epoch is the timestamp every store object's files are clamped to.
const epoch = 1

// inodeKey identifies an inode across the outputs of one build.
type inodeKey struct {
	dev uint64
	ino uint64
}

// inodeSet records inodes already canonicalized during a build.
// It is shared across outputs so hard links between outputs
// are processed once and keep their metadata consistent.
type inodeSet map[inodeKey]struct{}

// canonicalizePathMetaData normalizes the metadata of the tree at path:
// setuid and setgid bits are stripped,
// permissions are reset to 0444 (or 0555 when any execute bit was set),
// and modification times are clamped to the epoch.
// uidRange, when non-nil, is the [first, last] UID interval of the build user;
// files owned outside the range are rejected as hostile.
func canonicalizePathMetaData(path string, uidRange *[2]int, seen inodeSet) error {
	return filepath.WalkDir(path, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("canonicalize %s: no stat info", p)
		}

		if uidRange != nil {
			uid := int(st.Uid)
			if uid < uidRange[0] || uid > uidRange[1] {
				return buildErrorf("output '%s' has files owned by uid %d outside of the build user range", path, uid)
			}
		}

		key := inodeKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}
		if _, done := seen[key]; done {
			return nil
		}
		seen[key] = struct{}{}

		if entry.Type() == os.ModeSymlink {
			// Symlink times are irrelevant to the NAR serialization
			// and permissions cannot be changed portably.
			return nil
		}

		mode := info.Mode()
		if mode&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky) != 0 || mode.Perm() != canonicalPerm(mode) {
			if err := os.Chmod(p, canonicalPerm(mode)); err != nil {
				return fmt.Errorf("canonicalize %s: %v", p, err)
			}
		}

		epochTime := unix.NsecToTimespec(time.Unix(epoch, 0).UnixNano())
		times := []unix.Timespec{epochTime, epochTime}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, p, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fmt.Errorf("canonicalize %s: clamp mtime: %v", p, err)
		}
		return nil
	})
}

func canonicalPerm(mode os.FileMode) os.FileMode {
	if mode.IsDir() || mode&0o111 != 0 {
		return 0o555
	}
	return 0o444
}

// availableDiskSpace returns the number of bytes available
// to unprivileged users on the filesystem containing path.
func availableDiskSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
