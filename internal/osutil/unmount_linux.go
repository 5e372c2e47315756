// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package osutil

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// UnmountNoFollow is the flag to [unix.Unmount] that prevents it
// from following symbolic links.
const UnmountNoFollow = unix.UMOUNT_NOFOLLOW

// UnmountAndRemoveAll removes the filesystem tree rooted at path,
// lazily detaching any mounts inside it first.
// It is used to tear down chroot directories that may still contain
// bind mounts from an aborted build.
func UnmountAndRemoveAll(path string) error {
	mounts, err := mountsUnder(path)
	if err != nil {
		return fmt.Errorf("remove %s: %v", path, err)
	}
	// Deepest first, so nested mounts detach before their parents.
	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i]) > len(mounts[j])
	})
	for _, m := range mounts {
		if err := unix.Unmount(m, unix.MNT_DETACH|UnmountNoFollow); err != nil && err != unix.EINVAL && err != unix.ENOENT {
			return fmt.Errorf("remove %s: unmount %s: %v", path, m, err)
		}
	}
	return os.RemoveAll(path)
}

// mountsUnder returns the mount points from /proc/self/mounts
// that are equal to or beneath the given path.
func mountsUnder(path string) ([]string, error) {
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	prefix := strings.TrimSuffix(path, "/") + "/"
	var result []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		mountPoint := unescapeMountPoint(fields[1])
		if mountPoint == path || strings.HasPrefix(mountPoint, prefix) {
			result = append(result, mountPoint)
		}
	}
	return result, s.Err()
}

// unescapeMountPoint decodes the octal escapes
// that the kernel uses for spaces and other separators in mount paths.
func unescapeMountPoint(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	sb := new(strings.Builder)
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			var c byte
			for _, d := range []byte(s[i+1 : i+4]) {
				c = c<<3 | (d - '0')
			}
			sb.WriteByte(c)
			i += 3
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
