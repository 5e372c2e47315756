// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package osutil

import "os"

// UnmountNoFollow is zero on platforms without umount2 flags.
const UnmountNoFollow = 0

// UnmountAndRemoveAll removes the filesystem tree rooted at path.
// Only Linux sandboxes create mounts, so elsewhere this is a plain removal.
func UnmountAndRemoveAll(path string) error {
	return os.RemoveAll(path)
}
