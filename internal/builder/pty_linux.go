// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)
