// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

//go:build unix

package main

import (
	"os"
	"path/filepath"

	"go4.org/xdgdir"
)

func defaultConfigPath() string {
	if p := xdgdir.Config.Path(); p != "" {
		return filepath.Join(p, "crucible", "config.jsonc")
	}
	return ""
}

// defaultStateDir is where the store database, daemon socket,
// and per-UID cgroup records live.
func defaultStateDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/crucible"
	}
	if p := xdgdir.Data.Path(); p != "" {
		return filepath.Join(p, "crucible")
	}
	return filepath.Join(os.TempDir(), "crucible")
}
