// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

//go:build unix

package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// Re-exec subcommands. A Go process cannot fork,
// so helper work happens in fresh invocations of the current executable.
// The enclosing command must route these to the matching *Main functions.
const (
	// sandboxInitCommand runs inside the build's namespaces:
	// it stages the chroot, pivots into it, and execs the builder.
	sandboxInitCommand = "sandbox-init"
	// sandboxMountCommand enters a live sandbox's mount namespace
	// and bind-mounts one additional store path.
	sandboxMountCommand = "sandbox-mount"
	// sandboxKillCommand runs as the build user
	// and kills every process with those credentials.
	sandboxKillCommand = "sandbox-kill"
)

// SandboxInitCommandName exposes the init subcommand name
// for registration by the enclosing command.
const SandboxInitCommandName = sandboxInitCommand

// SandboxMountCommandName exposes the mount subcommand name.
const SandboxMountCommandName = sandboxMountCommand

// SandboxKillCommandName exposes the kill subcommand name.
const SandboxKillCommandName = sandboxKillCommand

func selfExecutable() (string, error) {
	if p, err := os.Executable(); err == nil {
		return p, nil
	}
	return filepath.EvalSymlinks("/proc/self/exe")
}

func sysProcAttrForUser(user *BuildUser) *syscall.SysProcAttr {
	if user == nil {
		return &syscall.SysProcAttr{Setsid: true}
	}
	groups := make([]uint32, 0, len(user.SupplementaryGroups))
	for _, g := range user.SupplementaryGroups {
		groups = append(groups, uint32(g))
	}
	return &syscall.SysProcAttr{
		Setsid: true,
		Credential: &syscall.Credential{
			Uid:    uint32(user.UID),
			Gid:    uint32(user.GID),
			Groups: groups,
		},
	}
}

// killUser kills every process running under the given UID.
// The kill happens in a re-exec'd helper running as that user,
// because kill(-1) acts on the caller's credentials.
func killUser(ctx context.Context, uid int) error {
	self, err := selfExecutable()
	if err != nil {
		return err
	}
	c := exec.CommandContext(ctx, self, sandboxKillCommand)
	c.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid)},
	}
	out, err := c.CombinedOutput()
	if err != nil {
		// A failed kill is logged, not returned.
		log.Debugf(ctx, "kill helper for uid %d: %v (%s)", uid, err, out)
	}
	return nil
}

// SandboxKillMain is the entry point of the sandbox-kill subcommand.
// The parent starts it with the build user's credentials;
// kill(-1) then signals every process of that user.
func SandboxKillMain() {
	if os.Getuid() == 0 {
		fmt.Fprintln(os.Stderr, "refusing to kill(-1) as root")
		os.Exit(1)
	}
	for {
		err := unix.Kill(-1, unix.SIGKILL)
		if err == unix.ESRCH {
			os.Exit(0)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
