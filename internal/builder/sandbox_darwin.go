// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"crucible.build/pkg/sets"
	"crucible.build/pkg/store"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// namespacesSupported is Linux-only machinery;
// macOS confinement uses sandbox profiles instead.
func namespacesSupported() bool {
	return false
}

// profileGroupLimit is the approximate size at which allow lists
// are split into multiple (allow …) groups:
// the profile language has a length ceiling per form.
const profileGroupLimit = 16 * 1024

// startChild spawns the builder process,
// wrapped in sandbox-exec when sandboxing is requested.
// There is no chroot on macOS:
// confinement comes from a deny-by-default sandbox profile.
func (b *Builder) startChild(ctx context.Context) (*startedChild, error) {
	master, slave, err := openBuilderPTY()
	if err != nil {
		return nil, err
	}

	var c *exec.Cmd
	if b.useChroot {
		profile := b.makeSandboxProfile()
		log.Debugf(ctx, "Generated sandbox profile:\n%s", profile)
		args := append([]string{"-p", profile, b.expandedDrv.Builder}, b.expandedDrv.Args...)
		c = exec.CommandContext(ctx, "/usr/bin/sandbox-exec", args...)
	} else {
		if string(b.store.Dir()) != b.store.RealDir() {
			master.Close()
			slave.Close()
			return nil, fmt.Errorf("store is unsandboxed and storage directory does not match store (%s)", b.store.Dir())
		}
		c = exec.CommandContext(ctx, b.expandedDrv.Builder, b.expandedDrv.Args...)
	}
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
	c.Env = sortedEnv(b.env)
	c.Dir = b.tmpDir
	c.Stdin, err = os.Open(os.DevNull)
	if err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	c.Stdout = slave
	c.Stderr = slave
	// TODO(someday): On aarch64, set the CPU binpref via posix_spawn
	// attributes to select between Rosetta and native execution.
	// The kern.curproc_arch_affinity sysctl this relies on is undocumented.
	c.SysProcAttr = sysProcAttrForUser(b.buildUser)

	if err := c.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	slave.Close()
	return &startedChild{cmd: c, ptyMaster: master}, nil
}

// makeSandboxProfile generates the sandbox-exec profile:
// deny by default, then allow file access and exec
// on the scratch outputs, every sandbox path, the build directory,
// and read access on every ancestor directory
// (lots of file functions freak out
// if they can't stat their full ancestry for realpath).
func (b *Builder) makeSandboxProfile() string {
	sb := new(strings.Builder)
	sb.WriteString("(version 1)\n")
	sb.WriteString("(deny default (with no-log))\n")
	sb.WriteString("(allow process-fork)\n")
	sb.WriteString("(allow sysctl-read)\n")
	sb.WriteString("(allow signal (target same-sandbox))\n")
	if !b.derivationKind.isSandboxed() || b.drvOptions.allowLocalNetworking {
		sb.WriteString("(allow network*)\n")
		sb.WriteString("(allow system-socket)\n")
	}

	var rwPaths []string
	rwPaths = append(rwPaths, b.topTmpDir, os.TempDir())
	for _, scratch := range b.scratchOutputs {
		rwPaths = append(rwPaths, b.store.RealPath(scratch))
	}
	for _, src := range b.opts.SandboxPaths {
		if _, err := os.Lstat(src.Source); err == nil || !src.Optional {
			rwPaths = append(rwPaths, src.Source)
		}
	}
	for p := range b.inputPaths.Values() {
		rwPaths = append(rwPaths, b.store.RealPath(p))
	}
	sort.Strings(rwPaths)

	writeAllowGroups(sb, "file-read* file-write* process-exec", rwPaths, func(p string) string {
		return fmt.Sprintf("\t(subpath %s)\n", profileQuote(p))
	})

	// Ancestor chains, read-only.
	ancestors := make(sets.Set[string])
	addAncestors := func(p string) {
		for cur := filepath.Dir(p); cur != "/" && cur != "."; cur = filepath.Dir(cur) {
			ancestors.Add(cur)
		}
	}
	for _, p := range rwPaths {
		addAncestors(p)
	}
	addAncestors(b.store.RealDir() + "/x")
	ancestorList := make([]string, 0, ancestors.Len())
	for p := range ancestors.All() {
		ancestorList = append(ancestorList, p)
	}
	sort.Strings(ancestorList)
	writeAllowGroups(sb, "file-read*", ancestorList, func(p string) string {
		return fmt.Sprintf("\t(literal %s)\n", profileQuote(p))
	})

	if b.drvOptions.sandboxProfile != "" {
		sb.WriteString(b.drvOptions.sandboxProfile)
		sb.WriteString("\n")
	}
	return sb.String()
}

// writeAllowGroups emits (allow …) forms,
// splitting the entry list at the profile-language length ceiling.
func writeAllowGroups(sb *strings.Builder, operations string, paths []string, entry func(string) string) {
	open := false
	groupSize := 0
	for _, p := range paths {
		e := entry(p)
		if open && groupSize+len(e) > profileGroupLimit {
			sb.WriteString(")\n")
			open = false
		}
		if !open {
			fmt.Fprintf(sb, "(allow %s\n", operations)
			groupSize = 0
			open = true
		}
		sb.WriteString(e)
		groupSize += len(e)
	}
	if open {
		sb.WriteString(")\n")
	}
}

func profileQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// materializeInSandbox has no Linux-style mount namespace to enter.
func (b *Builder) materializeInSandbox(ctx context.Context, path store.Path) error {
	return fmt.Errorf("don't know how to make path '%s' appear in the sandbox on this platform", path)
}

// KillSandbox terminates every process of the build.
// It is idempotent; without cgroups the UID-wide kill does the work.
func (b *Builder) KillSandbox(ctx context.Context) {
	if b.buildUser != nil && b.buildUser.UID != 0 {
		if err := killUser(ctx, b.buildUser.UID); err != nil {
			log.Errorf(ctx, "Killing processes of uid %d: %v", b.buildUser.UID, err)
		}
	}
	if b.child != nil && b.child.cmd != nil && b.child.cmd.Process != nil {
		b.child.cmd.Process.Kill()
	}
}

// maybeCreateCgroup is a Linux-only concern.
func (b *Builder) maybeCreateCgroup(ctx context.Context) (string, error) {
	return "", nil
}
