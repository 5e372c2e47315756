// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// cgroupStats are the CPU counters harvested from a build's cgroup.
type cgroupStats struct {
	user   time.Duration
	system time.Duration
}

// maybeCreateCgroup creates the per-build cgroup
// whenever a cgroup root is configured.
// Without a cgroup root it creates none, and UID-range builds
// (killing a whole range needs a cgroup) fail with an error.
// For UID-leased builds, the cgroup path is recorded under the state
// directory so a later build reusing the UID can destroy leftovers.
func (b *Builder) maybeCreateCgroup(ctx context.Context) (string, error) {
	if b.opts.CgroupRoot == "" {
		if b.drvOptions.useUIDRange() {
			return "", fmt.Errorf("derivation requires the %s feature, but no cgroup root is configured", FeatureUIDRange)
		}
		return "", nil
	}

	// Destroy leftovers from a previous build under the same UID.
	if b.buildUser != nil && b.opts.StateDir != "" {
		recordPath := b.cgroupRecordPath()
		if data, err := os.ReadFile(recordPath); err == nil {
			leftover := strings.TrimSpace(string(data))
			if leftover != "" {
				log.Debugf(ctx, "Destroying leftover cgroup %s", leftover)
				if _, err := destroyCgroup(ctx, leftover); err != nil && !errors.Is(err, os.ErrNotExist) {
					log.Warnf(ctx, "Destroying leftover cgroup %s: %v", leftover, err)
				}
			}
		}
	}

	name := fmt.Sprintf("nix-build-%d", os.Getpid())
	if b.buildUser != nil {
		name = fmt.Sprintf("nix-build-%d", b.buildUser.UID)
	}
	cgroupPath := filepath.Join(b.opts.CgroupRoot, name)
	if err := os.MkdirAll(cgroupPath, 0o755); err != nil {
		return "", fmt.Errorf("create cgroup %s: %v", cgroupPath, err)
	}

	if b.buildUser != nil {
		// The builder must be able to manage sub-cgroups.
		for _, control := range []string{"", "cgroup.procs", "cgroup.threads", "cgroup.subtree_control"} {
			p := filepath.Join(cgroupPath, control)
			if err := os.Chown(p, b.buildUser.UID, b.buildUser.GID); err != nil && !errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("create cgroup %s: %v", cgroupPath, err)
			}
		}
		if b.opts.StateDir != "" {
			recordPath := b.cgroupRecordPath()
			if err := os.MkdirAll(filepath.Dir(recordPath), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(recordPath, []byte(cgroupPath), 0o644); err != nil {
				return "", err
			}
		}
	}
	return cgroupPath, nil
}

func (b *Builder) cgroupRecordPath() string {
	return filepath.Join(b.opts.StateDir, "cgroups", strconv.Itoa(b.buildUser.UID))
}

func addPidToCgroup(cgroupPath string, pid int) error {
	return os.WriteFile(filepath.Join(cgroupPath, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

// destroyCgroup kills every process in the cgroup,
// harvests its CPU counters, and removes it.
// The kernel reports the counters in microseconds.
func destroyCgroup(ctx context.Context, cgroupPath string) (cgroupStats, error) {
	var stats cgroupStats
	if _, err := os.Stat(cgroupPath); err != nil {
		return stats, err
	}

	// cgroup.kill atomically kills the whole subtree on cgroup2.
	if err := os.WriteFile(filepath.Join(cgroupPath, "cgroup.kill"), []byte("1"), 0o644); err != nil {
		// Fallback for hierarchies without cgroup.kill:
		// signal the listed processes until the cgroup drains.
		killCgroupProcs(ctx, cgroupPath)
	}
	waitForCgroupEmpty(ctx, cgroupPath)

	if data, err := os.ReadFile(filepath.Join(cgroupPath, "cpu.stat")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			usec, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				continue
			}
			switch fields[0] {
			case "user_usec":
				stats.user = time.Duration(usec) * time.Microsecond
			case "system_usec":
				stats.system = time.Duration(usec) * time.Microsecond
			}
		}
	}

	// Sub-cgroups the build may have created must go first.
	entries, _ := os.ReadDir(cgroupPath)
	for _, entry := range entries {
		if entry.IsDir() {
			if _, err := destroyCgroup(ctx, filepath.Join(cgroupPath, entry.Name())); err != nil {
				log.Debugf(ctx, "Destroying sub-cgroup: %v", err)
			}
		}
	}
	if err := os.Remove(cgroupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return stats, fmt.Errorf("remove cgroup %s: %v", cgroupPath, err)
	}
	return stats, nil
}

func killCgroupProcs(ctx context.Context, cgroupPath string) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 {
			continue
		}
		unix.Kill(pid, unix.SIGKILL)
	}
}

func waitForCgroupEmpty(ctx context.Context, cgroupPath string) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
		if err != nil || len(strings.TrimSpace(string(data))) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	log.Warnf(ctx, "Timed out waiting for cgroup %s to drain", cgroupPath)
}
