// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// specFD is the inherited descriptor carrying the sandbox spec.
const specFD = 3

// SandboxInitMain is the entry point of the sandbox-init subcommand.
// It never returns: it either execs the builder
// or exits after reporting an error over the setup channel (stderr).
func SandboxInitMain() {
	if err := sandboxInit(); err != nil {
		writeSetupError(os.Stderr, err)
		os.Exit(1)
	}
	// Unreachable: sandboxInit ends in exec.
	os.Exit(1)
}

func sandboxInit() error {
	// Reading the spec doubles as the go-ahead signal:
	// the parent writes it only after recording our namespaces
	// and placing us into the cgroup.
	specFile := os.NewFile(specFD, "sandbox-spec")
	if specFile == nil {
		return fmt.Errorf("sandbox spec descriptor missing")
	}
	specJSON, err := io.ReadAll(specFile)
	specFile.Close()
	if err != nil {
		return fmt.Errorf("read sandbox spec: %v", err)
	}
	spec := new(sandboxSpec)
	if err := json.Unmarshal(specJSON, spec); err != nil {
		return fmt.Errorf("parse sandbox spec: %v", err)
	}

	if spec.FilterSyscalls {
		if err := setupSeccomp(spec.AllowNewPrivileges); err != nil {
			return err
		}
	}

	if err := unix.Sethostname([]byte("localhost")); err != nil {
		return fmt.Errorf("cannot set host name: %v", err)
	}
	if err := unix.Setdomainname([]byte("(none)")); err != nil {
		return fmt.Errorf("cannot set domain name: %v", err)
	}

	if !spec.Network {
		if err := bringUpLoopback(); err != nil {
			return err
		}
	}

	if err := setupSandboxMounts(spec); err != nil {
		return err
	}

	// Save this mount namespace for the parent's setns helpers
	// by unsharing before the pivot:
	// the pre-pivot namespace still sees the host filesystem,
	// and the shared store subtree propagates later bind mounts in.
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("unsharing mount namespace: %v", err)
	}
	// A fresh cgroup namespace makes /proc/self/cgroup show "/".
	unix.Unshare(unix.CLONE_NEWCGROUP)

	if err := pivotIntoChroot(spec.ChrootRoot); err != nil {
		return err
	}

	if err := switchSandboxUser(spec); err != nil {
		return err
	}

	if err := unix.Chdir(spec.WorkDir); err != nil {
		return fmt.Errorf("changing into '%s': %v", spec.WorkDir, err)
	}

	closeExtraFDs()

	if spec.Personality != "" {
		if err := setPersonality(spec.Personality); err != nil {
			return err
		}
	}

	// Disable core dumps.
	unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: unix.RLIM_INFINITY})

	if err := writeSetupReady(os.Stderr); err != nil {
		return err
	}

	argv := append([]string{spec.Builder}, spec.Args...)
	if err := unix.Exec(spec.Builder, argv, spec.Env); err != nil {
		return fmt.Errorf("executing '%s': %v", spec.Builder, err)
	}
	return nil
}

// setupSandboxMounts stages every mount of the chroot tree.
// It runs in the namespace the parent saved,
// before the final unshare and pivot_root.
func setupSandboxMounts(spec *sandboxSpec) error {
	chroot := spec.ChrootRoot

	// Subtrees mounted shared (systemd does this) propagate mounts
	// outside the namespace; making everything private is local to it.
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("unable to make '/' private: %v", err)
	}

	// pivot_root requires the new root to be a mount point.
	if err := unix.Mount(chroot, chroot, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("unable to bind mount '%s': %v", chroot, err)
	}

	// Mark the store inside the chroot as a shared subtree
	// so bind mounts made in this namespace propagate into
	// the namespace created by the later unshare.
	// (Marking the chroot root itself shared makes pivot_root fail.)
	chrootStoreDir := filepath.Join(chroot, spec.StoreDir)
	if err := unix.Mount(chrootStoreDir, chrootStoreDir, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("unable to bind mount the store: %v", err)
	}
	if err := unix.Mount("", chrootStoreDir, "", unix.MS_SHARED, ""); err != nil {
		return fmt.Errorf("unable to make '%s' shared: %v", chrootStoreDir, err)
	}

	// The work directory.
	if err := bindMount(spec.RealWorkDir, filepath.Join(chroot, spec.WorkDir), false); err != nil {
		return err
	}

	// A nearly empty /dev.
	devDir := filepath.Join(chroot, "dev")
	if _, managed := spec.Paths["/dev"]; !managed {
		if err := os.MkdirAll(filepath.Join(devDir, "shm"), 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(devDir, "pts"), 0o755); err != nil {
			return err
		}
		devices := []string{"/dev/full", "/dev/null", "/dev/random", "/dev/tty", "/dev/urandom", "/dev/zero"}
		if spec.KVM {
			devices = append(devices, "/dev/kvm")
		}
		for _, dev := range devices {
			if err := bindMount(dev, filepath.Join(chroot, dev), true); err != nil {
				return err
			}
		}
		for link, target := range map[string]string{
			"fd":     "/proc/self/fd",
			"stdin":  "/proc/self/fd/0",
			"stdout": "/proc/self/fd/1",
			"stderr": "/proc/self/fd/2",
		} {
			if err := os.Symlink(target, filepath.Join(devDir, link)); err != nil {
				return err
			}
		}
	}

	// Everything the plan asks for.
	for target, src := range spec.Paths {
		if src.Source == "/proc" {
			// A fresh procfs is always mounted below.
			continue
		}
		if err := bindMount(src.Source, filepath.Join(chroot, target), src.Optional); err != nil {
			return err
		}
	}

	// A fresh procfs for the new PID namespace.
	procDir := filepath.Join(chroot, "proc")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("none", procDir, "proc", 0, ""); err != nil {
		return fmt.Errorf("mounting /proc: %v", err)
	}

	// UID-range builds (containers within the build) want /sys.
	if spec.UsingUserNS && spec.DropUID == 0 && isUIDRangeSpec(spec) {
		sysDir := filepath.Join(chroot, "sys")
		if err := os.MkdirAll(sysDir, 0o755); err != nil {
			return err
		}
		if err := unix.Mount("none", sysDir, "sysfs", 0, ""); err != nil {
			return fmt.Errorf("mounting /sys: %v", err)
		}
	}

	// A fresh tmpfs on /dev/shm so whatever the builder puts there
	// is cleaned up automatically.
	if _, err := os.Lstat("/dev/shm"); err == nil {
		opts := "size=" + spec.ShmSize
		if err := unix.Mount("none", filepath.Join(devDir, "shm"), "tmpfs", 0, opts); err != nil {
			return fmt.Errorf("mounting /dev/shm: %v", err)
		}
	}

	// A new devpts instance, when the kernel supports it
	// (it does iff /dev/pts/ptmx exists).
	ptmxInChroot := filepath.Join(devDir, "ptmx")
	_, hostPtmxErr := os.Lstat("/dev/pts/ptmx")
	_, chrootPtmxErr := os.Lstat(ptmxInChroot)
	_, ptsManaged := spec.Paths["/dev/pts"]
	if hostPtmxErr == nil && chrootPtmxErr != nil && !ptsManaged {
		ptsDir := filepath.Join(devDir, "pts")
		err := unix.Mount("none", ptsDir, "devpts", 0, "newinstance,mode=0620")
		switch {
		case err == nil:
			if err := os.Symlink("/dev/pts/ptmx", ptmxInChroot); err != nil {
				return err
			}
			// Some kernel versions create ptmx with mode 0.
			if err := os.Chmod(filepath.Join(ptsDir, "ptmx"), 0o666); err != nil {
				return err
			}
		case err == unix.EINVAL:
			// No multiple-instance support. Fall back to bind mounts.
			if err := bindMount("/dev/pts", ptsDir, false); err != nil {
				return err
			}
			if err := bindMount("/dev/ptmx", ptmxInChroot, false); err != nil {
				return err
			}
		default:
			return fmt.Errorf("mounting /dev/pts: %v", err)
		}
	}

	if !isUIDRangeSpec(spec) {
		if err := os.Chmod(filepath.Join(chroot, "etc"), 0o555); err != nil {
			return err
		}
	}
	return nil
}

// isUIDRangeSpec reports whether the sandbox maps a whole UID range,
// in which case the builder is root inside the namespace.
func isUIDRangeSpec(spec *sandboxSpec) bool {
	return spec.UsingUserNS && spec.DropUID == 0 && os.Getuid() == 0
}

// bindMount makes source appear at target.
// Directories are bind-mounted recursively;
// symlinks are recreated (they cannot be bind-mounted);
// other files are bind-mounted over a zero-byte stub.
// Optional entries are silently skipped when source is absent.
func bindMount(source, target string, optional bool) error {
	info, err := os.Lstat(source)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("getting attributes of path '%s': %v", source, err)
	}

	switch {
	case info.IsDir():
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("bind mount '%s' to '%s': %v", source, target, err)
		}
		if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount '%s' to '%s': %v", source, target, err)
		}
	case info.Mode()&os.ModeSymlink != 0:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("bind mount '%s' to '%s': %v", source, target, err)
		}
		linkTarget, err := os.Readlink(source)
		if err != nil {
			return fmt.Errorf("bind mount '%s' to '%s': %v", source, target, err)
		}
		if err := os.Symlink(linkTarget, target); err != nil {
			return fmt.Errorf("bind mount '%s' to '%s': %v", source, target, err)
		}
	default:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("bind mount '%s' to '%s': %v", source, target, err)
		}
		if err := os.WriteFile(target, nil, 0o666); err != nil {
			return fmt.Errorf("bind mount '%s' to '%s': %v", source, target, err)
		}
		if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount '%s' to '%s': %v", source, target, err)
		}
	}
	return nil
}

func pivotIntoChroot(chroot string) error {
	if err := unix.Chdir(chroot); err != nil {
		return fmt.Errorf("cannot change directory to '%s': %v", chroot, err)
	}
	if err := os.Mkdir("real-root", 0o500); err != nil {
		return fmt.Errorf("cannot create real-root directory: %v", err)
	}
	if err := unix.PivotRoot(".", "real-root"); err != nil {
		return fmt.Errorf("cannot pivot old root directory onto '%s': %v", filepath.Join(chroot, "real-root"), err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("cannot change root directory to '%s': %v", chroot, err)
	}
	if err := unix.Unmount("real-root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("cannot unmount real root filesystem: %v", err)
	}
	if err := os.Remove("real-root"); err != nil {
		return fmt.Errorf("cannot remove real-root directory: %v", err)
	}
	return nil
}

// switchSandboxUser drops to the identity the builder runs as.
// With a user namespace, the UID map already confines us,
// and setuid targets the in-namespace identity.
func switchSandboxUser(spec *sandboxSpec) error {
	uid, gid := sandboxUID, sandboxGID
	if spec.UsingUserNS {
		if isUIDRangeSpec(spec) {
			uid, gid = 0, 0
		}
	} else if spec.DropUID != 0 {
		uid, gid = spec.DropUID, spec.DropGID
	} else {
		// Already unprivileged with no user to switch to.
		return nil
	}

	if err := unix.Setgroups([]int{gid}); err != nil && err != unix.EPERM {
		return fmt.Errorf("cannot set supplementary groups: %v", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid failed: %v", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid failed: %v", err)
	}
	return nil
}

func bringUpLoopback() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_IP)
	if err != nil {
		return fmt.Errorf("cannot open IP socket: %v", err)
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq("lo")
	if err != nil {
		return err
	}
	ifr.SetUint16(unix.IFF_UP | unix.IFF_LOOPBACK | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("cannot set loopback interface flags: %v", err)
	}
	return nil
}

func closeExtraFDs() {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return
	}
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil || fd <= 2 {
			continue
		}
		unix.Close(fd)
	}
}

const perLinux32 = 0x0008

func setPersonality(p string) error {
	switch p {
	case "linux32":
		if _, _, errno := unix.Syscall(unix.SYS_PERSONALITY, perLinux32, 0, 0); errno != 0 {
			return fmt.Errorf("cannot set 32-bit personality: %v", errno)
		}
		return nil
	default:
		return fmt.Errorf("unknown personality %q", p)
	}
}

// SandboxMountMain is the entry point of the sandbox-mount subcommand.
// It enters the namespaces passed as inherited descriptors
// (mount on fd 3, optionally user on fd 4)
// and bind-mounts args[0] onto the chroot-relative path args[1].
func SandboxMountMain(args []string) {
	if err := sandboxMount(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func sandboxMount(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s <source> <target>", sandboxMountCommand)
	}
	source, target := args[0], args[1]

	// fd 4 is the user namespace, when one is in use.
	if _, err := os.Stat("/proc/self/fd/4"); err == nil {
		if err := unix.Setns(4, unix.CLONE_NEWUSER); err != nil {
			return fmt.Errorf("entering sandbox user namespace: %v", err)
		}
	}
	if err := unix.Setns(specFD, unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("entering sandbox mount namespace: %v", err)
	}
	return bindMount(source, target, false)
}
