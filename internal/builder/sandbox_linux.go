// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/internal/system"
	"crucible.build/pkg/store"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// sandboxUID and sandboxGID are the identities the builder sees
// inside the user namespace for single-UID builds.
const (
	sandboxUID = 1000
	sandboxGID = 100
)

// sandboxSpec is the plan handed to the sandbox-init process
// over an inherited pipe.
// The init process performs the mounts in its own namespaces
// and then executes the builder.
type sandboxSpec struct {
	ChrootRoot   string `json:"chrootRoot"`
	StoreDir     string `json:"storeDir"`
	RealStoreDir string `json:"realStoreDir"`
	WorkDir      string `json:"workDir"`
	RealWorkDir  string `json:"realWorkDir"`

	// Paths maps sandbox targets to host sources to materialize.
	Paths map[string]SandboxSource `json:"paths"`

	Network     bool   `json:"network"`
	KVM         bool   `json:"kvm"`
	ShmSize     string `json:"shmSize,omitempty"`
	UsingUserNS bool   `json:"usingUserNamespace"`

	// DropUID and DropGID are the credentials to switch to
	// before exec when no user namespace is in use.
	DropUID int `json:"dropUid"`
	DropGID int `json:"dropGid"`

	FilterSyscalls     bool   `json:"filterSyscalls"`
	AllowNewPrivileges bool   `json:"allowNewPrivileges"`
	Personality        string `json:"personality,omitempty"`

	Builder string   `json:"builder"`
	Args    []string `json:"args"`
	Env     []string `json:"env"`
}

// namespacesSupported reports whether the kernel exposes
// the mount, PID, and user namespaces the sandbox needs.
func namespacesSupported() bool {
	for _, ns := range []string{"mnt", "pid", "uts", "ipc"} {
		if _, err := os.Stat("/proc/self/ns/" + ns); err != nil {
			return false
		}
	}
	if os.Geteuid() != 0 {
		// Unprivileged sandboxes additionally need user namespaces.
		if _, err := os.Stat("/proc/self/ns/user"); err != nil {
			return false
		}
		if data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil &&
			len(data) > 0 && data[0] == '0' {
			return false
		}
	}
	return true
}

// startChild spawns the builder process.
// Sandboxed builds re-exec the current executable in fresh namespaces;
// the init side (see SandboxInitMain) stages the chroot and execs the builder.
func (b *Builder) startChild(ctx context.Context) (*startedChild, error) {
	if !b.useChroot {
		return b.startUnsandboxedChild(ctx)
	}

	if err := b.setupChrootSkeleton(ctx); err != nil {
		return nil, err
	}

	spec, err := b.makeSandboxSpec(ctx)
	if err != nil {
		return nil, err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	master, slave, err := openBuilderPTY()
	if err != nil {
		return nil, err
	}

	self, err := selfExecutable()
	if err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}

	c := exec.CommandContext(ctx, self, sandboxInitCommand)
	c.Stdin, err = os.Open(os.DevNull)
	if err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	c.Stdout = slave
	c.Stderr = slave
	// The spec travels over an inherited pipe rather than argv
	// so it never shows up in /proc/<pid>/cmdline.
	c.ExtraFiles = []*os.File{}
	specReader, specWriter, err := os.Pipe()
	if err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	c.ExtraFiles = append(c.ExtraFiles, specReader)

	attr := &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS,
		Setsid:     true,
	}
	if !spec.Network {
		attr.Cloneflags |= syscall.CLONE_NEWNET
	}
	if spec.UsingUserNS {
		// The Go runtime writes uid_map, "setgroups deny", and gid_map
		// in the order the kernel requires.
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		hostUID := os.Geteuid()
		hostGID := os.Getegid()
		mappedUID := sandboxUID
		mappedGID := sandboxGID
		count := 1
		if b.buildUser != nil {
			hostUID = b.buildUser.UID
			hostGID = b.buildUser.GID
			if b.drvOptions.useUIDRange() {
				mappedUID = 0
				mappedGID = 0
				count = b.buildUser.UIDCount
			}
		}
		attr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: mappedUID, HostID: hostUID, Size: count},
		}
		attr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: mappedGID, HostID: hostGID, Size: count},
		}
		attr.GidMappingsEnableSetgroups = false
	}
	c.SysProcAttr = attr

	cgroupPath, err := b.maybeCreateCgroup(ctx)
	if err != nil {
		master.Close()
		slave.Close()
		specReader.Close()
		specWriter.Close()
		return nil, err
	}

	if err := c.Start(); err != nil {
		master.Close()
		slave.Close()
		specReader.Close()
		specWriter.Close()
		return nil, fmt.Errorf("start sandboxed builder: %v", err)
	}
	slave.Close()
	specReader.Close()

	if cgroupPath != "" {
		if err := addPidToCgroup(cgroupPath, c.Process.Pid); err != nil {
			log.Warnf(ctx, "Failed to place builder in cgroup %s: %v", cgroupPath, err)
		}
	}

	// Retain namespace descriptors for later setns use by AddDependency.
	child := &startedChild{
		cmd:               c,
		ptyMaster:         master,
		usesSetupProtocol: true,
		cgroupPath:        cgroupPath,
	}
	pid := c.Process.Pid
	child.mountNS, err = os.Open(fmt.Sprintf("/proc/%d/ns/mnt", pid))
	if err != nil {
		log.Warnf(ctx, "Failed to retain mount namespace of builder: %v", err)
	}
	if spec.UsingUserNS {
		child.userNS, err = os.Open(fmt.Sprintf("/proc/%d/ns/user", pid))
		if err != nil {
			log.Warnf(ctx, "Failed to retain user namespace of builder: %v", err)
		}
	}

	// Hand the spec to the init process and signal that
	// the parent-side setup (cgroup, namespaces) is complete.
	if _, err := specWriter.Write(specJSON); err != nil {
		specWriter.Close()
		c.Process.Kill()
		c.Wait()
		master.Close()
		return nil, fmt.Errorf("start sandboxed builder: send spec: %v", err)
	}
	specWriter.Close()

	return child, nil
}

func (b *Builder) startUnsandboxedChild(ctx context.Context) (*startedChild, error) {
	if string(b.store.Dir()) != b.store.RealDir() {
		return nil, fmt.Errorf("store is unsandboxed and storage directory does not match store (%s)", b.store.Dir())
	}

	master, slave, err := openBuilderPTY()
	if err != nil {
		return nil, err
	}
	c := exec.CommandContext(ctx, b.expandedDrv.Builder, b.expandedDrv.Args...)
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
	c.SysProcAttr = sysProcAttrForUser(b.buildUser)

	if err := c.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	slave.Close()
	return &startedChild{cmd: c, ptyMaster: master}, nil
}

// makeSandboxSpec assembles the mount and exec plan
// for the sandbox-init process.
func (b *Builder) makeSandboxSpec(ctx context.Context) (*sandboxSpec, error) {
	spec := &sandboxSpec{
		ChrootRoot:   b.chrootRootDir,
		StoreDir:     string(b.store.Dir()),
		RealStoreDir: b.store.RealDir(),
		WorkDir:      b.opts.SandboxBuildDir,
		RealWorkDir:  b.tmpDir,
		Network:      !b.derivationKind.isSandboxed(),
		KVM:          b.drvOptions.requiredFeatures.Has(FeatureKVM) && hostHasKVM(),
		ShmSize:      "50%",
		UsingUserNS:  os.Geteuid() != 0,

		FilterSyscalls:     true,
		AllowNewPrivileges: false,

		Builder: b.expandedDrv.Builder,
		Args:    b.expandedDrv.Args,
		Env:     sortedEnv(b.env),

		Paths: make(map[string]SandboxSource),
	}

	if !spec.UsingUserNS && b.buildUser != nil {
		spec.DropUID = b.buildUser.UID
		spec.DropGID = b.buildUser.GID
	}

	// 32-bit builds on 64-bit hosts run under a 32-bit personality
	// so uname reports the requested platform.
	if want, err := system.Parse(b.drv.System); err == nil {
		host := system.Current()
		if want.Arch != host.Arch && (want.IsIntel32() || want.IsARM32()) {
			spec.Personality = "linux32"
		}
	}

	// Every input's closure is bind-mounted read-only into the chroot.
	for p := range b.inputPaths.Values() {
		if p.Dir() != b.store.Dir() {
			return nil, fmt.Errorf("input %s is not inside %s", p, b.store.Dir())
		}
		spec.Paths[string(p)] = SandboxSource{Source: b.store.RealPath(p)}
	}
	for target, src := range b.opts.SandboxPaths {
		spec.Paths[target] = src
	}
	for _, dep := range b.drvOptions.impureHostDeps {
		spec.Paths[dep] = SandboxSource{Source: dep, Optional: true}
	}
	// The recursive daemon's socket lives in the work dir bind mount,
	// so nothing extra is materialized for it.
	return spec, nil
}

// setupChrootSkeleton stages the parts of the chroot directory
// that do not require being inside the mount namespace:
// directories and the synthesized /etc files.
func (b *Builder) setupChrootSkeleton(ctx context.Context) error {
	dir := b.chrootRootDir
	log.Debugf(ctx, "Setting up chroot environment in %s", dir)
	if b.opts.SandboxPaths == nil {
		b.opts.SandboxPaths = make(map[string]SandboxSource)
	}
	// Clear leftovers from an interrupted build.
	if err := osutil.UnmountAndRemoveAll(dir); err != nil {
		return err
	}
	if err := osutil.MkdirPerm(dir, 0o750); err != nil {
		return err
	}
	if b.buildUser != nil {
		if err := os.Chown(dir, 0, b.buildUser.GID); err != nil && os.Geteuid() == 0 {
			return err
		}
	}

	if err := osutil.MkdirPerm(filepath.Join(dir, "tmp"), 0o777|os.ModeSticky); err != nil {
		return err
	}

	etcDir := filepath.Join(dir, "etc")
	if err := os.Mkdir(etcDir, 0o755); err != nil {
		return err
	}

	uid, gid := sandboxUID, sandboxGID
	if b.drvOptions.useUIDRange() {
		uid, gid = 0, 0
	}
	if err := osutil.WriteFilePerm(filepath.Join(etcDir, "passwd"), sandboxPasswd(uid, gid, b.opts.SandboxBuildDir), 0o444); err != nil {
		return err
	}
	if err := osutil.WriteFilePerm(filepath.Join(etcDir, "group"), sandboxGroup(gid), 0o444); err != nil {
		return err
	}

	if b.derivationKind.isSandboxed() || !b.drvOptions.allowLocalNetworking {
		const hostsContent = "127.0.0.1 localhost\n::1 localhost\n"
		if err := osutil.WriteFilePerm(filepath.Join(etcDir, "hosts"), []byte(hostsContent), 0o444); err != nil {
			return err
		}
	}
	if !b.derivationKind.isSandboxed() {
		// Fixed-output derivations talk to the network,
		// so name resolution must work.
		const nsswitchContent = "hosts: files dns\nservices: files\n"
		if err := osutil.WriteFilePerm(filepath.Join(etcDir, "nsswitch.conf"), []byte(nsswitchContent), 0o444); err != nil {
			return err
		}
		for _, hostFile := range []string{"/etc/resolv.conf", "/etc/services", "/etc/hosts"} {
			if _, err := os.Lstat(hostFile); err == nil {
				b.opts.SandboxPaths[filepath.Join("/etc", filepath.Base(hostFile))] = SandboxSource{Source: hostFile, Optional: true}
			}
		}
	}

	// The store directory inside the chroot is created here,
	// writable by the builder for output creation;
	// the init process bind-mounts it onto itself and marks it shared.
	storeDirInChroot := filepath.Join(dir, string(b.store.Dir()))
	if err := os.MkdirAll(filepath.Dir(storeDirInChroot), 0o755); err != nil {
		return err
	}
	if err := osutil.MkdirPerm(storeDirInChroot, 0o775|os.ModeSticky); err != nil {
		return err
	}
	if b.buildUser != nil && os.Geteuid() == 0 {
		if err := os.Chown(storeDirInChroot, b.buildUser.UID, b.buildUser.GID); err != nil {
			return err
		}
	}
	return nil
}

func sandboxPasswd(uid, gid int, workDir string) []byte {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "root:x:0:0:Nix build user:%s:/noshell\n", workDir)
	if uid != 0 {
		fmt.Fprintf(buf, "nixbld:x:%d:%d:Nix build user:%s:/noshell\n", uid, gid, workDir)
	}
	buf.WriteString("nobody:x:65534:65534:Nobody:/:/noshell\n")
	return buf.Bytes()
}

func sandboxGroup(gid int) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString("root:x:0:\n")
	if gid != 0 {
		fmt.Fprintf(buf, "nixbld:!:%d:\n", gid)
	}
	buf.WriteString("nogroup:x:65534:\n")
	return buf.Bytes()
}

func hostHasKVM() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// materializeInSandbox bind-mounts a store path into the live sandbox.
// setns into a mount namespace is forbidden for multithreaded processes,
// so the work happens in a re-exec'd helper
// that receives the retained namespace descriptors.
func (b *Builder) materializeInSandbox(ctx context.Context, path store.Path) error {
	child := b.child
	if child == nil || child.mountNS == nil {
		return fmt.Errorf("sandbox namespaces not available")
	}
	self, err := selfExecutable()
	if err != nil {
		return err
	}
	source := b.store.RealPath(path)
	target := filepath.Join(b.chrootRootDir, string(path))
	c := exec.CommandContext(ctx, self, sandboxMountCommand, source, target)
	c.ExtraFiles = []*os.File{child.mountNS}
	if child.userNS != nil {
		c.ExtraFiles = append(c.ExtraFiles, child.userNS)
	}
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v (%s)", err, bytes.TrimSpace(out))
	}
	return nil
}

// KillSandbox terminates every process of the build.
// It is idempotent: it always attempts both cgroup destruction
// and a UID-wide kill as the build user,
// and harvests CPU statistics from the cgroup before destroying it.
func (b *Builder) KillSandbox(ctx context.Context) {
	if b.child != nil && b.child.cgroupPath != "" {
		stats, err := destroyCgroup(ctx, b.child.cgroupPath)
		if err != nil {
			log.Errorf(ctx, "Destroying cgroup %s: %v", b.child.cgroupPath, err)
		} else {
			b.cpuUser = stats.user
			b.cpuSystem = stats.system
		}
		b.child.cgroupPath = ""
	}
	if b.buildUser != nil && b.buildUser.UID != 0 {
		if err := killUser(ctx, b.buildUser.UID); err != nil {
			log.Errorf(ctx, "Killing processes of uid %d: %v", b.buildUser.UID, err)
		}
	}
	if b.child != nil && b.child.cmd != nil && b.child.cmd.Process != nil {
		b.child.cmd.Process.Kill()
	}
	if b.child != nil {
		if b.child.mountNS != nil {
			b.child.mountNS.Close()
			b.child.mountNS = nil
		}
		if b.child.userNS != nil {
			b.child.userNS.Close()
			b.child.userNS = nil
		}
	}
}
