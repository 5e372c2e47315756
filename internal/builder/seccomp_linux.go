// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"fmt"
	"runtime"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// setupSeccomp installs the build syscall filter:
// default-allow, with rules that
//
//   - deny creating setuid/setgid binaries with EPERM
//     (masked-equality match on the mode argument of the chmod family), and
//   - deny the extended-attribute family with ENOTSUP
//     (xattrs are not representable in the NAR serialization).
//
// Secondary architectures are added on multi-arch hosts
// so 32-bit binaries are filtered too.
func setupSeccomp(allowNewPrivileges bool) error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("unable to initialize seccomp mode 2: %v", err)
	}
	defer filter.Release()

	secondaryArches := map[string][]seccomp.ScmpArch{
		"amd64": {seccomp.ArchX86, seccomp.ArchX32},
		"arm64": {seccomp.ArchARM},
	}
	for _, arch := range secondaryArches[runtime.GOARCH] {
		if err := filter.AddArch(arch); err != nil {
			return fmt.Errorf("unable to add %v seccomp architecture: %v", arch, err)
		}
	}

	denyPerm := seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	chmodFamily := []struct {
		name    string
		modeArg uint
	}{
		{"chmod", 1},
		{"fchmod", 1},
		{"fchmodat", 2},
		{"fchmodat2", 2},
	}
	for _, perm := range []uint64{unix.S_ISUID, unix.S_ISGID} {
		for _, call := range chmodFamily {
			sc, err := seccomp.GetSyscallFromName(call.name)
			if err != nil {
				// fchmodat2 is newer than some libseccomp versions.
				continue
			}
			cond, err := seccomp.MakeCondition(call.modeArg, seccomp.CompareMaskedEqual, perm, perm)
			if err != nil {
				return fmt.Errorf("unable to make seccomp condition: %v", err)
			}
			if err := filter.AddRuleConditional(sc, denyPerm, []seccomp.ScmpCondition{cond}); err != nil {
				return fmt.Errorf("unable to add seccomp rule for %s: %v", call.name, err)
			}
		}
	}

	denyNotSup := seccomp.ActErrno.SetReturnCode(int16(unix.ENOTSUP))
	for _, name := range []string{"getxattr", "lgetxattr", "fgetxattr", "setxattr", "lsetxattr", "fsetxattr", "listxattr", "llistxattr", "flistxattr", "removexattr", "lremovexattr", "fremovexattr"} {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			continue
		}
		if err := filter.AddRule(sc, denyNotSup); err != nil {
			return fmt.Errorf("unable to add seccomp rule for %s: %v", name, err)
		}
	}

	if err := filter.SetNoNewPrivsBit(!allowNewPrivileges); err != nil {
		return fmt.Errorf("unable to set 'no new privileges' seccomp attribute: %v", err)
	}

	if err := filter.Load(); err != nil {
		return fmt.Errorf("unable to load seccomp BPF program: %v", err)
	}
	return nil
}
