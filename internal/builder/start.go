// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/internal/system"
	"crucible.build/pkg/store"
	"zombiezen.com/go/log"
)

// startedChild is a handle to the spawned builder process.
type startedChild struct {
	cmd *exec.Cmd
	// ptyMaster is the controlling side of the pseudoterminal
	// whose slave is the child's stderr.
	ptyMaster *os.File
	// usesSetupProtocol is true when the child performs sandbox setup
	// and speaks the '\1'/'\2' protocol before executing the builder.
	usesSetupProtocol bool
	// mountNS and userNS are /proc/<pid>/ns descriptors
	// retained for later setns use by AddDependency. Linux only.
	mountNS *os.File
	userNS  *os.File
	// cgroupPath is the build's cgroup directory, if one was created.
	cgroupPath string
}

// StartBuilder stages the build environment and spawns the builder process.
// [Builder.PrepareBuild] must have returned true first.
func (b *Builder) StartBuilder(ctx context.Context) (err error) {
	if b.drvOptions == nil {
		return errors.New("start builder: PrepareBuild not called")
	}
	if b.derivationKind == deferredKind {
		return fmt.Errorf("build %s: %w", b.drvPath, errDeferredOutput)
	}
	if b.drvOptions.useUIDRange() && runtime.GOOS != "linux" {
		return fmt.Errorf("build %s: the %s feature is only supported on Linux", b.drvPath, FeatureUIDRange)
	}
	if b.opts.CgroupRoot != "" && runtime.GOOS != "linux" {
		return fmt.Errorf("build %s: cgroups are only supported on Linux", b.drvPath)
	}
	if !canBuildLocally(b.drv) {
		return fmt.Errorf("build %s: a %s system is required, but host is a %v system",
			b.drvPath, b.drv.System, system.Current())
	}
	b.startTime = time.Now()

	// Record what is known about each output up front.
	b.initialOutputs = make(map[string]*initialOutput, len(b.drv.Outputs))
	for outputName, outputType := range b.drv.Outputs {
		initial := &initialOutput{wanted: true}
		if p, known := outputType.Path(b.store.Dir(), b.drvName, outputName); known {
			initial.knownPath = p
			valid, err := b.store.IsValidPath(ctx, p)
			if err != nil {
				return fmt.Errorf("build %s: %v", b.drvPath, err)
			}
			initial.valid = valid
		}
		b.initialOutputs[outputName] = initial
	}

	if err := b.computeScratchOutputs(); err != nil {
		return fmt.Errorf("build %s: %v", b.drvPath, err)
	}

	// Compute the closure of every input.
	for src := range b.drv.InputSources.Values() {
		err := b.store.ComputeFSClosure(ctx, src, func(p store.Path) bool {
			b.inputPaths.Add(p)
			return true
		})
		if err != nil {
			return fmt.Errorf("build %s: input %s: %v", b.drvPath, src, err)
		}
	}
	var rewritePairs []string
	for ref := range b.drv.InputDerivationOutputs() {
		realized, ok := b.opts.InputRealizations[ref]
		if !ok {
			return fmt.Errorf("build %s: missing realization for input %v", b.drvPath, ref)
		}
		err := b.store.ComputeFSClosure(ctx, realized, func(p store.Path) bool {
			b.inputPaths.Add(p)
			return true
		})
		if err != nil {
			return fmt.Errorf("build %s: input %v: %v", b.drvPath, ref, err)
		}
		rewritePairs = append(rewritePairs, store.UnknownCAOutputPlaceholder(ref), string(realized))
	}

	// Install the substitutions applied to data flowing into the build:
	// output placeholders become scratch paths,
	// input placeholders become realized paths,
	// and displaced digests map final to scratch.
	for outputName, scratch := range b.scratchOutputs {
		rewritePairs = append(rewritePairs, store.HashPlaceholder(outputName), string(scratch))
	}
	for oldDigest, newDigest := range b.inputRewrites {
		rewritePairs = append(rewritePairs, oldDigest, newDigest)
	}
	b.inputRewriter = strings.NewReplacer(rewritePairs...)
	b.expandedDrv = store.ExpandPlaceholders(b.inputRewriter, b.drv)

	// Stage the temporary directory.
	b.topTmpDir, err = os.MkdirTemp(b.opts.BuildDir, "crucible-build-"+b.drvName+"-*")
	if err != nil {
		return fmt.Errorf("build %s: %v", b.drvPath, err)
	}
	b.tmpDir = filepath.Join(b.topTmpDir, "build")
	if err := osutil.MkdirPerm(b.tmpDir, 0o700); err != nil {
		return fmt.Errorf("build %s: %v", b.drvPath, err)
	}
	if err := b.chownToBuilder(b.topTmpDir); err != nil {
		return fmt.Errorf("build %s: %v", b.drvPath, err)
	}
	if err := b.chownToBuilder(b.tmpDir); err != nil {
		return fmt.Errorf("build %s: %v", b.drvPath, err)
	}
	// For determinism, sandboxed builds always see the same
	// temporary directory.
	if b.useChroot && runtime.GOOS == "linux" {
		b.tmpDirInSandbox = b.opts.SandboxBuildDir
	} else {
		b.tmpDirInSandbox = b.tmpDir
	}

	if err := b.initEnv(); err != nil {
		return fmt.Errorf("build %s: %v", b.drvPath, err)
	}
	if err := b.writeStructuredAttrs(); err != nil {
		return fmt.Errorf("build %s: %v", b.drvPath, err)
	}

	if b.useChroot && runtime.GOOS == "linux" {
		// The chroot lives next to the outputs' final locations
		// so they can be moved into place by rename
		// without crossing filesystems.
		b.chrootRootDir = b.store.RealPath(b.drvPath) + ".chroot"
	}

	if b.opts.PreBuildHook != "" {
		extra, err := runPreBuildHook(ctx, b.opts.PreBuildHook, b.drvPath, b.chrootRootDir)
		if err != nil {
			return fmt.Errorf("build %s: pre-build hook: %v", b.drvPath, err)
		}
		if len(extra) > 0 {
			if b.opts.SandboxPaths == nil {
				b.opts.SandboxPaths = make(map[string]SandboxSource)
			}
			for target, source := range extra {
				b.opts.SandboxPaths[target] = source
			}
		}
	}

	if b.drvOptions.requiredFeatures.Has(FeatureRecursive) {
		daemon, err := b.startDaemon(ctx)
		if err != nil {
			return fmt.Errorf("build %s: %v", b.drvPath, err)
		}
		b.daemon = daemon
		b.env["NIX_REMOTE"] = "unix://" + b.tmpDirInSandbox + "/" + daemonSocketName
	}

	if isBuiltinBuilder(b.expandedDrv.Builder) {
		b.builtinDone = make(chan error, 1)
		go func() {
			b.builtinDone <- b.runBuiltin(ctx)
		}()
		log.Debugf(ctx, "Started builtin builder %s for %s", b.expandedDrv.Builder, b.drvPath)
		return nil
	}

	child, err := b.startChild(ctx)
	if err != nil {
		return fmt.Errorf("build %s: %v", b.drvPath, err)
	}
	b.child = child
	if child.ptyMaster != nil {
		b.callback.childStarted(child.ptyMaster.Fd())
	}
	log.Debugf(ctx, "Started builder for %s (pid %d)", b.drvPath, child.cmd.Process.Pid)
	return nil
}

// WaitForBuilder consumes the builder's output until it exits
// and reports whether the builder succeeded.
// A non-zero exit becomes a builder failure,
// and a sandbox setup error is rethrown as sent by the child.
func (b *Builder) WaitForBuilder(ctx context.Context) error {
	if b.builtinDone != nil {
		var err error
		select {
		case err = <-b.builtinDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.stopTime = time.Now()
		if err != nil {
			return builderFailure{fmt.Errorf("builder for %s: %w", b.drvPath, err)}
		}
		return nil
	}

	child := b.child
	if child == nil {
		return errors.New("wait for builder: not started")
	}

	logReader := bufio.NewReader(ptyReader{child.ptyMaster})
	if child.usesSetupProtocol {
		if err := processSetupMessages(ctx, logReader, b.opts.LogWriter); err != nil {
			child.cmd.Process.Kill()
			child.cmd.Wait()
			b.stopTime = time.Now()
			b.callback.childTerminated()
			return err
		}
	}
	if _, err := io.Copy(b.opts.LogWriter, logReader); err != nil {
		log.Debugf(ctx, "Builder log stream for %s ended: %v", b.drvPath, err)
	}

	waitErr := child.cmd.Wait()
	b.stopTime = time.Now()
	b.callback.childTerminated()

	if waitErr != nil {
		return builderFailure{fmt.Errorf("builder for %s: %w", b.drvPath, waitErr)}
	}
	log.Debugf(ctx, "Builder for %s has finished successfully", b.drvPath)
	return nil
}

// ptyReader adapts the pseudoterminal master for reading:
// Linux reports EIO once the slave side is closed,
// which is this stream's end-of-file.
type ptyReader struct {
	f *os.File
}

func (pr ptyReader) Read(p []byte) (int, error) {
	if pr.f == nil {
		return 0, io.EOF
	}
	n, err := pr.f.Read(p)
	if err != nil && isPTYClosed(err) {
		err = io.EOF
	}
	return n, err
}
