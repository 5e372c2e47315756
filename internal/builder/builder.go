// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// Package builder executes a single derivation build:
// it constructs a hermetic sandbox,
// runs the builder program inside it,
// and certifies the resulting outputs
// for registration in a content-addressed store.
package builder

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"crucible.build/pkg/internal/osutil"
	"crucible.build/pkg/internal/system"
	"crucible.build/pkg/sets"
	"crucible.build/pkg/store"
	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"
)

// Store is the narrow contract the builder consumes from the store layer.
// *localstore.Store implements it.
type Store interface {
	// Dir returns the store's logical directory.
	Dir() store.Directory
	// RealDir returns the directory where store objects physically reside.
	RealDir() string
	// RealPath maps a store path to its physical filesystem location.
	RealPath(path store.Path) string
	// IsValidPath reports whether the store object is registered.
	IsValidPath(ctx context.Context, path store.Path) (bool, error)
	// QueryPathInfo returns a registered store object's metadata.
	QueryPathInfo(ctx context.Context, path store.Path) (*store.ObjectInfo, error)
	// RegisterValidPaths records store objects and their references
	// in a single transaction.
	RegisterValidPaths(ctx context.Context, infos ...*store.ObjectInfo) error
	// ComputeFSClosure calls yield for every store object
	// in the transitive closure of the given path, including itself.
	ComputeFSClosure(ctx context.Context, path store.Path, yield func(store.Path) bool) error
	// ImportNAR extracts a NAR stream into the store
	// and registers the object described by info.
	ImportNAR(ctx context.Context, r io.Reader, info *store.ObjectInfo) error
}

// Callbacks are optional notifications the enclosing worker receives
// at interesting points of a build.
// Any field may be nil.
type Callbacks struct {
	// ChildStarted is called with the log file descriptor
	// once the builder process has been spawned.
	ChildStarted func(fd uintptr)
	// ChildTerminated is called after the builder process has been reaped.
	ChildTerminated func()
	// MarkContentsGood is called for every output registered as valid.
	MarkContentsGood func(path store.Path)
	// NoteHashMismatch is called when a fixed-output hash check fails.
	NoteHashMismatch func()
	// NoteCheckMismatch is called when a check build diverges.
	NoteCheckMismatch func()
}

func (c *Callbacks) childStarted(fd uintptr) {
	if c != nil && c.ChildStarted != nil {
		c.ChildStarted(fd)
	}
}

func (c *Callbacks) childTerminated() {
	if c != nil && c.ChildTerminated != nil {
		c.ChildTerminated()
	}
}

func (c *Callbacks) markContentsGood(p store.Path) {
	if c != nil && c.MarkContentsGood != nil {
		c.MarkContentsGood(p)
	}
}

func (c *Callbacks) noteHashMismatch() {
	if c != nil && c.NoteHashMismatch != nil {
		c.NoteHashMismatch()
	}
}

func (c *Callbacks) noteCheckMismatch() {
	if c != nil && c.NoteCheckMismatch != nil {
		c.NoteCheckMismatch()
	}
}

// SandboxMode controls whether builds run inside the sandbox.
type SandboxMode int

const (
	// SandboxEnabled requires every build to run sandboxed.
	SandboxEnabled SandboxMode = iota
	// SandboxRelaxed sandboxes builds unless the derivation opts out.
	SandboxRelaxed
	// SandboxDisabled never sandboxes.
	SandboxDisabled
)

// BuildMode selects what happens when outputs already exist.
type BuildMode int

const (
	// BuildNormal replaces missing outputs.
	BuildNormal BuildMode = iota
	// BuildCheck rebuilds and compares against recorded outputs.
	BuildCheck
	// BuildRepair replaces existing outputs in place.
	BuildRepair
)

// SandboxSource describes a host path materialized inside the sandbox.
type SandboxSource struct {
	// Source is the path on the host machine.
	Source string
	// Optional entries are silently skipped if Source does not exist.
	Optional bool
}

// Options is the set of optional parameters to [New].
type Options struct {
	// SandboxMode is the sandbox policy. Defaults to [SandboxEnabled].
	SandboxMode SandboxMode
	// SandboxFallback permits falling back to unsandboxed builds
	// when the kernel lacks the needed namespaces.
	SandboxFallback bool
	// BuildMode selects normal, check, or repair semantics.
	BuildMode BuildMode

	// Users is the pool of build users. May be nil to build
	// with the current process's privileges.
	Users *UserSet

	// BuildDir is the parent directory for build temporary directories.
	// Defaults to [os.TempDir].
	BuildDir string
	// SandboxBuildDir is the in-sandbox temporary directory.
	SandboxBuildDir string
	// SandboxPaths maps sandbox paths to host sources
	// that are materialized inside the chroot.
	SandboxPaths map[string]SandboxSource
	// CgroupRoot is the cgroup2 hierarchy under which
	// per-build cgroups are created. Linux only.
	CgroupRoot string
	// StateDir is where per-UID cgroup records are persisted
	// so leftovers from crashed builds can be destroyed on reuse.
	StateDir string

	// CoresPerBuild is the NIX_BUILD_CORES hint.
	// If non-positive, the number of host CPUs is used.
	CoresPerBuild int
	// KeepFailed preserves the temporary directory of a failed build.
	KeepFailed bool

	// InputRealizations maps input derivation outputs
	// to their realized store paths.
	// Every input derivation output of the derivation must be present.
	InputRealizations map[store.OutputReference]store.Path

	// KeyName and Key sign registered outputs when both are set.
	KeyName string
	Key     ed25519.PrivateKey

	// PreBuildHook is a program run before the build
	// that may add extra sandbox paths.
	PreBuildHook string
	// DiffHook is a program run on check divergence.
	DiffHook string

	// LogWriter receives the builder's output. Defaults to [io.Discard].
	LogWriter io.Writer
	// Callbacks receive notifications during the build.
	Callbacks *Callbacks
}

// Builder drives the build of a single derivation:
// Prepare → Start → Wait → RegisterOutputs → Unprepare.
// A Builder is single-use and runs on a single goroutine,
// except where noted.
type Builder struct {
	store    Store
	drv      *store.Derivation
	drvPath  store.Path
	drvName  string
	opts     Options
	callback *Callbacks

	// Populated by PrepareBuild.
	derivationKind derivationKind
	drvOptions     *derivationOptions
	useChroot      bool
	buildUser      *BuildUser

	// Populated by StartBuilder.
	initialOutputs    map[string]*initialOutput
	scratchOutputs    map[string]store.Path
	redirectedOutputs map[string]store.Path
	inputRewrites     map[string]string
	outputRewrites    map[string]string
	inputRewriter     store.Replacer
	expandedDrv       *store.Derivation
	inputPaths        sets.Sorted[store.Path]
	env               map[string]string
	coresPerBuild     int

	topTmpDir       string
	tmpDir          string
	tmpDirInSandbox string
	chrootRootDir   string

	child  *startedChild
	daemon *storeDaemon

	addedMu    sync.Mutex
	addedPaths sets.Set[store.Path]

	startTime time.Time
	stopTime  time.Time
	cpuUser   time.Duration
	cpuSystem time.Duration

	builtinDone chan error
}

// Realization records the final store path produced for one output.
type Realization struct {
	// DrvPath and OutputName identify the derivation output.
	DrvPath    store.Path
	OutputName string
	// Path is the output's final store path.
	Path store.Path
	// Signature is the output's signature, if the store signs.
	Signature string
}

// BuildResult is the final outcome of a build.
type BuildResult struct {
	Status    BuildStatus
	Error     error
	StartTime time.Time
	StopTime  time.Time
	// CPUUser and CPUSystem are harvested from the build's cgroup
	// when one was used.
	CPUUser   time.Duration
	CPUSystem time.Duration

	Realizations []Realization
}

// New returns a builder for the given derivation.
// drvPath must name drv in the store.
func New(st Store, drvPath store.Path, drv *store.Derivation, opts *Options) (*Builder, error) {
	drvName, isDrv := drvPath.DerivationName()
	if !isDrv {
		return nil, fmt.Errorf("new builder: %s is not a derivation", drvPath)
	}
	if drv.Dir != st.Dir() {
		return nil, fmt.Errorf("new builder: derivation %s is not in %s", drvPath, st.Dir())
	}
	b := &Builder{
		store:          st,
		drv:            drv,
		drvPath:        drvPath,
		drvName:        drvName,
		inputRewrites:  make(map[string]string),
		outputRewrites: make(map[string]string),
		addedPaths:     make(sets.Set[store.Path]),
	}
	if opts != nil {
		b.opts = *opts
	}
	b.callback = b.opts.Callbacks
	if b.opts.BuildDir == "" {
		b.opts.BuildDir = os.TempDir()
	}
	if b.opts.SandboxBuildDir == "" {
		b.opts.SandboxBuildDir = "/build"
	}
	if b.opts.LogWriter == nil {
		b.opts.LogWriter = io.Discard
	}
	b.coresPerBuild = b.opts.CoresPerBuild
	if b.coresPerBuild <= 0 {
		b.coresPerBuild = max(1, runtime.NumCPU())
	}
	return b, nil
}

// PrepareBuild decides how the build will run
// and acquires a build user if one is required.
// It returns false with a nil error if no build user is currently free;
// the caller should retry later.
// No observable side effects remain after a false return.
func (b *Builder) PrepareBuild(ctx context.Context) (bool, error) {
	b.derivationKind = classifyDerivation(b.drv)

	var err error
	b.drvOptions, err = parseDerivationOptions(b.drv)
	if err != nil {
		return false, err
	}

	switch b.opts.SandboxMode {
	case SandboxEnabled:
		if b.drvOptions.noChroot {
			return false, fmt.Errorf("derivation '%s' has '%s' set, but that's not allowed when sandboxing is enforced", b.drvPath, noChrootVar)
		}
		if runtime.GOOS == "darwin" && b.drvOptions.sandboxProfile != "" {
			return false, fmt.Errorf("derivation '%s' specifies a sandbox profile, but this is only allowed when sandboxing is relaxed", b.drvPath)
		}
		b.useChroot = true
	case SandboxDisabled:
		b.useChroot = false
	case SandboxRelaxed:
		b.useChroot = b.derivationKind.isSandboxed() && !b.drvOptions.noChroot
	}

	if string(b.store.Dir()) != b.store.RealDir() {
		// The builder must observe the logical store paths,
		// which only a mount namespace can provide.
		if runtime.GOOS != "linux" {
			return false, fmt.Errorf("building using a diverted store is not supported on this platform")
		}
		b.useChroot = true
	}

	if runtime.GOOS == "linux" && b.useChroot && !namespacesSupported() {
		if !b.opts.SandboxFallback {
			return false, fmt.Errorf("this system does not support the kernel namespaces that are required for sandboxing; disable sandboxing to continue")
		}
		log.Warnf(ctx, "Auto-disabling sandboxing because the prerequisite namespaces are not available")
		b.useChroot = false
	}

	if b.opts.Users != nil {
		if b.buildUser == nil {
			b.buildUser = b.opts.Users.TryAcquire()
		}
		if b.buildUser == nil {
			return false, nil
		}
		if b.drvOptions.useUIDRange() && b.buildUser.UIDCount < 65536 {
			u := b.buildUser
			b.buildUser = nil
			b.opts.Users.Release(u)
			return false, fmt.Errorf("derivation '%s' requires the %s feature, but no UID range lease is available", b.drvPath, FeatureUIDRange)
		}
	}

	return true, nil
}

// UnprepareBuild tears down everything the build acquired,
// in reverse order of acquisition,
// regardless of how far the build got,
// and classifies the outcome.
// buildErr is the error (if any) from the earlier phases.
func (b *Builder) UnprepareBuild(ctx context.Context, buildErr error, realizations []Realization) *BuildResult {
	// Cleanup must run even if the build context was cancelled.
	ctx, cancel := xcontext.KeepAlive(ctx, 2*time.Minute)
	defer cancel()

	defer func() {
		// The build user is released last so no other build
		// can grab the UID while processes may still be dying.
		if b.buildUser != nil && b.opts.Users != nil {
			b.opts.Users.Release(b.buildUser)
			b.buildUser = nil
		}
	}()

	b.KillSandbox(ctx)
	b.StopDaemon(ctx)

	// Delete redirected scratch outputs: on success their contents
	// have been moved to the final paths, and on failure they are garbage.
	for outputName, scratch := range b.redirectedOutputs {
		realScratch := b.store.RealPath(scratch)
		if err := osutil.ForceRemoveAll(realScratch); err != nil {
			log.Warnf(ctx, "Failed to remove redirected output %s (%s): %v", outputName, realScratch, err)
		}
	}

	diskFull := false
	if buildErr != nil {
		diskFull = b.isDiskFull()
		b.moveFailedOutputsOutOfChroot(ctx)
	}

	if b.chrootRootDir != "" {
		if err := osutil.UnmountAndRemoveAll(b.chrootRootDir); err != nil {
			log.Errorf(ctx, "Failed to remove chroot %s: %v", b.chrootRootDir, err)
		}
		b.chrootRootDir = ""
	}

	b.DeleteTmpDir(ctx, buildErr == nil)

	if b.stopTime.IsZero() {
		b.stopTime = time.Now()
	}
	result := &BuildResult{
		Status:       b.classify(buildErr, diskFull),
		Error:        buildErr,
		StartTime:    b.startTime,
		StopTime:     b.stopTime,
		CPUUser:      b.cpuUser,
		CPUSystem:    b.cpuSystem,
		Realizations: realizations,
	}
	return result
}

func (b *Builder) classify(buildErr error, diskFull bool) BuildStatus {
	switch {
	case buildErr == nil:
		return Built
	case IsNotDeterministic(buildErr):
		return NotDeterministic
	case isBuilderFailure(buildErr):
		if diskFull || !b.useChroot {
			// An unsandboxed failure may have been environmental.
			return TransientFailure
		}
		return PermanentFailure
	case IsBuildError(buildErr):
		// The builder exited successfully but its outputs were rejected.
		return OutputRejected
	case diskFull:
		return TransientFailure
	default:
		return PermanentFailure
	}
}

// isDiskFull heuristically checks whether the build failure
// may have been caused by a full disk:
// there is no way of knowing whether the build actually got ENOSPC,
// so check whether either the store or the temporary directory
// is nearly full now.
func (b *Builder) isDiskFull() bool {
	const required = 8 * 1024 * 1024
	if avail, err := availableDiskSpace(b.store.RealDir()); err == nil && avail < required {
		return true
	}
	if b.tmpDir != "" {
		if avail, err := availableDiskSpace(b.tmpDir); err == nil && avail < required {
			return true
		}
	}
	return false
}

// moveFailedOutputsOutOfChroot moves any produced outputs
// out of the chroot for easier debugging of build failures.
func (b *Builder) moveFailedOutputsOutOfChroot(ctx context.Context) {
	if b.chrootRootDir == "" || b.opts.BuildMode != BuildNormal {
		return
	}
	for outputName, initial := range b.initialOutputs {
		if initial.knownPath == "" || initial.valid {
			continue
		}
		p := b.store.RealPath(initial.knownPath)
		inChroot := b.chrootRootDir + string(initial.knownPath)
		if _, err := os.Lstat(inChroot); err == nil {
			if err := os.Rename(inChroot, p); err != nil {
				log.Warnf(ctx, "Failed to rescue output %s from chroot: %v", outputName, err)
			}
		}
	}
}

// DeleteTmpDir removes the build's temporary directory.
// With KeepFailed set and force false,
// the directory of a failed build is preserved and made accessible.
func (b *Builder) DeleteTmpDir(ctx context.Context, force bool) {
	if b.topTmpDir == "" {
		return
	}
	// Never keep temp dirs of builtin builders:
	// they can hold privileged data such as netrc files.
	if b.opts.KeepFailed && !force && !isBuiltinBuilder(b.drv.Builder) {
		log.Infof(ctx, "Note: keeping build directory %s", b.tmpDir)
		os.Chmod(b.topTmpDir, 0o755)
		os.Chmod(b.tmpDir, 0o755)
	} else if err := osutil.ForceRemoveAll(b.topTmpDir); err != nil {
		log.Warnf(ctx, "Failed to remove %s: %v", b.topTmpDir, err)
	}
	b.topTmpDir = ""
	b.tmpDir = ""
}

// StopDaemon shuts down the recursive store daemon, if one is running,
// and waits for its worker goroutines to finish.
func (b *Builder) StopDaemon(ctx context.Context) {
	if b.daemon == nil {
		return
	}
	if err := b.daemon.stop(ctx); err != nil {
		log.Errorf(ctx, "Stopping recursive store daemon: %v", err)
	}
	b.daemon = nil
}

// isAllowedPath reports whether the builder may access path
// through the recursive store daemon.
func (b *Builder) isAllowedPath(path store.Path) bool {
	if b.inputPaths.Has(path) {
		return true
	}
	for _, scratch := range b.scratchOutputs {
		if scratch == path {
			return true
		}
	}
	b.addedMu.Lock()
	defer b.addedMu.Unlock()
	return b.addedPaths.Has(path)
}

// addedPathsSnapshot returns the paths added through the recursive daemon.
func (b *Builder) addedPathsSnapshot() []store.Path {
	b.addedMu.Lock()
	defer b.addedMu.Unlock()
	result := make([]store.Path, 0, b.addedPaths.Len())
	for p := range b.addedPaths.All() {
		result = append(result, p)
	}
	return result
}

// canBuildLocally reports whether the host can execute the derivation.
func canBuildLocally(drv *store.Derivation) bool {
	if isBuiltinBuilder(drv.Builder) {
		return true
	}
	want, err := system.Parse(drv.System)
	if err != nil {
		return false
	}
	return system.CanHostRun(system.Current(), want)
}

func isBuiltinBuilder(builderProgram string) bool {
	return strings.HasPrefix(builderProgram, "builtin:")
}

// Run drives the entire build:
// Prepare → Start → Wait → RegisterOutputs → Unprepare.
// If no build user is available, it returns (nil, nil)
// and the caller should retry later.
func (b *Builder) Run(ctx context.Context) (*BuildResult, error) {
	ready, err := b.PrepareBuild(ctx)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, nil
	}

	realizations, buildErr := func() ([]Realization, error) {
		if err := b.StartBuilder(ctx); err != nil {
			return nil, err
		}
		if err := b.WaitForBuilder(ctx); err != nil {
			return nil, err
		}
		return b.RegisterOutputs(ctx)
	}()
	result := b.UnprepareBuild(ctx, buildErr, realizations)
	if buildErr != nil && !IsBuildError(buildErr) && !isBuilderFailure(buildErr) {
		// Internal errors propagate to the caller.
		return result, buildErr
	}
	return result, nil
}

var errDeferredOutput = errors.New("derivation has deferred outputs that were not resolved")
