// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"crucible.build/pkg/internal/system"
	"crucible.build/pkg/internal/testcontext"
	"crucible.build/pkg/store"
	"zombiezen.com/go/nix"
)

const shPath = "/bin/sh"

// catcatBuilder returns a builder invocation that writes two copies of
// the file named by $in to $out.
// Only shell builtins are used: builds run with PATH=/path-not-set.
func catcatBuilder() (builderProgram string, builderArgs []string) {
	return shPath, []string{
		"-c",
		`while read line; do echo "$line"; echo "$line"; done < $in > $out`,
	}
}

// TestRunSingleDerivation drives an entire unsandboxed build
// through [Builder.Run] with a real shell as the builder:
// process spawn, pseudoterminal logging, environment injection,
// placeholder expansion, and output registration.
func TestRunSingleDerivation(t *testing.T) {
	if _, err := os.Stat(shPath); err != nil {
		t.Skipf("%s not present: %v", shPath, err)
	}
	ctx, cancel := testcontext.New(t)
	defer cancel()

	// An unsandboxed build requires the logical and physical
	// store directories to coincide.
	dir, err := store.CleanDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeStore{
		dir:     dir,
		realDir: string(dir),
		objects: make(map[store.Path]*store.ObjectInfo),
	}

	const inputContent = "Hello, World!\n"
	inputPath, err := dir.Object("00bgd045z0d4icpbc2yyz4gx48ak44la-hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fs.RealPath(inputPath), []byte(inputContent), 0o644); err != nil {
		t.Fatal(err)
	}
	inputNARHash, inputNARSize, err := narHashTree(fs.RealPath(inputPath))
	if err != nil {
		t.Fatal(err)
	}
	inputInfo := &store.ObjectInfo{
		StorePath: inputPath,
		NARHash:   inputNARHash,
		NARSize:   inputNARSize,
	}
	if err := fs.RegisterValidPaths(ctx, inputInfo); err != nil {
		t.Fatal(err)
	}

	drv := &store.Derivation{
		Dir:    dir,
		Name:   "hello2.txt",
		System: system.Current().String(),
		Env: map[string]string{
			"in":  string(inputPath),
			"out": store.HashPlaceholder("out"),
		},
		Outputs: map[string]*store.DerivationOutputType{
			store.DefaultDerivationOutputName: store.RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
	drv.Builder, drv.Args = catcatBuilder()
	drv.InputSources.Add(inputPath)
	drvPath, err := dir.Object("s66mzxpvicwk07gjbjfw9izjfa797vsw-hello2.txt.drv")
	if err != nil {
		t.Fatal(err)
	}

	logBuffer := new(bytes.Buffer)
	b, err := New(fs, drvPath, drv, &Options{
		SandboxMode: SandboxDisabled,
		BuildDir:    t.TempDir(),
		LogWriter:   logBuffer,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := b.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v (build log: %q)", err, logBuffer)
	}
	if result == nil {
		t.Fatal("Run returned no result")
	}
	if result.Status != Built {
		t.Fatalf("status = %v, error = %v (build log: %q)", result.Status, result.Error, logBuffer)
	}
	if len(result.Realizations) != 1 {
		t.Fatalf("realizations = %v; want exactly one", result.Realizations)
	}
	r := result.Realizations[0]
	if r.OutputName != store.DefaultDerivationOutputName || r.DrvPath != drvPath {
		t.Errorf("realization = %+v", r)
	}

	// The output must hold the doubled input content.
	const wantOutputContent = "Hello, World!\nHello, World!\n"
	got, err := os.ReadFile(fs.RealPath(r.Path))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != wantOutputContent {
		t.Errorf("output content = %q; want %q", got, wantOutputContent)
	}

	// The registered metadata must match the tree on disk
	// and carry no references.
	info, err := fs.QueryPathInfo(ctx, r.Path)
	if err != nil {
		t.Fatal(err)
	}
	wantNARHash, wantNARSize, err := narHashTree(fs.RealPath(r.Path))
	if err != nil {
		t.Fatal(err)
	}
	if !info.NARHash.Equal(wantNARHash) || info.NARSize != wantNARSize {
		t.Errorf("NAR metadata = %v/%d; want %v/%d", info.NARHash, info.NARSize, wantNARHash, wantNARSize)
	}
	if !info.References.IsEmpty() {
		t.Errorf("references = %v; want empty", info.References)
	}
	if !info.Ultimate {
		t.Error("output not marked ultimate")
	}

	// Scratch state must be gone after a successful build.
	scratch, err := fallbackPathForOutput(drvPath, store.DefaultDerivationOutputName)
	if err != nil {
		t.Fatal(err)
	}
	if scratch != r.Path {
		if _, err := os.Lstat(fs.RealPath(scratch)); !os.IsNotExist(err) {
			t.Errorf("scratch output still present at %s (%v)", scratch, err)
		}
	}
}

// TestRunBuilderFailure covers the failing-builder path through Run:
// a non-zero exit classifies the build rather than erroring internally.
func TestRunBuilderFailure(t *testing.T) {
	if _, err := os.Stat(shPath); err != nil {
		t.Skipf("%s not present: %v", shPath, err)
	}
	ctx, cancel := testcontext.New(t)
	defer cancel()

	dir, err := store.CleanDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeStore{
		dir:     dir,
		realDir: string(dir),
		objects: make(map[store.Path]*store.ObjectInfo),
	}

	drv := &store.Derivation{
		Dir:     dir,
		Name:    "fails",
		System:  system.Current().String(),
		Builder: shPath,
		Args:    []string{"-c", `echo oh no >&2; exit 1`},
		Env: map[string]string{
			"out": store.HashPlaceholder("out"),
		},
		Outputs: map[string]*store.DerivationOutputType{
			store.DefaultDerivationOutputName: store.RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
	drvPath, err := dir.Object("s66mzxpvicwk07gjbjfw9izjfa797vsw-fails.drv")
	if err != nil {
		t.Fatal(err)
	}

	logBuffer := new(bytes.Buffer)
	b, err := New(fs, drvPath, drv, &Options{
		SandboxMode: SandboxDisabled,
		BuildDir:    t.TempDir(),
		LogWriter:   logBuffer,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := b.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Unsandboxed builder failures are classified as transient.
	if result.Status != TransientFailure {
		t.Errorf("status = %v; want %v", result.Status, TransientFailure)
	}
	if result.Error == nil {
		t.Error("result.Error = nil; want builder failure")
	}
	if !strings.Contains(logBuffer.String(), "oh no") {
		t.Errorf("build log %q missing builder stderr", logBuffer)
	}
}
