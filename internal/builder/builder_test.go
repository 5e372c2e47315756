// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"crucible.build/pkg/internal/localstore"
	"crucible.build/pkg/internal/testcontext"
	"crucible.build/pkg/sets"
	"crucible.build/pkg/store"
	"zombiezen.com/go/nix"
)

// fakeStore is an in-memory implementation of [Store]
// backed by a real directory for file contents.
type fakeStore struct {
	dir     store.Directory
	realDir string

	mu      sync.Mutex
	objects map[store.Path]*store.ObjectInfo
}

var _ Store = (*fakeStore)(nil)

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	realDir := filepath.Join(t.TempDir(), "store")
	if err := os.Mkdir(realDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return &fakeStore{
		dir:     "/nix/store",
		realDir: realDir,
		objects: make(map[store.Path]*store.ObjectInfo),
	}
}

func (fs *fakeStore) Dir() store.Directory { return fs.dir }
func (fs *fakeStore) RealDir() string      { return fs.realDir }

func (fs *fakeStore) RealPath(p store.Path) string {
	return filepath.Join(fs.realDir, p.Base())
}

func (fs *fakeStore) IsValidPath(ctx context.Context, p store.Path) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.objects[p]
	return ok, nil
}

func (fs *fakeStore) QueryPathInfo(ctx context.Context, p store.Path) (*store.ObjectInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	info, ok := fs.objects[p]
	if !ok {
		return nil, fmt.Errorf("query path info for %s: %w", p, localstore.ErrNotFound)
	}
	return info.Clone(), nil
}

func (fs *fakeStore) RegisterValidPaths(ctx context.Context, infos ...*store.ObjectInfo) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	batch := make(map[store.Path]bool, len(infos))
	for _, info := range infos {
		batch[info.StorePath] = true
	}
	for _, info := range infos {
		for ref := range info.References.Others.Values() {
			if _, ok := fs.objects[ref]; !ok && !batch[ref] {
				return fmt.Errorf("register %s: reference %s is not a valid store path", info.StorePath, ref)
			}
		}
	}
	for _, info := range infos {
		fs.objects[info.StorePath] = info.Clone()
	}
	return nil
}

func (fs *fakeStore) ComputeFSClosure(ctx context.Context, p store.Path, yield func(store.Path) bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	seen := make(sets.Set[store.Path])
	queue := []store.Path{p}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		if seen.Has(curr) {
			continue
		}
		seen.Add(curr)
		if !yield(curr) {
			return nil
		}
		if info := fs.objects[curr]; info != nil {
			for ref := range info.References.Others.Values() {
				queue = append(queue, ref)
			}
		}
	}
	return nil
}

func (fs *fakeStore) ImportNAR(ctx context.Context, r io.Reader, info *store.ObjectInfo) error {
	if err := extractNARTo(fs.RealPath(info.StorePath), r); err != nil {
		return err
	}
	return fs.RegisterValidPaths(ctx, info)
}

// newRegistrarBuilder constructs a builder in the state it would be in
// right after a successful (already waited-for) sandboxless build,
// so RegisterOutputs can be exercised directly.
func newRegistrarBuilder(t *testing.T, fs *fakeStore, drv *store.Derivation, drvPath store.Path) *Builder {
	t.Helper()
	b, err := New(fs, drvPath, drv, &Options{
		SandboxMode: SandboxDisabled,
		BuildDir:    t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := testcontext.New(t)
	defer cancel()
	ready, err := b.PrepareBuild(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ready {
		t.Fatal("PrepareBuild returned false")
	}

	b.initialOutputs = make(map[string]*initialOutput, len(drv.Outputs))
	for outputName, outputType := range drv.Outputs {
		initial := &initialOutput{wanted: true}
		if p, known := outputType.Path(fs.Dir(), b.drvName, outputName); known {
			initial.knownPath = p
		}
		b.initialOutputs[outputName] = initial
	}
	if err := b.computeScratchOutputs(); err != nil {
		t.Fatal(err)
	}
	return b
}

func writeOutputTree(t *testing.T, fs *fakeStore, p store.Path, files map[string]string) {
	t.Helper()
	root := fs.RealPath(p)
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func floatingDerivation(outputs ...string) (*store.Derivation, store.Path) {
	drv := &store.Derivation{
		Dir:     "/nix/store",
		Name:    "widget",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Env:     map[string]string{},
		Outputs: map[string]*store.DerivationOutputType{},
	}
	for _, outputName := range outputs {
		drv.Outputs[outputName] = store.RecursiveFileFloatingCAOutput(nix.SHA256)
	}
	return drv, "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-widget.drv"
}

func TestRegisterOutputsFloating(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	fs := newFakeStore(t)
	drv, drvPath := floatingDerivation("out")
	b := newRegistrarBuilder(t, fs, drv, drvPath)

	writeOutputTree(t, fs, b.scratchOutputs["out"], map[string]string{"greeting": "hello"})

	realizations, err := b.RegisterOutputs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(realizations) != 1 {
		t.Fatalf("realizations = %v; want 1", realizations)
	}
	r := realizations[0]
	if r.OutputName != "out" || r.DrvPath != drvPath {
		t.Errorf("realization = %+v", r)
	}

	// The output must be registered, reference-free, and on disk.
	info, err := fs.QueryPathInfo(ctx, r.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.References.IsEmpty() {
		t.Errorf("references = %v; want empty", info.References)
	}
	if !info.Ultimate {
		t.Error("registered output is not marked ultimate")
	}
	if _, err := os.Stat(filepath.Join(fs.RealPath(r.Path), "greeting")); err != nil {
		t.Errorf("final output missing: %v", err)
	}
	// The scratch location must be gone.
	if _, err := os.Lstat(fs.RealPath(b.scratchOutputs["out"])); !os.IsNotExist(err) {
		t.Errorf("scratch output still present: %v", err)
	}

	// Registering the same tree again must yield the same path
	// (the NAR hash is independent of the scratch location).
	drv2, drvPath2 := floatingDerivation("out")
	b2 := newRegistrarBuilder(t, fs, drv2, drvPath2)
	writeOutputTree(t, fs, b2.scratchOutputs["out"], map[string]string{"greeting": "hello"})
	realizations2, err := b2.RegisterOutputs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if realizations2[0].Path != r.Path {
		t.Errorf("identical content produced different paths: %s vs %s", realizations2[0].Path, r.Path)
	}
}

func TestRegisterOutputsInterOutputReference(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	fs := newFakeStore(t)
	drv, drvPath := floatingDerivation("out", "dev")
	b := newRegistrarBuilder(t, fs, drv, drvPath)

	outScratch := b.scratchOutputs["out"]
	devScratch := b.scratchOutputs["dev"]
	writeOutputTree(t, fs, outScratch, map[string]string{"bin": "the program"})
	// dev refers to out by its scratch path.
	writeOutputTree(t, fs, devScratch, map[string]string{"pkgconfig": "libdir=" + string(outScratch) + "/lib"})

	realizations, err := b.RegisterOutputs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byName := make(map[string]Realization)
	for _, r := range realizations {
		byName[r.OutputName] = r
	}

	devInfo, err := fs.QueryPathInfo(ctx, byName["dev"].Path)
	if err != nil {
		t.Fatal(err)
	}
	if !devInfo.References.Others.Has(byName["out"].Path) {
		t.Errorf("dev references = %v; want to include %s", &devInfo.References.Others, byName["out"].Path)
	}

	// dev's content must now name out's final digest, not the scratch one.
	data, err := os.ReadFile(filepath.Join(fs.RealPath(byName["dev"].Path), "pkgconfig"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), byName["out"].Path.Digest()) {
		t.Errorf("dev content %q does not name out's final digest %s", data, byName["out"].Path.Digest())
	}
	if strings.Contains(string(data), outScratch.Digest()) {
		t.Errorf("dev content %q still names the scratch digest", data)
	}
}

func TestRegisterOutputsCycle(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	fs := newFakeStore(t)
	drv, drvPath := floatingDerivation("a", "b")
	b := newRegistrarBuilder(t, fs, drv, drvPath)

	aScratch := b.scratchOutputs["a"]
	bScratch := b.scratchOutputs["b"]
	writeOutputTree(t, fs, aScratch, map[string]string{"link": string(bScratch)})
	writeOutputTree(t, fs, bScratch, map[string]string{"link": string(aScratch)})

	_, err := b.RegisterOutputs(ctx)
	if err == nil {
		t.Fatal("RegisterOutputs succeeded on cyclic outputs")
	}
	if !strings.Contains(err.Error(), "cycle detected") {
		t.Errorf("error = %v; want cycle detected", err)
	}
	if !IsBuildError(err) {
		t.Error("cycle error is not a BuildError")
	}
}

func TestRegisterOutputsFixedMismatch(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	fs := newFakeStore(t)

	// Declare the content address of the tree {data: "hello"}.
	scratchDir := t.TempDir()
	goodTree := filepath.Join(scratchDir, "good")
	if err := os.Mkdir(goodTree, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(goodTree, "data"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := openNARStream(goodTree)
	wantCA, _, err := store.SourceSHA256ContentAddress("", src)
	src.close()
	if err != nil {
		t.Fatal(err)
	}

	drv := &store.Derivation{
		Dir:     "/nix/store",
		Name:    "fetched",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Env:     map[string]string{},
		Outputs: map[string]*store.DerivationOutputType{
			store.DefaultDerivationOutputName: store.FixedCAOutput(wantCA),
		},
	}
	const drvPath = store.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-fetched.drv")

	t.Run("Match", func(t *testing.T) {
		b := newRegistrarBuilder(t, fs, drv, drvPath)
		writeOutputTree(t, fs, b.scratchOutputs["out"], map[string]string{"data": "hello"})
		realizations, err := b.RegisterOutputs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		info, err := fs.QueryPathInfo(ctx, realizations[0].Path)
		if err != nil {
			t.Fatal(err)
		}
		if !info.References.IsEmpty() {
			t.Errorf("fixed output has references: %v", info.References)
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		fs := newFakeStore(t)
		b := newRegistrarBuilder(t, fs, drv, drvPath)
		// Flip the content.
		writeOutputTree(t, fs, b.scratchOutputs["out"], map[string]string{"data": "world"})
		_, err := b.RegisterOutputs(ctx)
		if err == nil {
			t.Fatal("RegisterOutputs succeeded despite hash mismatch")
		}
		if !strings.Contains(err.Error(), "hash mismatch in fixed-output derivation") {
			t.Errorf("error = %v; want fixed-output hash mismatch", err)
		}
		// The bad output must still be registered for inspection.
		fs.mu.Lock()
		registered := len(fs.objects)
		fs.mu.Unlock()
		if registered == 0 {
			t.Error("mismatched output was not registered")
		}
	})
}

func TestPolicyChecks(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	fs := newFakeStore(t)
	drv, drvPath := floatingDerivation("out")
	drv.Env["__json"] = `{"outputChecks": {"out": {"maxSize": 16}}}`
	b := newRegistrarBuilder(t, fs, drv, drvPath)

	writeOutputTree(t, fs, b.scratchOutputs["out"], map[string]string{
		"data": strings.Repeat("x", 4096),
	})
	_, err := b.RegisterOutputs(ctx)
	if err == nil {
		t.Fatal("RegisterOutputs succeeded despite maxSize violation")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("error = %v; want size violation", err)
	}
}

func TestPolicyDisallowedReferences(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	fs := newFakeStore(t)

	// Seed an input object the output will illegally reference.
	const dep = store.Path("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-dep")
	depInfo := &store.ObjectInfo{StorePath: dep, NARSize: 1}
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("dep")
	depInfo.NARHash = h.SumHash()
	if err := fs.RegisterValidPaths(ctx, depInfo); err != nil {
		t.Fatal(err)
	}

	drv, drvPath := floatingDerivation("out")
	drv.InputSources.Add(dep)
	drv.Env["disallowedReferences"] = string(dep)
	b := newRegistrarBuilder(t, fs, drv, drvPath)
	b.inputPaths.Add(dep)

	writeOutputTree(t, fs, b.scratchOutputs["out"], map[string]string{
		"link": string(dep),
	})
	_, err := b.RegisterOutputs(ctx)
	if err == nil {
		t.Fatal("RegisterOutputs succeeded despite disallowed reference")
	}
	if !strings.Contains(err.Error(), "is not allowed to refer to") || !strings.Contains(err.Error(), string(dep)) {
		t.Errorf("error = %v; want disallowed reference naming %s", err, dep)
	}
}

func TestUnprepareBuildClassification(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()

	tests := []struct {
		name string
		err  error
		want BuildStatus
	}{
		{name: "Success", err: nil, want: Built},
		{name: "BuilderFailed", err: builderFailure{fmt.Errorf("exit status 1")}, want: TransientFailure},
		{name: "OutputRejected", err: buildErrorf("hash mismatch in fixed-output derivation"), want: OutputRejected},
		{name: "NotDeterministic", err: notDeterministicf("output differs"), want: NotDeterministic},
		{name: "Internal", err: fmt.Errorf("mount failed"), want: PermanentFailure},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fs := newFakeStore(t)
			drv, drvPath := floatingDerivation("out")
			b := newRegistrarBuilder(t, fs, drv, drvPath)
			// Unsandboxed builds classify builder failures as transient.
			result := b.UnprepareBuild(ctx, test.err, nil)
			if result.Status != test.want {
				t.Errorf("status = %v; want %v", result.Status, test.want)
			}
		})
	}
}
