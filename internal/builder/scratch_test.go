// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crucible.build/pkg/sets"
	"crucible.build/pkg/store"
)

const testDrvPath = store.Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1.drv")

func TestFallbackPathForOutput(t *testing.T) {
	p1, err := fallbackPathForOutput(testDrvPath, "out")
	if err != nil {
		t.Fatal(err)
	}
	if p1.Dir() != "/nix/store" {
		t.Errorf("fallback path %s not in store", p1)
	}
	if got, want := p1.Name(), "hello-2.12.1"; got != want {
		t.Errorf("fallback path name = %q; want %q", got, want)
	}

	// Deterministic for the same inputs.
	p2, err := fallbackPathForOutput(testDrvPath, "out")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("fallback path not deterministic: %s vs %s", p1, p2)
	}

	// Distinct per output name.
	p3, err := fallbackPathForOutput(testDrvPath, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if p3 == p1 {
		t.Errorf("fallback paths for different outputs collide: %s", p1)
	}
	if got, want := p3.Name(), "hello-2.12.1-dev"; got != want {
		t.Errorf("fallback path name = %q; want %q", got, want)
	}

	if _, err := fallbackPathForOutput("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-not-a-derivation", "out"); err == nil {
		t.Error("fallbackPathForOutput accepted a non-derivation path")
	}
}

func TestFallbackPathForPath(t *testing.T) {
	const orig = store.Path("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-hello-2.12.1")
	p1, err := fallbackPathForPath(testDrvPath, orig)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == orig {
		t.Errorf("displaced path equals the original %s", orig)
	}
	if got, want := p1.Name(), orig.Name(); got != want {
		t.Errorf("displaced path name = %q; want %q", got, want)
	}
	if len(p1.Digest()) != len(orig.Digest()) {
		t.Errorf("digest widths differ: %d vs %d", len(p1.Digest()), len(orig.Digest()))
	}
}

func TestRewriteFileTree(t *testing.T) {
	oldDigest := strings.Repeat("a", 32)
	newDigest := "00bgd045z0d4icpbc2yyz4gx48ak44la"

	dir := t.TempDir()
	root := filepath.Join(dir, "obj")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "prefix /nix/store/" + oldDigest + "-dep/bin suffix"
	if err := os.WriteFile(filepath.Join(root, "file"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := rewriteFileTree(root, map[string]string{oldDigest: newDigest}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(root, "file"))
	if err != nil {
		t.Fatal(err)
	}
	want := "prefix /nix/store/" + newDigest + "-dep/bin suffix"
	if string(got) != want {
		t.Errorf("rewritten content = %q; want %q", got, want)
	}
	if len(got) != len(content) {
		t.Errorf("rewrite changed length: %d -> %d", len(content), len(got))
	}
}

func TestScanForReferences(t *testing.T) {
	const dep = store.Path("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-dep")
	const unused = store.Path("/nix/store/ffffffffffffffffffffffffffffffff-unused")

	dir := t.TempDir()
	root := filepath.Join(dir, "obj")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "file"), []byte("link to "+string(dep)+" here"), 0o644); err != nil {
		t.Fatal(err)
	}

	refs, err := scanForReferences(root, sets.NewSorted(dep, unused))
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0] != dep {
		t.Errorf("scanForReferences = %v; want [%s]", refs, dep)
	}
}

func TestRewriteReferences(t *testing.T) {
	const scratch = store.Path("/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-out")
	const sibling = store.Path("/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-dev")
	const input = store.Path("/nix/store/cccccccccccccccccccccccccccccccc-dep")

	rewrites := map[string]string{
		sibling.Digest(): "dddddddddddddddddddddddddddddddd",
	}
	refs := rewriteReferences([]store.Path{scratch, sibling, input}, scratch, rewrites)
	if !refs.Self {
		t.Error("refs.Self = false; want true")
	}
	if !refs.Others.Has("/nix/store/dddddddddddddddddddddddddddddddd-dev") {
		t.Errorf("sibling reference was not rewritten: %v", &refs.Others)
	}
	if !refs.Others.Has(input) {
		t.Errorf("input reference missing: %v", &refs.Others)
	}
	if refs.Others.Has(sibling) {
		t.Errorf("stale scratch reference kept: %v", &refs.Others)
	}
}
