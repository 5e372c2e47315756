// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package store

import (
	"slices"
	"testing"

	"crucible.build/pkg/sets"
	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/nix"
)

func newTestDerivation() *Derivation {
	drv := &Derivation{
		Dir:     "/nix/store",
		Name:    "hello",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Args:    []string{"-c", "echo hello > $out"},
		Env: map[string]string{
			"out":     HashPlaceholder("out"),
			"builder": "/bin/sh",
		},
		Outputs: map[string]*DerivationOutputType{
			DefaultDerivationOutputName: RecursiveFileFloatingCAOutput(nix.SHA256),
		},
	}
	drv.InputSources.Add("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-hello.sh")
	drv.InputDerivations = map[Path]*sets.Sorted[string]{
		"/nix/store/ffffffffffffffffffffffffffffffff-dep.drv": sets.NewSorted("out", "dev"),
	}
	return drv
}

func TestDerivationMarshalRoundTrip(t *testing.T) {
	drv := newTestDerivation()
	data, err := drv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseDerivation(drv.Dir, drv.Name, data)
	if err != nil {
		t.Fatalf("ParseDerivation(%q): %v", data, err)
	}
	// Comparing the re-marshalled text sidesteps unexported fields.
	data2, err := got.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(string(data), string(data2)); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
	if got.System != drv.System || got.Builder != drv.Builder || !slices.Equal(got.Args, drv.Args) {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if !got.InputSources.Has("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-hello.sh") {
		t.Error("round trip lost input sources")
	}
}

func TestParseDerivationErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "Empty", data: ""},
		{name: "NoConstructor", data: `([],[],[],"x","b",[],[])`},
		{name: "TrailingData", data: `Derive([],[],[],"x86_64-linux","/bin/sh",[],[])extra`},
		{name: "BadOutput", data: `Derive([("out")],[],[],"x86_64-linux","/bin/sh",[],[])`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got, err := ParseDerivation("/nix/store", "x", []byte(test.data)); err == nil {
				t.Errorf("ParseDerivation(%q) = %+v, <nil>; want error", test.data, got)
			}
		})
	}
}

func TestInputDerivationOutputs(t *testing.T) {
	drv := newTestDerivation()
	got := slices.Collect(drv.InputDerivationOutputs())
	want := []OutputReference{
		{DrvPath: "/nix/store/ffffffffffffffffffffffffffffffff-dep.drv", OutputName: "dev"},
		{DrvPath: "/nix/store/ffffffffffffffffffffffffffffffff-dep.drv", OutputName: "out"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("InputDerivationOutputs() (-want +got):\n%s", diff)
	}
}

func TestOutputPath(t *testing.T) {
	t.Run("InputAddressed", func(t *testing.T) {
		const want = Path("/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1")
		drv := newTestDerivation()
		drv.Outputs[DefaultDerivationOutputName] = InputAddressedOutput(want)
		got, err := drv.OutputPath(DefaultDerivationOutputName)
		if err != nil || got != want {
			t.Errorf("OutputPath(out) = %q, %v; want %q, <nil>", got, err, want)
		}
	})
	t.Run("Floating", func(t *testing.T) {
		drv := newTestDerivation()
		if got, err := drv.OutputPath(DefaultDerivationOutputName); err == nil {
			t.Errorf("OutputPath(out) = %q, <nil>; want error", got)
		}
	})
	t.Run("Fixed", func(t *testing.T) {
		drv := newTestDerivation()
		h := nix.NewHasher(nix.SHA256)
		h.WriteString("content")
		drv.Outputs[DefaultDerivationOutputName] = FixedCAOutput(nix.RecursiveFileContentAddress(h.SumHash()))
		got, err := drv.OutputPath(DefaultDerivationOutputName)
		if err != nil {
			t.Fatalf("OutputPath(out): %v", err)
		}
		want, err := FixedCAOutputPath(drv.Dir, drv.Name, nix.RecursiveFileContentAddress(h.SumHash()), References{})
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("OutputPath(out) = %q; want %q", got, want)
		}
	})
	t.Run("Missing", func(t *testing.T) {
		drv := newTestDerivation()
		if got, err := drv.OutputPath("doc"); err == nil {
			t.Errorf("OutputPath(doc) = %q, <nil>; want error", got)
		}
	})
}

func TestPlaceholders(t *testing.T) {
	outPlaceholder := HashPlaceholder("out")
	devPlaceholder := HashPlaceholder("dev")
	if outPlaceholder == devPlaceholder {
		t.Error("HashPlaceholder should differ between output names")
	}
	if outPlaceholder[0] != '/' {
		t.Errorf("HashPlaceholder(out) = %q; want leading slash", outPlaceholder)
	}
	if outPlaceholder != HashPlaceholder("out") {
		t.Error("HashPlaceholder is not deterministic")
	}

	ref := OutputReference{
		DrvPath:    "/nix/store/ffffffffffffffffffffffffffffffff-dep.drv",
		OutputName: "out",
	}
	p1 := UnknownCAOutputPlaceholder(ref)
	ref.OutputName = "dev"
	p2 := UnknownCAOutputPlaceholder(ref)
	if p1 == p2 {
		t.Error("UnknownCAOutputPlaceholder should differ between output names")
	}
}

func TestExpandPlaceholders(t *testing.T) {
	drv := newTestDerivation()
	r := NewReplacer(func(yield func(string, string) bool) {
		yield(HashPlaceholder("out"), "/nix/store/ffffffffffffffffffffffffffffffff-hello")
	})
	expanded := ExpandPlaceholders(r, drv)
	if got, want := expanded.Env["out"], "/nix/store/ffffffffffffffffffffffffffffffff-hello"; got != want {
		t.Errorf("expanded.Env[out] = %q; want %q", got, want)
	}
	// The original must be untouched.
	if got := drv.Env["out"]; got != HashPlaceholder("out") {
		t.Errorf("original derivation was mutated: env[out] = %q", got)
	}
}
