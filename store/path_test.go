// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package store

import (
	"strings"
	"testing"

	"crucible.build/pkg/sets"
)

var storePathTests = []struct {
	path string
	err  bool

	dir          Directory
	base         string
	digestPart   string
	namePart     string
	isDerivation bool
}{
	{path: "", err: true},
	{path: "foo", err: true},
	{path: "foo/ffffffffffffffffffffffffffffffff-x", err: true},
	{path: "/nix/store", err: true},
	{path: "/nix/store/ffffffffffffffffffffffffffffffff", err: true},
	{path: "/nix/store/ffffffffffffffffffffffffffffffff-", err: true},
	{path: "/nix/store/ffffffffffffffffffffffffffffffff_x", err: true},
	{path: "/nix/store/ffffffffffffffffffffffffffffffff-" + strings.Repeat("x", 212), err: true},
	{path: "/nix/store/ffffffffffffffffffffffffffffffff-foo@bar", err: true},
	// 'e' and 't' are not valid nixbase32 digits.
	{path: "/nix/store/eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee-x", err: true},
	{path: "/nix/store/00bgd045z0d4icpbc2yy-net-tools-1.60_p20170221182432", err: true},
	{
		path:       "/nix/store/ffffffffffffffffffffffffffffffff-x",
		dir:        "/nix/store",
		base:       "ffffffffffffffffffffffffffffffff-x",
		digestPart: "ffffffffffffffffffffffffffffffff",
		namePart:   "x",
	},
	{
		path:       "/nix/store/ffffffffffffffffffffffffffffffff-x/",
		dir:        "/nix/store",
		base:       "ffffffffffffffffffffffffffffffff-x",
		digestPart: "ffffffffffffffffffffffffffffffff",
		namePart:   "x",
	},
	{
		path:       "/nix/store/foo/../ffffffffffffffffffffffffffffffff-x",
		dir:        "/nix/store",
		base:       "ffffffffffffffffffffffffffffffff-x",
		digestPart: "ffffffffffffffffffffffffffffffff",
		namePart:   "x",
	},
	{
		path:       "/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60_p20170221182432",
		dir:        "/nix/store",
		base:       "00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60_p20170221182432",
		digestPart: "00bgd045z0d4icpbc2yyz4gx48ak44la",
		namePart:   "net-tools-1.60_p20170221182432",
	},
	{
		path:         "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1.drv",
		dir:          "/nix/store",
		base:         "s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1.drv",
		digestPart:   "s66mzxpvicwk07gjbjfw9izjfa797vsw",
		namePart:     "hello-2.12.1.drv",
		isDerivation: true,
	},
}

func TestParsePath(t *testing.T) {
	for _, test := range storePathTests {
		got, err := ParsePath(test.path)
		if test.err {
			if err == nil {
				t.Errorf("ParsePath(%q) = %q, <nil>; want _, <error>", test.path, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q) = _, %v; want success", test.path, err)
			continue
		}
		if got.Dir() != test.dir {
			t.Errorf("ParsePath(%q).Dir() = %q; want %q", test.path, got.Dir(), test.dir)
		}
		if got.Base() != test.base {
			t.Errorf("ParsePath(%q).Base() = %q; want %q", test.path, got.Base(), test.base)
		}
		if got.Digest() != test.digestPart {
			t.Errorf("ParsePath(%q).Digest() = %q; want %q", test.path, got.Digest(), test.digestPart)
		}
		if got.Name() != test.namePart {
			t.Errorf("ParsePath(%q).Name() = %q; want %q", test.path, got.Name(), test.namePart)
		}
		if got.IsDerivation() != test.isDerivation {
			t.Errorf("ParsePath(%q).IsDerivation() = %t; want %t", test.path, got.IsDerivation(), test.isDerivation)
		}
	}
}

func TestDirectoryParsePath(t *testing.T) {
	dir := Directory("/nix/store")
	tests := []struct {
		path    string
		want    Path
		wantSub string
		err     bool
	}{
		{
			path: "/nix/store/ffffffffffffffffffffffffffffffff-x",
			want: "/nix/store/ffffffffffffffffffffffffffffffff-x",
		},
		{
			path:    "/nix/store/ffffffffffffffffffffffffffffffff-x/bin/sh",
			want:    "/nix/store/ffffffffffffffffffffffffffffffff-x",
			wantSub: "bin/sh",
		},
		{path: "/var/tmp/x", err: true},
		{path: "relative", err: true},
		{path: "/nix/store", err: true},
	}
	for _, test := range tests {
		got, gotSub, err := dir.ParsePath(test.path)
		if test.err {
			if err == nil {
				t.Errorf("dir.ParsePath(%q) = %q, %q, <nil>; want error", test.path, got, gotSub)
			}
			continue
		}
		if err != nil || got != test.want || gotSub != test.wantSub {
			t.Errorf("dir.ParsePath(%q) = %q, %q, %v; want %q, %q, <nil>", test.path, got, gotSub, err, test.want, test.wantSub)
		}
	}
}

func TestObject(t *testing.T) {
	dir := Directory("/nix/store")
	if _, err := dir.Object("ffffffffffffffffffffffffffffffff-x"); err != nil {
		t.Errorf("dir.Object(valid) = %v; want success", err)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "x"} {
		if got, err := dir.Object(bad); err == nil {
			t.Errorf("dir.Object(%q) = %q, <nil>; want error", bad, got)
		}
	}
}

func TestMakeReferences(t *testing.T) {
	const self = Path("/nix/store/ffffffffffffffffffffffffffffffff-self")
	const other = Path("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-dep")
	refs := MakeReferences(self, sets.NewSorted(self, other))
	if !refs.Self {
		t.Error("refs.Self = false; want true")
	}
	if refs.Others.Len() != 1 || !refs.Others.Has(other) {
		t.Errorf("refs.Others = %v; want {%s}", &refs.Others, other)
	}

	back := refs.ToSet(self)
	if back.Len() != 2 || !back.Has(self) || !back.Has(other) {
		t.Errorf("refs.ToSet(%s) = %v; want both paths", self, back)
	}
}
