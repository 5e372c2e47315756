// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package system

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		s       string
		want    System
		wantErr bool
	}{
		{s: "x86_64-linux", want: System{Arch: "x86_64", OS: "linux"}},
		{s: "aarch64-darwin", want: System{Arch: "aarch64", OS: "darwin"}},
		{s: "i686-linux", want: System{Arch: "i686", OS: "linux"}},
		{s: "linux", wantErr: true},
		{s: "", wantErr: true},
		{s: "x86_64-unknown-linux", wantErr: true},
	}
	for _, test := range tests {
		got, err := Parse(test.s)
		if test.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) = %v, <nil>; want error", test.s, got)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("Parse(%q) = %v, %v; want %v, <nil>", test.s, got, err, test.want)
		}
	}
}

func TestCanHostRun(t *testing.T) {
	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{"x86_64-linux", "x86_64-linux", true},
		{"x86_64-linux", "i686-linux", true},
		{"aarch64-linux", "armv7l-linux", true},
		{"aarch64-darwin", "aarch64-linux", false},
		{"i686-linux", "x86_64-linux", false},
	}
	for _, test := range tests {
		host, err := Parse(test.host)
		if err != nil {
			t.Fatal(err)
		}
		want, err := Parse(test.want)
		if err != nil {
			t.Fatal(err)
		}
		if got := CanHostRun(host, want); got != test.ok {
			t.Errorf("CanHostRun(%v, %v) = %t; want %t", host, want, got, test.ok)
		}
	}
}
