// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package detect

import (
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHashModuloReader(t *testing.T) {
	tests := []struct {
		name        string
		old         string
		new         string
		input       string
		want        string
		wantOffsets []int64
	}{
		{
			name:  "Empty",
			old:   "abc",
			new:   "xyz",
			input: "",
			want:  "",
		},
		{
			name:  "NoMatch",
			old:   "abc",
			new:   "xyz",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:        "SingleMatch",
			old:         "abc",
			new:         "xyz",
			input:       "1abc2",
			want:        "1xyz2",
			wantOffsets: []int64{1},
		},
		{
			name:        "MatchAtEnd",
			old:         "abc",
			new:         "xyz",
			input:       "12abc",
			want:        "12xyz",
			wantOffsets: []int64{2},
		},
		{
			name:        "MultipleMatches",
			old:         "abc",
			new:         "xyz",
			input:       "abcababcabc",
			want:        "xyzabxyzxyz",
			wantOffsets: []int64{0, 5, 8},
		},
		{
			name:  "PartialMatchAtEnd",
			old:   "abc",
			new:   "xyz",
			input: "12ab",
			want:  "12ab",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// Use a one-byte-at-a-time reader to exercise buffering.
			hmr := NewHashModuloReader(test.old, test.new, iotest(test.input))
			got, err := io.ReadAll(hmr)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != test.want {
				t.Errorf("output = %q; want %q", got, test.want)
			}
			if len(got) != len(test.input) {
				t.Errorf("output length = %d; want %d (rewrites must preserve length)", len(got), len(test.input))
			}
			if diff := cmp.Diff(test.wantOffsets, hmr.Offsets()); diff != "" {
				t.Errorf("offsets (-want +got):\n%s", diff)
			}
		})
	}
}

// iotest returns a reader that yields one byte per Read call.
func iotest(s string) io.Reader {
	return &oneByteReader{r: strings.NewReader(s)}
}

type oneByteReader struct {
	r io.Reader
}

func (obr *oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return obr.r.Read(p)
}

func TestRefFinder(t *testing.T) {
	digests := []string{
		"s66mzxpvicwk07gjbjfw9izjfa797vsw",
		"ib3sh3pcz10wsmavxvkdbayhqivbghlq",
	}
	rf := NewRefFinder(slices.Values(digests))
	io.WriteString(rf, "stuff before /nix/store/s66mzxpvicwk07gjbj")
	io.WriteString(rf, "fw9izjfa797vsw-hello-2.12.1/bin/hello and after")
	got := slices.Collect(rf.Found().Values())
	want := []string{"s66mzxpvicwk07gjbjfw9izjfa797vsw"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Found() (-want +got):\n%s", diff)
	}
}

func TestRefFinderNoMatch(t *testing.T) {
	rf := NewRefFinder(slices.Values([]string{"abcdef"}))
	io.WriteString(rf, "abcde")
	io.WriteString(rf, "x")
	if got := rf.Found().Len(); got != 0 {
		t.Errorf("Found().Len() = %d; want 0", got)
	}
}
