// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package store

import (
	"strings"
	"testing"

	"zombiezen.com/go/nix"
)

func TestSourceSHA256ContentAddress(t *testing.T) {
	tests := []struct {
		name      string
		digest    string
		sourceNAR string

		wantCleartext string
		wantOffsets   []int64
	}{
		{
			name:   "NoSelfReference",
			digest: "",
			sourceNAR: "\x0d\x00\x00\x00\x00\x00\x00\x00" +
				"nix-archive-1\x00\x00\x00" +
				"\x01\x00\x00\x00\x00\x00\x00\x00" +
				"(\x00\x00\x00\x00\x00\x00\x00" +
				"\x04\x00\x00\x00\x00\x00\x00\x00" +
				"type\x00\x00\x00\x00" +
				"\x07\x00\x00\x00\x00\x00\x00\x00" +
				"regular\x00" +
				"\x08\x00\x00\x00\x00\x00\x00\x00" +
				"contents" +
				"\x0e\x00\x00\x00\x00\x00\x00\x00" +
				"Hello, World!\n\x00\x00" +
				"\x01\x00\x00\x00\x00\x00\x00\x00" +
				")\x00\x00\x00\x00\x00\x00\x00",
			wantCleartext: "\x0d\x00\x00\x00\x00\x00\x00\x00" +
				"nix-archive-1\x00\x00\x00" +
				"\x01\x00\x00\x00\x00\x00\x00\x00" +
				"(\x00\x00\x00\x00\x00\x00\x00" +
				"\x04\x00\x00\x00\x00\x00\x00\x00" +
				"type\x00\x00\x00\x00" +
				"\x07\x00\x00\x00\x00\x00\x00\x00" +
				"regular\x00" +
				"\x08\x00\x00\x00\x00\x00\x00\x00" +
				"contents" +
				"\x0e\x00\x00\x00\x00\x00\x00\x00" +
				"Hello, World!\n\x00\x00" +
				"\x01\x00\x00\x00\x00\x00\x00\x00" +
				")\x00\x00\x00\x00\x00\x00\x00" +
				"|",
		},
		{
			name:   "SelfReference",
			digest: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			sourceNAR: "\x0d\x00\x00\x00\x00\x00\x00\x00" +
				"nix-archive-1\x00\x00\x00" +
				"\x01\x00\x00\x00\x00\x00\x00\x00" +
				"(\x00\x00\x00\x00\x00\x00\x00" +
				"\x04\x00\x00\x00\x00\x00\x00\x00" +
				"type\x00\x00\x00\x00" +
				"\x07\x00\x00\x00\x00\x00\x00\x00" +
				"regular\x00" +
				"\x08\x00\x00\x00\x00\x00\x00\x00" +
				"contents" +
				"\x35\x00\x00\x00\x00\x00\x00\x00" +
				"/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-path.txt\n\x00\x00\x00" +
				"\x01\x00\x00\x00\x00\x00\x00\x00" +
				")\x00\x00\x00\x00\x00\x00\x00",
			wantCleartext: "\x0d\x00\x00\x00\x00\x00\x00\x00" +
				"nix-archive-1\x00\x00\x00" +
				"\x01\x00\x00\x00\x00\x00\x00\x00" +
				"(\x00\x00\x00\x00\x00\x00\x00" +
				"\x04\x00\x00\x00\x00\x00\x00\x00" +
				"type\x00\x00\x00\x00" +
				"\x07\x00\x00\x00\x00\x00\x00\x00" +
				"regular\x00" +
				"\x08\x00\x00\x00\x00\x00\x00\x00" +
				"contents" +
				"\x35\x00\x00\x00\x00\x00\x00\x00" +
				"/nix/store/" + strings.Repeat("\x00", 32) + "-path.txt\n\x00\x00\x00" +
				"\x01\x00\x00\x00\x00\x00\x00\x00" +
				")\x00\x00\x00\x00\x00\x00\x00" +
				"||107",
			wantOffsets: []int64{107},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ca, offsets, err := SourceSHA256ContentAddress(test.digest, strings.NewReader(test.sourceNAR))
			if err != nil {
				t.Fatal(err)
			}

			h := nix.NewHasher(nix.SHA256)
			h.WriteString(test.wantCleartext)
			want := nix.RecursiveFileContentAddress(h.SumHash())
			if !ca.Equal(want) {
				t.Errorf("content address = %v; want %v", ca, want)
			}
			if len(offsets) != len(test.wantOffsets) {
				t.Fatalf("offsets = %v; want %v", offsets, test.wantOffsets)
			}
			for i := range offsets {
				if offsets[i] != test.wantOffsets[i] {
					t.Errorf("offsets = %v; want %v", offsets, test.wantOffsets)
					break
				}
			}
		})
	}
}

func TestValidateContentAddress(t *testing.T) {
	sha1Hash := nix.NewHash(nix.SHA1, make([]byte, nix.SHA1.Size()))
	sha256Hash := nix.NewHash(nix.SHA256, make([]byte, nix.SHA256.Size()))
	someRefs := References{}
	someRefs.Others.Add("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-dep")

	tests := []struct {
		name string
		ca   nix.ContentAddress
		refs References
		err  bool
	}{
		{
			name: "Zero",
			err:  true,
		},
		{
			name: "TextSHA256",
			ca:   nix.TextContentAddress(sha256Hash),
		},
		{
			name: "TextSHA1",
			ca:   nix.TextContentAddress(sha1Hash),
			err:  true,
		},
		{
			name: "TextSelfReference",
			ca:   nix.TextContentAddress(sha256Hash),
			refs: References{Self: true},
			err:  true,
		},
		{
			name: "SourceWithReferences",
			ca:   nix.RecursiveFileContentAddress(sha256Hash),
			refs: someRefs,
		},
		{
			name: "FixedWithReferences",
			ca:   nix.FlatFileContentAddress(sha256Hash),
			refs: someRefs,
			err:  true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateContentAddress(test.ca, test.refs)
			if (err != nil) != test.err {
				t.Errorf("ValidateContentAddress(%v, %v) = %v; want err=%t", test.ca, test.refs, err, test.err)
			}
		})
	}
}
