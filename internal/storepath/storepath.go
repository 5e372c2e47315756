// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// Package storepath computes the digest part of store object names.
package storepath

import (
	"hash"
	"io"

	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

// MakeDigest computes the digest of a store path.
// h must be a SHA-256 hash (as obtained by [crypto/sha256.New])
// to which the path type string has already been written.
func MakeDigest(h hash.Hash, dir string, contentHash nix.Hash, name string) string {
	io.WriteString(h, ":")
	io.WriteString(h, contentHash.Base16())
	io.WriteString(h, ":")
	io.WriteString(h, dir)
	io.WriteString(h, ":")
	io.WriteString(h, name)
	fingerprint := h.Sum(nil)
	compressed := make([]byte, 20)
	nix.CompressHash(compressed, fingerprint)
	return nixbase32.EncodeToString(compressed)
}
