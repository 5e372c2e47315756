// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// Package store provides the data model for a Nix-compatible
// content-addressed store:
// store directories, store paths, references, content addresses,
// and derivations.
package store

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	posixpath "path"
	"strings"

	"crucible.build/pkg/internal/storepath"
	"crucible.build/pkg/sets"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nixbase32"
)

// Directory is the absolute path of a store.
type Directory string

// DefaultDirectory is the conventional store directory.
const DefaultDirectory Directory = "/nix/store"

// CleanDirectory cleans an absolute POSIX-style path as a [Directory].
// It returns an error if the path is not absolute.
func CleanDirectory(path string) (Directory, error) {
	if !posixpath.IsAbs(path) {
		return "", fmt.Errorf("store directory %q is not absolute", path)
	}
	return Directory(posixpath.Clean(path)), nil
}

// DirectoryFromEnvironment returns the store [Directory] in use
// based on the NIX_STORE_DIR environment variable,
// falling back to [DefaultDirectory] if not set.
func DirectoryFromEnvironment() (Directory, error) {
	dir := os.Getenv("NIX_STORE_DIR")
	if dir == "" {
		return DefaultDirectory, nil
	}
	return CleanDirectory(dir)
}

// Object returns the store path for the given store object name.
func (dir Directory) Object(name string) (Path, error) {
	joined := dir.Join(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("parse store path %s: invalid object name %q", joined, name)
	}
	return ParsePath(joined)
}

// Join joins any number of path elements to the store directory.
func (dir Directory) Join(elem ...string) string {
	return posixpath.Join(append([]string{string(dir)}, elem...)...)
}

// ParsePath verifies that a given absolute path
// begins with the store directory
// and names either a store object or a file inside a store object.
// On success, it returns the store object's path
// and the relative path inside the store object, if any.
func (dir Directory) ParsePath(path string) (storePath Path, sub string, err error) {
	if !posixpath.IsAbs(path) {
		return "", "", fmt.Errorf("parse store path %s: not absolute", path)
	}
	cleaned := posixpath.Clean(path)
	dirPrefix := posixpath.Clean(string(dir)) + "/"
	tail, ok := strings.CutPrefix(cleaned, dirPrefix)
	if !ok {
		return "", "", fmt.Errorf("parse store path %s: outside %s", path, dir)
	}
	childName, sub, _ := strings.Cut(tail, "/")
	storePath, err = ParsePath(cleaned[:len(dirPrefix)+len(childName)])
	if err != nil {
		return "", "", err
	}
	return storePath, sub, nil
}

// Path is a store path:
// the absolute path of a store object in the filesystem.
// For example: "/nix/store/s66mzxpvicwk07gjbjfw9izjfa797vsw-hello-2.12.1".
type Path string

const (
	objectNameDigestLength = 32
	maxObjectNameLength    = objectNameDigestLength + 1 + 211
)

// ParsePath parses an absolute path as a store path
// (i.e. an immediate child of a store directory).
func ParsePath(path string) (Path, error) {
	if !posixpath.IsAbs(path) {
		return "", fmt.Errorf("parse store path %s: not absolute", path)
	}
	cleaned := posixpath.Clean(path)
	_, base := posixpath.Split(cleaned)
	if len(base) < objectNameDigestLength+len("-")+1 {
		return "", fmt.Errorf("parse store path %s: %q is too short", path, base)
	}
	if len(base) > maxObjectNameLength {
		return "", fmt.Errorf("parse store path %s: %q is too long", path, base)
	}
	for i := 0; i < len(base); i++ {
		if !isNameChar(base[i]) {
			return "", fmt.Errorf("parse store path %s: %q contains illegal character %q", path, base, base[i])
		}
	}
	if err := nixbase32.ValidateString(base[:objectNameDigestLength]); err != nil {
		return "", fmt.Errorf("parse store path %s: %v", path, err)
	}
	if base[objectNameDigestLength] != '-' {
		return "", fmt.Errorf("parse store path %s: digest not separated by dash", path)
	}
	return Path(cleaned), nil
}

// Dir returns the path's store directory.
func (path Path) Dir() Directory {
	return Directory(posixpath.Dir(string(path)))
}

// Base returns the last element of the path.
func (path Path) Base() string {
	if path == "" {
		return ""
	}
	return posixpath.Base(string(path))
}

// Digest returns the digest part of the store object name.
func (path Path) Digest() string {
	base := path.Base()
	if len(base) < objectNameDigestLength {
		return ""
	}
	return base[:objectNameDigestLength]
}

// Name returns the part of the store object name after the digest.
func (path Path) Name() string {
	base := path.Base()
	if len(base) <= objectNameDigestLength+len("-") {
		return ""
	}
	return base[objectNameDigestLength+len("-"):]
}

// Join joins any number of path elements to the store path.
func (path Path) Join(elem ...string) string {
	elem = append([]string{path.Base()}, elem...)
	return path.Dir().Join(elem...)
}

// IsDerivation reports whether the store object name ends in [DerivationExt].
func (path Path) IsDerivation() bool {
	_, isDrv := path.DerivationName()
	return isDrv
}

// DerivationName returns the name of the derivation
// with the [DerivationExt] suffix removed.
// ok is false if the path does not name a derivation.
func (path Path) DerivationName() (name string, ok bool) {
	name, ok = strings.CutSuffix(path.Name(), DerivationExt)
	return name, ok && name != ""
}

// MarshalText returns a byte slice of the path
// or an error if it's empty.
func (path Path) MarshalText() ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("marshal store path: empty")
	}
	return []byte(path), nil
}

// UnmarshalText validates and cleans the path in the same way as [ParsePath]
// and stores it into *path.
func (path *Path) UnmarshalText(data []byte) error {
	var err error
	*path, err = ParsePath(string(data))
	return err
}

// References represents the set of references a store object contains
// to other store paths.
// The zero value is an empty set.
type References struct {
	// Self is true if the store object contains one or more references to itself.
	Self bool
	// Others holds the paths of other store objects that the store object references.
	Others sets.Sorted[Path]
}

// IsEmpty reports whether refs represents the empty set.
func (refs References) IsEmpty() bool {
	return !refs.Self && refs.Others.Len() == 0
}

// MakeReferences converts a set of referenced paths into a [References] value
// relative to the given store object path.
func MakeReferences(path Path, refs *sets.Sorted[Path]) References {
	result := References{}
	for _, ref := range refs.All() {
		if ref == path {
			result.Self = true
		} else {
			result.Others.Add(ref)
		}
	}
	return result
}

// ToSet returns the reference set as a set of paths,
// expanding Self to the given path.
func (refs References) ToSet(self Path) *sets.Sorted[Path] {
	result := refs.Others.Clone()
	if refs.Self {
		result.Add(self)
	}
	return result
}

// MakeStorePath computes a store path
// according to https://nixos.org/manual/nix/stable/protocols/store-path.
func MakeStorePath(dir Directory, typ string, contentHash nix.Hash, name string, refs References) (Path, error) {
	h := sha256.New()
	io.WriteString(h, typ)
	for _, ref := range refs.Others.All() {
		io.WriteString(h, ":")
		io.WriteString(h, string(ref))
	}
	if refs.Self {
		io.WriteString(h, ":self")
	}
	digest := storepath.MakeDigest(h, string(dir), contentHash, name)
	return dir.Object(digest + "-" + name)
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '='
}
