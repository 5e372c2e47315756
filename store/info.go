// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/nix"
)

// ObjectInfo is the metadata the store records for a valid store object.
type ObjectInfo struct {
	// StorePath is the absolute path of the store object.
	StorePath Path
	// NARHash is the hash of the object's NAR serialization.
	NARHash nix.Hash
	// NARSize is the size of the object's NAR serialization in bytes.
	NARSize int64
	// References is the set of store objects this object references.
	References References
	// CA is an optional content-addressability assertion.
	CA nix.ContentAddress
	// Deriver is the path of the derivation that produced this object,
	// if known.
	Deriver Path
	// Ultimate is true if the object was built locally
	// and is trusted without a signature.
	Ultimate bool
	// Sigs is the set of signatures for this object,
	// each in "keyName:base64" form.
	Sigs []string
	// RegistrationTime is when the object was added to the store.
	RegistrationTime time.Time
}

// Clone returns a deep copy of info.
func (info *ObjectInfo) Clone() *ObjectInfo {
	info2 := new(ObjectInfo)
	*info2 = *info
	info2.References.Others = *info.References.Others.Clone()
	info2.Sigs = append([]string(nil), info.Sigs...)
	return info2
}

// Fingerprint returns the string that signatures for this object
// are computed over.
func (info *ObjectInfo) Fingerprint() (string, error) {
	if info.StorePath == "" {
		return "", fmt.Errorf("store object fingerprint: missing path")
	}
	if info.NARHash.IsZero() || info.NARSize <= 0 {
		return "", fmt.Errorf("store object fingerprint for %s: missing NAR metadata", info.StorePath)
	}
	sb := new(strings.Builder)
	sb.WriteString("1;")
	sb.WriteString(string(info.StorePath))
	sb.WriteString(";")
	sb.WriteString(info.NARHash.Base32())
	sb.WriteString(";")
	fmt.Fprintf(sb, "%d", info.NARSize)
	sb.WriteString(";")
	for i, ref := range info.References.ToSet(info.StorePath).All() {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(string(ref))
	}
	return sb.String(), nil
}
