// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"zombiezen.com/go/nix"
)

func newTestObjectInfo(t *testing.T) *ObjectInfo {
	t.Helper()
	h := nix.NewHasher(nix.SHA256)
	h.WriteString("hello")
	info := &ObjectInfo{
		StorePath: "/nix/store/ffffffffffffffffffffffffffffffff-hello",
		NARHash:   h.SumHash(),
		NARSize:   120,
	}
	info.References.Others.Add("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-dep")
	return info
}

func TestSignObjectInfo(t *testing.T) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	info := newTestObjectInfo(t)

	sig, err := SignObjectInfo(info, "cache.example.org-1", key)
	if err != nil {
		t.Fatal(err)
	}
	info.Sigs = append(info.Sigs, sig)

	if !VerifyObjectInfo(info, "cache.example.org-1", pub) {
		t.Error("VerifyObjectInfo = false; want true")
	}
	if VerifyObjectInfo(info, "other-key", pub) {
		t.Error("VerifyObjectInfo with wrong key name = true; want false")
	}

	// Tampering with the metadata must invalidate the signature.
	info.NARSize++
	if VerifyObjectInfo(info, "cache.example.org-1", pub) {
		t.Error("VerifyObjectInfo after tampering = true; want false")
	}
}

func TestSignObjectInfoBadKeyName(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	info := newTestObjectInfo(t)
	if _, err := SignObjectInfo(info, "bad:name", key); err == nil {
		t.Error("SignObjectInfo with colon in key name succeeded; want error")
	}
}

func TestFingerprint(t *testing.T) {
	info := newTestObjectInfo(t)
	got, err := info.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	want := "1;" + string(info.StorePath) + ";" + info.NARHash.Base32() + ";120;/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-dep"
	if got != want {
		t.Errorf("Fingerprint() = %q; want %q", got, want)
	}
}
