// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// SignObjectInfo computes an Ed25519 signature
// over the store object's fingerprint
// and returns it in "keyName:base64" form.
func SignObjectInfo(info *ObjectInfo, keyName string, key ed25519.PrivateKey) (string, error) {
	if keyName == "" || strings.Contains(keyName, ":") {
		return "", fmt.Errorf("sign %s: invalid key name %q", info.StorePath, keyName)
	}
	fingerprint, err := info.Fingerprint()
	if err != nil {
		return "", fmt.Errorf("sign %s: %v", info.StorePath, err)
	}
	sig := ed25519.Sign(key, []byte(fingerprint))
	return keyName + ":" + base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyObjectInfo reports whether one of the object's signatures
// was produced by the given key.
func VerifyObjectInfo(info *ObjectInfo, keyName string, publicKey ed25519.PublicKey) bool {
	fingerprint, err := info.Fingerprint()
	if err != nil {
		return false
	}
	for _, s := range info.Sigs {
		name, encoded, ok := strings.Cut(s, ":")
		if !ok || name != keyName {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if ed25519.Verify(publicKey, []byte(fingerprint), sig) {
			return true
		}
	}
	return false
}
