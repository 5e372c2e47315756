// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package store

import (
	"iter"
	"strings"
)

// A type that implements Replacer can transform a string.
// Implementations of Replace must be safe to call
// from multiple goroutines simultaneously.
//
// [*strings.Replacer] is a common implementation of Replacer.
type Replacer interface {
	Replace(s string) string
}

// NewReplacer returns a [*strings.Replacer]
// that substitutes each key of the sequence with its value.
func NewReplacer[K, V ~string](rewrites iter.Seq2[K, V]) *strings.Replacer {
	var args []string
	for k, v := range rewrites {
		args = append(args, string(k), string(v))
	}
	return strings.NewReplacer(args...)
}

// ExpandPlaceholders returns a copy of drv
// with r.Replace applied to its builder, builder arguments,
// and environment variables.
func ExpandPlaceholders(r Replacer, drv *Derivation) *Derivation {
	drv = drv.Clone()
	drv.Builder = r.Replace(drv.Builder)
	for i, arg := range drv.Args {
		drv.Args[i] = r.Replace(arg)
	}
	oldEnv := drv.Env
	drv.Env = make(map[string]string, len(oldEnv))
	for k, v := range oldEnv {
		drv.Env[r.Replace(k)] = r.Replace(v)
	}
	return drv
}
