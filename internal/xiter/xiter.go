// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// Package xiter provides additional functions for working with iterators.
package xiter

import "iter"

// Chain2 returns an iterator that is the logical concatenation
// of the provided iterators.
func Chain2[K, V any](iterators ...iter.Seq2[K, V]) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, it := range iterators {
			for k, v := range it {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
