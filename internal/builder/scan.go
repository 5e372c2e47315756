// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"fmt"
	"iter"
	"sort"
	"strings"

	"crucible.build/pkg/internal/detect"
	"crucible.build/pkg/sets"
	"crucible.build/pkg/store"
)

// scanForReferences searches the NAR serialization of the tree at path
// for the digest of any of the referenceable store paths.
// Store paths share a common prefix,
// so searching for the 32-character digest alone is sufficient
// and also catches references in environments
// where the store prefix has been stripped.
func scanForReferences(path string, referenceable *sets.Sorted[store.Path]) ([]store.Path, error) {
	refFinder := detect.NewRefFinder(func(yield func(string) bool) {
		for p := range referenceable.Values() {
			if !yield(p.Digest()) {
				return
			}
		}
	})
	if err := dumpNAR(path, refFinder); err != nil {
		return nil, fmt.Errorf("scan for references in %s: %v", path, err)
	}

	var result []store.Path
	for _, digest := range refFinder.Found().All() {
		// All store paths have the same prefix followed by the digest,
		// so binary search over the sorted path set finds the match.
		i, ok := sort.Find(referenceable.Len(), func(i int) int {
			return strings.Compare(digest, referenceable.At(i).Digest())
		})
		if !ok {
			return nil, fmt.Errorf("scan for references in %s: internal error: digest %q not in search set", path, digest)
		}
		result = append(result, referenceable.At(i))
	}
	return result, nil
}

// referenceablePathsSeq yields the inputs, scratch outputs,
// and recursively added paths of the build:
// the superset of everything an output may reference.
func (b *Builder) referenceablePathsSeq() iter.Seq[store.Path] {
	return func(yield func(store.Path) bool) {
		for p := range b.inputPaths.Values() {
			if !yield(p) {
				return
			}
		}
		for _, p := range b.scratchOutputs {
			if !yield(p) {
				return
			}
		}
		for _, p := range b.addedPathsSnapshot() {
			if !yield(p) {
				return
			}
		}
	}
}
