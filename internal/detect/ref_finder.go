// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package detect

import (
	"cmp"
	"iter"
	"slices"

	"crucible.build/pkg/sets"
)

// A RefFinder records which strings from a search set
// occur in a byte stream written to it.
// It is used to scan build outputs for references to store path digests.
type RefFinder struct {
	root    *refNode
	threads []*refNode
	found   sets.Sorted[string]
}

// NewRefFinder returns a new [RefFinder]
// that searches for the strings produced by search.
func NewRefFinder(search iter.Seq[string]) *RefFinder {
	rf := &RefFinder{root: new(refNode)}
	for s := range search {
		if s == "" {
			rf.found.Add("")
			continue
		}
		rf.root.add(s)
	}
	return rf
}

// Found returns the set of search strings seen in the stream so far.
func (rf *RefFinder) Found() *sets.Sorted[string] {
	return rf.found.Clone()
}

// Write implements [io.Writer].
// The bytes written are treated as one contiguous stream:
// occurrences may span multiple Write calls.
func (rf *RefFinder) Write(p []byte) (int, error) {
	for _, b := range p {
		rf.step(b)
	}
	return len(p), nil
}

// WriteString implements [io.StringWriter].
func (rf *RefFinder) WriteString(s string) (int, error) {
	for _, b := range []byte(s) { // does not allocate
		rf.step(b)
	}
	return len(s), nil
}

// step advances every live partial match by one byte.
// Matches are tracked as "threads":
// pointers into the trie built by [refNode.add].
// Each byte may also start a new thread at the root.
func (rf *RefFinder) step(b byte) {
	rf.threads = append(rf.threads, rf.root)

	n := 0
	for _, curr := range rf.threads {
		i, ok := curr.find(b)
		if !ok {
			continue
		}
		next := curr.children[i]
		if next.match != "" {
			rf.found.Add(next.match)
		}
		if len(next.children) > 0 {
			rf.threads[n] = next
			n++
		}
	}
	clear(rf.threads[n:])
	rf.threads = rf.threads[:n]
}

type refNode struct {
	b        byte
	match    string
	children []*refNode
}

func (node *refNode) find(b byte) (i int, ok bool) {
	return slices.BinarySearchFunc(node.children, b, func(child *refNode, b byte) int {
		return cmp.Compare(child.b, b)
	})
}

func (node *refNode) add(s string) {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if j, ok := node.find(b); ok {
			node = node.children[j]
		} else {
			child := &refNode{b: b}
			node.children = slices.Insert(node.children, j, child)
			node = child
		}
	}
	node.match = s
}
