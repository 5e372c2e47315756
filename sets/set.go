// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

// Package sets provides generic set types.
package sets

import (
	"fmt"
	"iter"
	"maps"
	"strings"
)

// Set is an unordered set with O(1) lookup, insertion, and deletion.
// The zero value is an empty set,
// but any attempt to add to a nil Set will panic.
type Set[T comparable] map[T]struct{}

// New returns a new set containing the arguments passed to it.
func New[T comparable](elem ...T) Set[T] {
	s := make(Set[T], len(elem))
	s.Add(elem...)
	return s
}

// Collect returns a new set containing the elements of the given iterator.
func Collect[T comparable](seq iter.Seq[T]) Set[T] {
	s := make(Set[T])
	s.AddSeq(seq)
	return s
}

// Add adds the arguments to the set.
func (s Set[T]) Add(elem ...T) {
	for _, x := range elem {
		s[x] = struct{}{}
	}
}

// AddSeq adds the values from seq to the set.
func (s Set[T]) AddSeq(seq iter.Seq[T]) {
	for x := range seq {
		s[x] = struct{}{}
	}
}

// Has reports whether the set contains x.
func (s Set[T]) Has(x T) bool {
	_, present := s[x]
	return present
}

// Delete removes x from the set if present.
func (s Set[T]) Delete(x T) {
	delete(s, x)
}

// Len returns the number of elements in the set.
func (s Set[T]) Len() int {
	return len(s)
}

// Clone returns a new set containing the same elements as s.
func (s Set[T]) Clone() Set[T] {
	if s == nil {
		return make(Set[T])
	}
	return maps.Clone(s)
}

// All returns an iterator over the elements of s
// in no particular order.
func (s Set[T]) All() iter.Seq[T] {
	return maps.Keys(s)
}

// Format implements [fmt.Formatter]
// by formatting the set's elements according to the printer state and verb
// surrounded by braces.
func (s Set[T]) Format(f fmt.State, verb rune) {
	format(f, verb, s.All())
}

func format[T any](f fmt.State, verb rune, seq iter.Seq[T]) {
	sb := new(strings.Builder)
	sb.WriteString("{")
	spec := fmt.FormatString(f, verb)
	first := true
	for x := range seq {
		if !first {
			sb.WriteString(" ")
		}
		fmt.Fprintf(sb, spec, x)
		first = false
	}
	sb.WriteString("}")
	f.Write([]byte(sb.String()))
}
