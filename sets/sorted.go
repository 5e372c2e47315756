// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package sets

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
)

// Sorted is a set maintained as a sorted list of unique items.
// The zero value is an empty set.
// A nil *Sorted behaves like an empty set for read operations,
// but any attempt to add to it will panic.
type Sorted[T cmp.Ordered] struct {
	elems []T
}

// NewSorted returns a new set containing the given elements.
func NewSorted[T cmp.Ordered](elem ...T) *Sorted[T] {
	s := new(Sorted[T])
	s.Add(elem...)
	return s
}

// CollectSorted returns a new set containing the elements of the given iterator.
func CollectSorted[T cmp.Ordered](seq iter.Seq[T]) *Sorted[T] {
	s := new(Sorted[T])
	s.AddSeq(seq)
	return s
}

// Add adds the arguments to the set.
func (s *Sorted[T]) Add(elem ...T) {
	s.AddSeq(slices.Values(elem))
}

// AddSeq adds the values from seq to the set.
func (s *Sorted[T]) AddSeq(seq iter.Seq[T]) {
	for x := range seq {
		i, present := slices.BinarySearch(s.elems, x)
		if !present {
			s.elems = slices.Insert(s.elems, i, x)
		}
	}
}

// AddSet adds the elements of other to s.
func (s *Sorted[T]) AddSet(other *Sorted[T]) {
	if other != nil {
		s.Add(other.elems...)
	}
}

// Has reports whether the set contains x.
func (s *Sorted[T]) Has(x T) bool {
	if s == nil {
		return false
	}
	_, present := slices.BinarySearch(s.elems, x)
	return present
}

// Len returns the number of elements in the set.
func (s *Sorted[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.elems)
}

// At returns the i'th element of the set in ascending order.
func (s *Sorted[T]) At(i int) T {
	return s.elems[i]
}

// Clone returns a new set containing the same elements as s.
func (s *Sorted[T]) Clone() *Sorted[T] {
	if s == nil {
		return new(Sorted[T])
	}
	return &Sorted[T]{elems: slices.Clone(s.elems)}
}

// Grow ensures that the set can add n more unique elements without allocating.
func (s *Sorted[T]) Grow(n int) {
	s.elems = slices.Grow(s.elems, n)
}

// Delete removes x from the set if present.
func (s *Sorted[T]) Delete(x T) {
	if s == nil {
		return
	}
	if i, present := slices.BinarySearch(s.elems, x); present {
		s.elems = slices.Delete(s.elems, i, i+1)
	}
}

// Values returns an iterator over the elements of s in ascending order.
func (s *Sorted[T]) Values() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < s.Len(); i++ {
			if !yield(s.elems[i]) {
				return
			}
		}
	}
}

// All returns an indexed iterator over the elements of s in ascending order.
func (s *Sorted[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := 0; i < s.Len(); i++ {
			if !yield(i, s.elems[i]) {
				return
			}
		}
	}
}

// Format implements [fmt.Formatter]
// by formatting the set's elements according to the printer state and verb
// surrounded by braces.
func (s *Sorted[T]) Format(f fmt.State, verb rune) {
	format(f, verb, s.Values())
}
