// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implement a set type as a `map[T]struct{}` but with better ergonomics, and an
// insertion-ordered variant for passes that must be deterministic.
package sets

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith creates a Set[T] with the given elements inserted.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Sub returns `s - s2`, that is, all elements in `s` that are not in `s2`.
func (s Set[T]) Sub(s2 Set[T]) Set[T] {
	sub := Make[T]()
	for k := range s {
		if !s2.Has(k) {
			sub.Insert(k)
		}
	}
	return sub
}

// Equal returns whether s and s2 have the exact same elements.
func (s Set[T]) Equal(s2 Set[T]) bool {
	if len(s) != len(s2) {
		return false
	}
	for k := range s {
		if !s2.Has(k) {
			return false
		}
	}
	return true
}

// Ordered is a set that remembers the order in which elements were first inserted.
// The zero value is ready to use.
type Ordered[T comparable] struct {
	index    map[T]int
	elements []T
}

// NewOrdered returns an Ordered set with the given elements inserted.
func NewOrdered[T comparable](elements ...T) *Ordered[T] {
	o := &Ordered[T]{}
	o.Insert(elements...)
	return o
}

// Insert appends the keys not yet in the set. It returns the number of new elements.
func (o *Ordered[T]) Insert(keys ...T) (inserted int) {
	if o.index == nil {
		o.index = make(map[T]int)
	}
	for _, key := range keys {
		if _, found := o.index[key]; found {
			continue
		}
		o.index[key] = len(o.elements)
		o.elements = append(o.elements, key)
		inserted++
	}
	return
}

// Has returns whether key is in the set.
func (o *Ordered[T]) Has(key T) bool {
	_, found := o.index[key]
	return found
}

// Len returns the number of elements.
func (o *Ordered[T]) Len() int { return len(o.elements) }

// Elements returns the elements in insertion order. The slice is owned by the set and shouldn't be changed.
func (o *Ordered[T]) Elements() []T { return o.elements }
