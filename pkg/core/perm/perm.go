// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package perm implements the axis permutation and layout algebra used to adapt operand memory layouts.
//
// A Permutation p of rank r is a bijection over {0..r-1}. Applying it to the dimensions d of a tensor
// (a transposition) yields out[i] = d[p[i]].
//
// A Layout names the order of the axes of an operand, e.g. "NHWC", listed from the outermost to the innermost
// axis. See ParseLayout for how layouts coming from kernels are normalized.
package perm

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Permutation of the axes of a tensor. See package documentation for the convention.
//
// A nil or empty Permutation means "no permutation".
type Permutation []int

// Identity returns the identity permutation of the given rank.
func Identity(rank int) Permutation {
	p := make(Permutation, rank)
	for i := range p {
		p[i] = i
	}
	return p
}

// New creates a Permutation from the given values, and checks it is a valid bijection.
func New(values ...int) (Permutation, error) {
	p := Permutation(slices.Clone(values))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Must is like New, but panics if the values are not a valid permutation.
func Must(values ...int) Permutation {
	p, err := New(values...)
	if err != nil {
		panic(err)
	}
	return p
}

// Rank of the permutation.
func (p Permutation) Rank() int { return len(p) }

// Validate returns an error if p is not a bijection over {0..len(p)-1}.
func (p Permutation) Validate() error {
	seen := make([]bool, len(p))
	for i, axis := range p {
		if axis < 0 || axis >= len(p) {
			return errors.Errorf("invalid permutation %v: value %d at position %d is out of range", []int(p), axis, i)
		}
		if seen[axis] {
			return errors.Errorf("invalid permutation %v: axis %d is repeated", []int(p), axis)
		}
		seen[axis] = true
	}
	return nil
}

// IsIdentity returns whether p keeps every axis in place. An empty permutation is the identity.
func (p Permutation) IsIdentity() bool {
	for i, axis := range p {
		if i != axis {
			return false
		}
	}
	return true
}

// IsDontCare returns whether the permutation is meaningless for reordering: that is the case for
// permutations of rank 0 or 1.
func (p Permutation) IsDontCare() bool {
	return len(p) <= 1
}

// Equal returns whether both permutations are the same.
func (p Permutation) Equal(q Permutation) bool {
	return slices.Equal(p, q)
}

// Clone returns a copy of the permutation.
func (p Permutation) Clone() Permutation {
	return slices.Clone(p)
}

// Inverse returns the permutation q such that Compose(p, q) and Compose(q, p) are the identity.
func (p Permutation) Inverse() Permutation {
	if p == nil {
		return nil
	}
	inv := make(Permutation, len(p))
	for i, axis := range p {
		inv[axis] = i
	}
	return inv
}

// Compose returns the permutation equivalent to applying q and then p.
// Both must have the same rank.
func Compose(p, q Permutation) Permutation {
	if len(p) != len(q) {
		exceptions.Panicf("perm.Compose(%v, %v): permutations of different ranks", p, q)
	}
	r := make(Permutation, len(p))
	for i, axis := range p {
		r[i] = q[axis]
	}
	return r
}

// IndexOf returns the position i such that p[i] == axis, or -1 if axis is not in the permutation.
//
// After a transposition with p, the old axis `axis` is found at position IndexOf(axis).
func (p Permutation) IndexOf(axis int) int {
	return slices.Index(p, axis)
}

// Apply returns the values re-ordered by the permutation: out[i] = values[p[i]].
func Apply[T any](p Permutation, values []T) []T {
	if len(p) != len(values) {
		exceptions.Panicf("perm.Apply(%v): permutation rank doesn't match the %d values", p, len(values))
	}
	out := make([]T, len(values))
	for i, axis := range p {
		out[i] = values[axis]
	}
	return out
}

// ApplyToShape returns the shape after a transposition with p.
func (p Permutation) ApplyToShape(shape shapes.Shape) shapes.Shape {
	return shapes.Make(shape.DType, Apply(p, shape.Dimensions)...)
}

// MovesOnlyUnitAxes returns whether the transposition of a tensor with the given dimensions by p keeps the
// relative order of all non-unit axes. In that case the transposition doesn't move any data, and it is
// equivalent to a reshape.
func (p Permutation) MovesOnlyUnitAxes(dimensions []int) bool {
	last := -1
	for _, axis := range p {
		if dimensions[axis] == 1 {
			continue
		}
		if axis < last {
			return false
		}
		last = axis
	}
	return true
}

// String implements fmt.Stringer.
func (p Permutation) String() string {
	if p == nil {
		return "[]"
	}
	parts := make([]string, len(p))
	for i, axis := range p {
		parts[i] = fmt.Sprint(axis)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
