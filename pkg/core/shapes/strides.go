// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"
)

// DenseStrides returns the strides for each axis of the shape, assuming a dense "row-major" layout
// in memory.
//
// Notice the strides are **not in bytes**, but in elements.
func (s Shape) DenseStrides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= max(s.Dimensions[axis], 1)
	}
	return
}

// IsDense returns whether the given strides (in elements) describe a dense row-major layout of the shape.
// A nil strides slice is considered dense. Strides of unit axes are ignored, since they are never used
// to address memory.
func (s Shape) IsDense(strides []int) bool {
	if strides == nil {
		return true
	}
	if len(strides) != s.Rank() {
		return false
	}
	dense := s.DenseStrides()
	for axis, stride := range strides {
		if s.Dimensions[axis] == 1 {
			continue
		}
		if stride != dense[axis] {
			return false
		}
	}
	return true
}

// PermuteStrides returns the strides re-ordered the same way as the axes of a transposition
// with the given permutation: out[i] = strides[permutation[i]].
func PermuteStrides(strides []int, permutation []int) []int {
	if len(strides) != len(permutation) {
		return slices.Clone(strides)
	}
	out := make([]int, len(strides))
	for i, axis := range permutation {
		out[i] = strides[axis]
	}
	return out
}
