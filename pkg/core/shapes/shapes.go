// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the element type and dimensions of a tensor operand.
//
// Dimensions are listed in "row-major" order: axis 0 is the outermost axis and the last axis is the
// innermost one (the fastest changing dimension in memory).
//
// Unlike shapes of an ML framework, an operand may have axes of dimension 0 ("zero-sized" tensors):
// the compiler has to legalize those too.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"golang.org/x/exp/constraints"
)

// Shape of a tensor operand: its element type and dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// Dimensions must be >= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given type.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last (innermost) axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() int {
	return product(s.Dimensions)
}

// Bytes returns the dense size in bytes of a tensor with this shape.
func (s Shape) Bytes() int64 {
	return int64(s.DType.Size()) * int64(s.Size())
}

// IsZeroSized returns whether any of the axes has dimension 0.
func (s Shape) IsZeroSized() bool {
	return slices.Contains(s.Dimensions, 0)
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithDType returns a copy of the shape with a different dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// WithDimensions returns a shape with the same dtype and the given dimensions.
func (s Shape) WithDimensions(dimensions ...int) Shape {
	return Make(s.DType, dimensions...)
}

// ExpandToRank returns the shape padded with leading (outermost) axes of dimension 1 until it has the given rank.
// The number of elements is unchanged. It panics if the shape already has a higher rank.
func (s Shape) ExpandToRank(rank int) Shape {
	if rank < s.Rank() {
		exceptions.Panicf("Shape.ExpandToRank(%d) of shape %s with higher rank", rank, s)
	}
	dims := make([]int, rank)
	padding := rank - s.Rank()
	for axis := range padding {
		dims[axis] = 1
	}
	copy(dims[padding:], s.Dimensions)
	return Make(s.DType, dims...)
}

// WithInnermostUnitAxis returns the shape with an extra innermost axis of dimension 1.
func (s Shape) WithInnermostUnitAxis() Shape {
	dims := append(slices.Clone(s.Dimensions), 1)
	return Make(s.DType, dims...)
}

// NonUnitDimensions returns the dimensions that are different from 1, in order.
func (s Shape) NonUnitDimensions() []int {
	dims := make([]int, 0, s.Rank())
	for _, dim := range s.Dimensions {
		if dim != 1 {
			dims = append(dims, dim)
		}
	}
	return dims
}

func product[T constraints.Integer](values []T) T {
	var p T = 1
	for _, v := range values {
		p *= v
	}
	return p
}
