// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sync"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/pkg/errors"
)

var (
	shapeInferenceMu sync.RWMutex
	shapeInferences  = map[string]ShapeInferenceFn{
		"unary":  UnaryShape,
		"binary": BinaryShape,
	}
)

// RegisterShapeInference makes fn available to kernel specs under the given name.
// To be safe, call it during initialization of a package.
func RegisterShapeInference(name string, fn ShapeInferenceFn) {
	shapeInferenceMu.Lock()
	defer shapeInferenceMu.Unlock()
	shapeInferences[name] = fn
}

func lookupShapeInference(name string) (ShapeInferenceFn, bool) {
	shapeInferenceMu.RLock()
	defer shapeInferenceMu.RUnlock()
	fn, found := shapeInferences[name]
	return fn, found
}

// UnaryShape is the shape inference of element-wise kernels with one operand: the output has the shape
// of the input.
func UnaryShape(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) < 1 {
		return nil, errors.Errorf("unary kernel requires 1 input, got %d", len(inputs))
	}
	if inputs[0].DType == dtypes.InvalidDType {
		return nil, errors.Errorf("invalid shape %s for unary kernel", inputs[0])
	}
	return []shapes.Shape{inputs[0].Clone()}, nil
}

// BinaryShape is the shape inference of element-wise kernels with two operands: dimensions must match
// or be 1 (broadcast), and a scalar operand broadcasts to the other.
func BinaryShape(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) < 2 {
		return nil, errors.Errorf("binary kernel requires 2 inputs, got %d", len(inputs))
	}
	lhs, rhs := inputs[0], inputs[1]
	if lhs.DType == dtypes.InvalidDType || rhs.DType == dtypes.InvalidDType {
		return nil, errors.Errorf("invalid shape for %s or %s for binary kernel", lhs, rhs)
	}
	if lhs.DType != rhs.DType {
		return nil, errors.Errorf("data types for binary kernel must match, got %s and %s", lhs, rhs)
	}
	if lhs.IsScalar() {
		return []shapes.Shape{rhs.Clone()}, nil
	}
	if rhs.IsScalar() {
		return []shapes.Shape{lhs.Clone()}, nil
	}
	if lhs.Rank() != rhs.Rank() {
		return nil, errors.Errorf("if operands are not scalars, their rank must match for binary kernel, got shapes %s and %s",
			lhs, rhs)
	}
	output := lhs.Clone()
	for axis := range output.Rank() {
		lhsDim, rhsDim := lhs.Dimensions[axis], rhs.Dimensions[axis]
		if lhsDim != 1 && rhsDim != 1 && lhsDim != rhsDim {
			return nil, errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast for binary kernel, got shapes %s and %s",
				axis, lhs, rhs)
		}
		output.Dimensions[axis] = max(lhsDim, rhsDim)
	}
	return []shapes.Shape{output}, nil
}
