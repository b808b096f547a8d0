// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/pkg/errors"
)

// TransposeParams are the parameters of KindTranspose, KindLogicalTranspose and the physical transposes:
// output dimension i is input dimension Permutation[i].
type TransposeParams struct {
	Permutation perm.Permutation
}

// AxisParams are the parameters of axis-keyed kinds (split, concat) and of expand/squeeze.
type AxisParams struct {
	Axis int
}

// SliceParams are the parameters of KindSlice: the output is input[Starts:Ends:Steps] per axis.
type SliceParams struct {
	Starts, Ends, Steps []int
}

// ConvParams are the parameters of the convolution family.
type ConvParams struct {
	Groups    int
	Strides   []int
	Dilations []int
	Paddings  [][2]int
}

// GEMMParams are the parameters of KindGEMM and KindBatchGEMM.
type GEMMParams struct {
	TransposeA, TransposeB bool
}

// StridedViewParams are the parameters of KindStridedView: the output is the view of the input starting
// at element Offset with the given strides (in elements).
type StridedViewParams struct {
	Offset  int
	Strides []int
}

// BatchNormParams are the parameters of the batch normalization kernels.
type BatchNormParams struct {
	Momentum, Epsilon float32
	Training          bool
}

// LinearParams are the parameters of KindLinear: a GEMM followed by a bias add and an optional activation
// kernel (e.g. "relu").
type LinearParams struct {
	Activation string
}

// ReductionParams are the parameters of KindReduction.
type ReductionParams struct {
	Op ReduceOp
}

// PackingParams are set on convolutions packed along the input width: Factor input positions are
// stacked into the channels axis.
type PackingParams struct {
	ConvParams
	Factor int
}

// RoundMode is the rounding of the conversions done by cast kernels.
type RoundMode int

const (
	// RoundDefault is the kernel default: to nearest, ties to even.
	RoundDefault RoundMode = iota
	RoundHalfToEven
	RoundDown
	RoundUp
	RoundTowardZero
	RoundHalfAwayFromZero
	RoundStochastic
)

var roundModeNames = []string{"default", "half_ne", "down", "up", "zero", "half_az", "sr"}

// String implements fmt.Stringer.
func (m RoundMode) String() string {
	if m < 0 || int(m) >= len(roundModeNames) {
		return "invalid"
	}
	return roundModeNames[m]
}

// ParseRoundMode converts a rounding mode name ("default", "half_ne", "down", "up", "zero", "half_az", "sr").
func ParseRoundMode(name string) (RoundMode, error) {
	if name == "" {
		return RoundDefault, nil
	}
	if idx := slices.Index(roundModeNames, name); idx >= 0 {
		return RoundMode(idx), nil
	}
	return RoundDefault, errors.Errorf("unknown rounding mode %q, valid values are %q", name, roundModeNames)
}

// CastParams are the parameters of cast kernels. A nil parameter block means the default rounding.
type CastParams struct {
	RoundMode RoundMode
}

// ConstantParams are the parameters of the "constant" kernels, which fill their output with Value.
type ConstantParams struct {
	Value float64
}
