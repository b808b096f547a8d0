// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package constfold folds nodes whose result is known at compilation time into static constant tensors:
// "constant_<dtype>" kernels filling a small output, and casts of one element constants.
//
// A folded node is not executed: its output is bound to the computed data (see graph.Tensor.SetConstant) and
// the node can be dropped.
package constfold

import (
	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Folder decides which nodes are folded and computes their outputs.
type Folder struct {
	// Constants enables the folding of "constant" kernels with outputs up to MaxConstantBytes.
	Constants        bool
	MaxConstantBytes int64

	// Casts enables the folding of casts of one element constants.
	Casts bool
}

// New returns a Folder with both rules enabled, for a device with the given capabilities.
func New(caps *graph.HardwareCapabilities) *Folder {
	return &Folder{Constants: true, Casts: true, MaxConstantBytes: caps.ConstantKernelBytes}
}

// foldableOutput returns whether the output can be bound to constant data.
func foldableOutput(output *graph.Tensor) bool {
	return output != nil && !output.UserManaged && !output.IsAliased() && !output.IsDynamic() &&
		output.IsDense() && !output.IsZeroSized() && output.Shape().DType.HasValues()
}

// Fold folds n if possible. It returns false, leaving n untouched, if the node can't be folded.
func (f *Folder) Fold(n *graph.Node) (bool, error) {
	if n.Kind() != graph.KindTPC || n.NumOutputs() != 1 || !foldableOutput(n.Output(0)) {
		return false, nil
	}
	if f.Constants && graph.IsConstantGUID(n.GUID()) {
		return f.foldConstant(n)
	}
	if f.Casts {
		if from, to, ok := graph.ParseCastGUID(n.GUID()); ok {
			return f.foldCast(n, from, to)
		}
	}
	return false, nil
}

// constantParams returns the value of a constant node.
func constantParams(n *graph.Node) (graph.ConstantParams, bool) {
	switch p := n.Params().(type) {
	case graph.ConstantParams:
		return p, true
	case *graph.ConstantParams:
		if p != nil {
			return *p, true
		}
	}
	return graph.ConstantParams{}, false
}

// roundMode returns the rounding mode of a cast node.
func roundMode(n *graph.Node) graph.RoundMode {
	switch p := n.Params().(type) {
	case graph.CastParams:
		return p.RoundMode
	case *graph.CastParams:
		if p != nil {
			return p.RoundMode
		}
	}
	return graph.RoundDefault
}

// constantValue converts the fill value of a constant kernel to its output dtype.
func constantValue(value float64, dtype dtypes.DType) (float64, bool) {
	switch dtype {
	case dtypes.Int8, dtypes.Uint8, dtypes.Int16, dtypes.Uint16:
		return clampToInt(value, dtype, graph.RoundHalfAwayFromZero), true
	case dtypes.Int32, dtypes.Uint32:
		return clampToInt(value, dtype, graph.RoundTowardZero), true
	case dtypes.Float32, dtypes.Float16, dtypes.BFloat16:
		// Rounded by the encoding.
		return value, true
	}
	return 0, false
}

func (f *Folder) foldConstant(n *graph.Node) (bool, error) {
	output := n.Output(0)
	params, ok := constantParams(n)
	if n.NumInputs() != 0 || !ok || output.Bytes() > f.MaxConstantBytes {
		return false, nil
	}
	value, ok := constantValue(params.Value, output.Shape().DType)
	if !ok {
		return false, nil
	}
	values := make([]float64, output.Shape().Size())
	for i := range values {
		values[i] = value
	}
	data, err := dtypes.EncodeValues(output.Shape().DType, values)
	if err != nil {
		return false, errors.WithMessagef(err, "folding constant node %q", n.Name())
	}
	output.SetConstant(data)
	klog.V(1).Infof("constant node %q folded: %s filled with %g", n.Name(), output.Shape(), value)
	return true, nil
}

// castableTypes are the dtypes of the casts that can be folded.
var castableTypes = dtypes.MaskOf(dtypes.Int8, dtypes.Uint8, dtypes.Int16, dtypes.Uint16, dtypes.Int32, dtypes.Uint32,
	dtypes.Float16, dtypes.BFloat16, dtypes.Float32)

func (f *Folder) foldCast(n *graph.Node, from, to dtypes.DType) (bool, error) {
	if n.NumInputs() != 1 || n.Input(0) == nil {
		return false, nil
	}
	input, output := n.Input(0), n.Output(0)
	mode := roundMode(n)
	if !input.IsConstant() || input.Shape().DType != from || output.Shape().DType != to ||
		output.Shape().Size() != 1 || input.Shape().Size() != 1 ||
		!castableTypes.Has(from) || !castableTypes.Has(to) || mode == graph.RoundStochastic {
		return false, nil
	}
	x, err := dtypes.DecodeValue(from, input.Data(), 0)
	if err != nil {
		return false, errors.WithMessagef(err, "folding cast node %q", n.Name())
	}
	value, ok := castValue(x, from, to, mode)
	if !ok {
		return false, nil
	}
	data, err := dtypes.EncodeValues(to, []float64{value})
	if err != nil {
		return false, errors.WithMessagef(err, "folding cast node %q", n.Name())
	}
	output.SetConstant(data)
	klog.V(1).Infof("cast node %q folded: %g (%s) -> %g (%s), rounding %s", n.Name(), x, from, value, to, mode)
	return true, nil
}

// castValue returns the value x of dtype from converted to dtype to. Integer to float conversions are not
// folded.
func castValue(x float64, from, to dtypes.DType, mode graph.RoundMode) (float64, bool) {
	switch {
	case from.IsInt() && to.IsInt():
		if from.Size() == to.Size() && isUnsigned(from) != isUnsigned(to) {
			// Same width with a change of sign: saturate instead of wrapping.
			lo, hi := intRange(to)
			return max(lo, min(hi, x)), true
		}
		// Truncated to the width of to by the encoding.
		return x, true

	case from.IsFloat() && to.IsFloat():
		if format, found := halfFormats[to]; found {
			return float64(roundHalf(format, float32(x), mode)), true
		}
		return x, true

	case from.IsFloat() && to.IsInt():
		if isUnsigned(to) && x < 0 {
			return 0, true
		}
		return clampToInt(x, to, mode), true
	}
	return 0, false
}
