// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"fmt"
	"slices"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"k8s.io/klog/v2"
)

// GUIDWeightPacking is the vector-compute kernel building the block-diagonal weights of a packed convolution.
const GUIDWeightPacking = "conv_weight_packing_fwd"

// packingVectorBytes is the width of the matrix-multiply output vector: packing fills it with up to
// packingVectorBytes/element-size output channels.
const packingVectorBytes = 128

// ConvPacking packs point-wise (1x1, stride 1, no padding) convolutions with few output channels along the
// input width, so the matrix-multiply engine produces full output vectors.
//
// With a packing factor f, x [N, H, W, C] is viewed as [N, H, W/f, f*C], the weights [1, 1, C, K] are
// replicated into block-diagonal weights [1, 1, f*C, f*K] by a vector-compute kernel, and the output
// [N, H, W/f, f*K] is viewed back as [N, H, W, K]. The views are logical reshapes: the memory layout of x and
// y is unchanged.
type ConvPacking struct{}

var _ Extractor = ConvPacking{}

// PackingFactor returns the packing factor for the convolution n, or 1 if it can't or needn't be packed.
func PackingFactor(n *graph.Node) int {
	if n.Kind() != graph.KindConvolution || n.Annotations.Packed || n.NumInputs() < 2 {
		return 1
	}
	if n.NumInputs() > 2 && n.Input(2) != nil {
		return 1
	}
	params, ok := n.Params().(graph.ConvParams)
	if !ok || params.Groups > 1 {
		return 1
	}
	all := func(values []int, want int) bool {
		return !slices.ContainsFunc(values, func(v int) bool { return v != want })
	}
	if !all(params.Strides, 1) || !all(params.Dilations, 1) {
		return 1
	}
	for _, padding := range params.Paddings {
		if padding != [2]int{0, 0} {
			return 1
		}
	}
	x, w, y := n.Input(0), n.Input(1), n.Output(0)
	if x.Rank() != 4 || w.Rank() != 4 || y.Rank() != 4 {
		return 1
	}
	if w.Shape().Dim(0) != 1 || w.Shape().Dim(1) != 1 {
		return 1
	}
	k := w.Shape().Dim(3)
	size := y.Shape().DType.Size()
	if size == 0 {
		return 1
	}
	vector := packingVectorBytes / size
	width := x.Shape().Dim(2)
	factor := 1
	for f := 2; f*k <= vector && f <= width; f++ {
		if width%f == 0 {
			factor = f
		}
	}
	return factor
}

// CanHandle implements Extractor.
func (ConvPacking) CanHandle(n *graph.Node) bool {
	return PackingFactor(n) > 1
}

// Extract implements Extractor.
func (ConvPacking) Extract(n *graph.Node) ([]*graph.Node, error) {
	factor := PackingFactor(n)
	if factor <= 1 {
		return nil, nil
	}
	g := n.Graph()
	x, w, y := n.Input(0), n.Input(1), n.Output(0)
	xDims, wDims, yDims := x.Shape().Dimensions, w.Shape().Dimensions, y.Shape().Dimensions

	packedX := g.NewTensor(fmt.Sprintf("%s_packed", x.Name()),
		x.Shape().WithDimensions(xDims[0], xDims[1], xDims[2]/factor, xDims[3]*factor))
	packedW := g.NewTensor(fmt.Sprintf("%s_packed", w.Name()),
		w.Shape().WithDimensions(1, 1, wDims[2]*factor, wDims[3]*factor))
	packedY := g.NewTensor(fmt.Sprintf("%s_packed", y.Name()),
		y.Shape().WithDimensions(yDims[0], yDims[1], yDims[2]/factor, yDims[3]*factor))

	params := n.Params().(graph.ConvParams)
	packing := g.NewTPCNode(graph.GUIDWithDType(GUIDWeightPacking, w.Shape().DType),
		fmt.Sprintf("%s_weight_packing", n.Name()), []*graph.Tensor{w}, []*graph.Tensor{packedW},
		graph.PackingParams{ConvParams: params, Factor: factor})
	conv := g.CopyNode(n, fmt.Sprintf("%s_packed", n.Name()))
	conv.SetInputs([]*graph.Tensor{packedX, packedW})
	conv.SetOutputs([]*graph.Tensor{packedY})
	conv.Annotations.Packed = true
	conv.Annotations.Origin = origin(n)

	nodes := []*graph.Node{
		g.NewReshape("", x, packedX),
		packing,
		conv,
		g.NewReshape("", packedY, y),
	}
	klog.V(1).Infof("convolution %q packed with factor %d", n.Name(), factor)
	DumpNodes(g, fmt.Sprintf("packing of %q", n.Name()), nodes)
	return nodes, nil
}
