// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"slices"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"k8s.io/klog/v2"
)

// StridedViewDecoder replaces user strided views by simpler logical operators, when they are equivalent:
//
//   - A dense view from offset 0 is a reshape.
//   - A view whose strides are multiples of the input strides, along the same axes, is a slice.
//
// Other strided views are kept as they are.
type StridedViewDecoder struct{}

var _ Extractor = StridedViewDecoder{}

// CanHandle implements Extractor.
func (StridedViewDecoder) CanHandle(n *graph.Node) bool {
	return n.Kind() == graph.KindStridedView
}

// Extract implements Extractor.
func (StridedViewDecoder) Extract(n *graph.Node) ([]*graph.Node, error) {
	params, ok := n.Params().(graph.StridedViewParams)
	if !ok {
		return nil, nil
	}
	g := n.Graph()
	input, output := n.Input(0), n.Output(0)
	if params.Offset == 0 && input.Shape().Size() == output.Shape().Size() &&
		(params.Strides == nil || slices.Equal(params.Strides, output.Shape().DenseStrides())) {
		klog.V(1).Infof("strided view %q decoded as a reshape", n.Name())
		return []*graph.Node{g.NewReshape(n.Name(), input, output)}, nil
	}
	if slice, ok := viewAsSlice(input.Shape().Dimensions, params, output.Shape().Dimensions); ok {
		klog.V(1).Infof("strided view %q decoded as a slice %v", n.Name(), slice)
		return []*graph.Node{g.NewNode(graph.KindSlice, n.Name(), []*graph.Tensor{input}, []*graph.Tensor{output}, slice)}, nil
	}
	return nil, nil
}

// viewAsSlice returns the slice equivalent to the strided view of a dense tensor, if there is one.
func viewAsSlice(inputDims []int, params graph.StridedViewParams, outputDims []int) (graph.SliceParams, bool) {
	rank := len(inputDims)
	if len(outputDims) != rank || len(params.Strides) != rank || params.Offset < 0 {
		return graph.SliceParams{}, false
	}
	dense := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		dense[axis] = stride
		stride *= inputDims[axis]
	}
	slice := graph.SliceParams{Starts: make([]int, rank), Ends: make([]int, rank), Steps: make([]int, rank)}
	remaining := params.Offset
	for axis := range rank {
		if params.Strides[axis] <= 0 || params.Strides[axis]%dense[axis] != 0 {
			return graph.SliceParams{}, false
		}
		step := params.Strides[axis] / dense[axis]
		start := remaining / dense[axis]
		remaining %= dense[axis]
		last := start + (outputDims[axis]-1)*step
		if outputDims[axis] > 0 && last >= inputDims[axis] {
			return graph.SliceParams{}, false
		}
		slice.Starts[axis], slice.Ends[axis], slice.Steps[axis] = start, last+1, step
	}
	return slice, remaining == 0
}
