// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"fmt"
	"slices"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"k8s.io/klog/v2"
)

// WideIntegers runs the 64 bits integer copies (memcpy_nd) and broadcasts (broadcast_nd_fwd), which have no
// 64 bits kernels, on 32 bits words: each 64 bits element is reinterpreted as two Uint32 elements along the
// innermost axis.
//
// A broadcast along the innermost axis can't be reinterpreted directly, since it would broadcast words
// instead of elements: input and output first get an extra unit innermost axis.
type WideIntegers struct{}

var _ Extractor = WideIntegers{}

// CanHandle implements Extractor.
func (WideIntegers) CanHandle(n *graph.Node) bool {
	if n.Kind() != graph.KindTPC {
		return false
	}
	base, dtype, found := graph.SplitGUID(n.GUID())
	return found && dtype.Is64Bit() && (base == graph.GUIDMemcpyND || base == graph.GUIDBroadcastND)
}

// narrowed returns the shape of the 32 bits reinterpretation of a 64 bits shape.
func narrowed(shape shapes.Shape) shapes.Shape {
	if shape.Rank() == 0 {
		return shapes.Make(shape.DType.Narrowed32(), 2)
	}
	dims := slices.Clone(shape.Dimensions)
	dims[len(dims)-1] *= 2
	return shapes.Make(shape.DType.Narrowed32(), dims...)
}

// Extract implements Extractor.
func (WideIntegers) Extract(n *graph.Node) ([]*graph.Node, error) {
	g := n.Graph()
	base, _, _ := graph.SplitGUID(n.GUID())
	input, output := n.Input(0), n.Output(0)
	var before, after []*graph.Node

	if base == graph.GUIDBroadcastND && input.Rank() > 0 &&
		input.Shape().Dim(-1) != output.Shape().Dim(-1) {
		expandedIn := g.NewTensor(fmt.Sprintf("%s_expanded", input.Name()), input.Shape().WithInnermostUnitAxis())
		expandedOut := g.NewTensor(fmt.Sprintf("%s_expanded", output.Name()), output.Shape().WithInnermostUnitAxis())
		before = append(before, g.NewReshape("", input, expandedIn))
		after = append(after, g.NewReshape("", expandedOut, output))
		input, output = expandedIn, expandedOut
	}

	in32 := g.NewTensor(fmt.Sprintf("%s_u32", input.Name()), narrowed(input.Shape()))
	out32 := g.NewTensor(fmt.Sprintf("%s_u32", output.Name()), narrowed(output.Shape()))
	before = append(before, g.NewReinterpret("", input, in32))
	kernel := g.NewTPCNode(graph.GUIDWithDType(base, dtypes.Uint32), n.Name(),
		[]*graph.Tensor{in32}, []*graph.Tensor{out32}, n.Params())
	kernel.Annotations.Origin = origin(n)
	// The reinterpretation of the output runs before the reshape back into the original output.
	after = append([]*graph.Node{g.NewReinterpret("", out32, output)}, after...)

	nodes := append(append(before, kernel), after...)
	klog.V(1).Infof("64 bits %q (%s) runs as %q", n.Name(), n.GUID(), kernel.GUID())
	return nodes, nil
}
