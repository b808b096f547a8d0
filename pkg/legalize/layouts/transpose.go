// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layouts

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"k8s.io/klog/v2"
)

// TransposeKind returns the kind of primitive realizing the transposition of a tensor with the given
// dimensions by p:
//
//   - KindIdentity if p is the identity.
//   - KindReshape if p only moves unit axes, since the memory layout doesn't change.
//   - A physical transpose otherwise, on the data-movement engine if there is one supporting the dtype,
//     else on the matrix-multiply engine if it transposes the dtype, else on the vector-compute engine.
func TransposeKind(caps *graph.HardwareCapabilities, input *graph.Tensor, p perm.Permutation) graph.Kind {
	if p.IsIdentity() {
		return graph.KindIdentity
	}
	if p.MovesOnlyUnitAxes(input.Shape().Dimensions) {
		return graph.KindReshape
	}
	dtype := input.Shape().DType
	switch {
	case caps.NumDMAEngines > 0 && caps.DMATransposeTypes.Has(dtype):
		return graph.KindDMATranspose
	case caps.NumMMEEngines > 0 && caps.MMETransposeTypes.Has(dtype):
		return graph.KindMMETranspose
	default:
		return graph.KindTPCTranspose
	}
}

// NewTransposePrimitive creates the primitive node that transposes input into output by p, see TransposeKind.
// The output dimensions must be the input dimensions permuted by p.
func NewTransposePrimitive(g *graph.Graph, name string, input, output *graph.Tensor, p perm.Permutation) *graph.Node {
	kind := TransposeKind(g.Capabilities(), input, p)
	var n *graph.Node
	switch kind {
	case graph.KindIdentity:
		n = g.NewIdentity(name, input, output)
	case graph.KindReshape:
		n = g.NewReshape(name, input, output)
	default:
		n = g.NewTranspose(kind, name, input, output, p)
	}
	klog.V(2).Infof("transpose %s of %s by %s materialized as %s", n.Name(), input, p, kind)
	return n
}

// ExpandTranspose replaces a composite KindTranspose node by its primitive.
func ExpandTranspose(n *graph.Node) *graph.Node {
	if n.Kind() != graph.KindTranspose {
		exceptions.Panicf("ExpandTranspose(%q): node of kind %s is not a composite transpose", n.Name(), n.Kind())
	}
	p := n.Params().(graph.TransposeParams).Permutation
	return NewTransposePrimitive(n.Graph(), n.Name(), n.Input(0), n.Output(0), p)
}

// TransposeOf returns the permutation of a transpose-like node, or nil if n is not a transpose.
func TransposeOf(n *graph.Node) perm.Permutation {
	if !n.Kind().IsTransposeLike() {
		return nil
	}
	params, ok := n.Params().(graph.TransposeParams)
	if !ok {
		return nil
	}
	return params.Permutation
}
