// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/perm"
)

// Constructors of the nodes most commonly created by the legalization rules.
// An empty name allocates a new one.

// NewMemset creates a node that clears output to zero. It still needs to be physicalized into an engine.
func (g *Graph) NewMemset(name string, output *Tensor) *Node {
	return g.NewNode(KindMemset, name, nil, []*Tensor{output}, nil)
}

// NewMemcpy creates a node that copies input into output. It still needs to be physicalized into an engine.
func (g *Graph) NewMemcpy(name string, input, output *Tensor) *Node {
	return g.NewNode(KindMemcpy, name, []*Tensor{input}, []*Tensor{output}, nil)
}

// NewCast creates a vector-compute node converting input to the dtype of output.
func (g *Graph) NewCast(name string, input, output *Tensor) *Node {
	if !input.Shape().EqualDimensions(output.Shape()) {
		exceptions.Panicf("cast %q: input %s and output %s have different dimensions", name, input, output)
	}
	guid := CastGUID(input.Shape().DType, output.Shape().DType)
	return g.NewTPCNode(guid, name, []*Tensor{input}, []*Tensor{output}, nil)
}

// NewAdd creates a vector-compute element-wise addition.
func (g *Graph) NewAdd(name string, a, b, output *Tensor) *Node {
	guid := GUIDWithDType(GUIDAdd, output.Shape().DType)
	return g.NewTPCNode(guid, name, []*Tensor{a, b}, []*Tensor{output}, nil)
}

// NewReshape creates a logical reshape: input and output must have the same number of elements.
func (g *Graph) NewReshape(name string, input, output *Tensor) *Node {
	if input.Shape().Size() != output.Shape().Size() {
		exceptions.Panicf("reshape %q: input %s and output %s have different sizes", name, input, output)
	}
	return g.NewNode(KindReshape, name, []*Tensor{input}, []*Tensor{output}, nil)
}

// NewReinterpret creates a logical node viewing the bytes of input with the dtype and shape of output.
func (g *Graph) NewReinterpret(name string, input, output *Tensor) *Node {
	if input.Bytes() != output.Bytes() {
		exceptions.Panicf("reinterpret %q: input %s and output %s have different sizes in bytes", name, input, output)
	}
	return g.NewNode(KindReinterpret, name, []*Tensor{input}, []*Tensor{output}, nil)
}

// NewIdentity creates a logical identity node.
func (g *Graph) NewIdentity(name string, input, output *Tensor) *Node {
	return g.NewNode(KindIdentity, name, []*Tensor{input}, []*Tensor{output}, nil)
}

// NewTranspose creates a transpose of kind KindTranspose (to be materialized into a primitive) or
// KindLogicalTranspose. The output dimensions must be the input dimensions permuted by p.
func (g *Graph) NewTranspose(kind Kind, name string, input, output *Tensor, p perm.Permutation) *Node {
	if kind != KindTranspose && kind != KindLogicalTranspose && !kind.IsPhysicalTranspose() {
		exceptions.Panicf("transpose %q can't be of kind %s", name, kind)
	}
	if want := p.ApplyToShape(input.Shape()); !slices.Equal(want.Dimensions, output.Shape().Dimensions) {
		exceptions.Panicf("transpose %q by %s: input %s doesn't match output %s", name, p, input, output)
	}
	return g.NewNode(kind, name, []*Tensor{input}, []*Tensor{output}, TransposeParams{Permutation: p.Clone()})
}

// NewReduction creates a logical reduction: inputs are accumulated into output.
func (g *Graph) NewReduction(name string, inputs []*Tensor, output *Tensor, op ReduceOp) *Node {
	return g.NewNode(KindReduction, name, inputs, []*Tensor{output}, ReductionParams{Op: op})
}

// CopyNode creates a new node with the same kind, kernel, parameters, operands, layouts and annotations of n.
// The copy is in the NodeNew state.
func (g *Graph) CopyNode(n *Node, name string) *Node {
	c := g.NewNode(n.kind, name, n.inputs, n.outputs, n.params)
	c.guid = n.guid
	c.engine = n.engine
	c.InputLayouts = slices.Clone(n.InputLayouts)
	c.OutputLayouts = slices.Clone(n.OutputLayouts)
	c.Annotations = n.Annotations
	c.logical.direction = n.logical.direction
	c.logical.userPermutationTranspose = n.logical.userPermutationTranspose
	return c
}
