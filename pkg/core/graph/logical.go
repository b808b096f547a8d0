// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/core/shapes"
)

func (n *Node) checkLogical() {
	if !n.IsLogical() {
		exceptions.Panicf("node %q of kind %s is not a logical operator", n.name, n.kind)
	}
}

// AliasDirection of a logical node.
func (n *Node) AliasDirection() AliasDirection {
	n.checkLogical()
	return n.logical.direction
}

// SetAliasDirection changes the direction of a logical node. Only swappable kinds can change from their
// default direction.
func (n *Node) SetAliasDirection(direction AliasDirection) {
	n.checkMutable()
	n.checkLogical()
	if direction != n.kind.DefaultAliasDirection() && !n.kind.CanSwapAliasDirection() {
		exceptions.Panicf("logical node %q of kind %s can't run %s", n.name, n.kind, direction)
	}
	if n.logical.done {
		exceptions.Panicf("logical node %q was already executed, its direction can't change", n.name)
	}
	n.logical.direction = direction
}

// SwapAliasDirection flips the direction of a swappable logical node.
func (n *Node) SwapAliasDirection() {
	if n.AliasDirection() == AliasForward {
		n.SetAliasDirection(AliasBackward)
	} else {
		n.SetAliasDirection(AliasForward)
	}
}

// IsLogicalDone returns whether RunLogicalOp was already executed on the node.
func (n *Node) IsLogicalDone() bool { return n.logical.done }

// IsUserPermutationTranspose returns whether the node is a logical transpose realizing the permutation of a
// user tensor.
func (n *Node) IsUserPermutationTranspose() bool { return n.logical.userPermutationTranspose }

// MarkUserPermutationTranspose flags a logical transpose as realizing the permutation of a user tensor.
func (n *Node) MarkUserPermutationTranspose() {
	n.checkMutable()
	if n.kind != KindLogicalTranspose {
		exceptions.Panicf("node %q of kind %s is not a logical transpose", n.name, n.kind)
	}
	n.logical.userPermutationTranspose = true
}

// LogicalRealTensor returns the tensor owning the storage of a logical node: the first input for forward
// nodes, the first output for backward nodes.
func (n *Node) LogicalRealTensor() *Tensor {
	if n.AliasDirection() == AliasBackward {
		return n.Output(0)
	}
	return n.Input(0)
}

// LogicalAliasTensors returns the tensors that become views of the real tensor: the outputs for forward nodes,
// the inputs for backward nodes.
func (n *Node) LogicalAliasTensors() []*Tensor {
	var list []*Tensor
	if n.AliasDirection() == AliasBackward {
		list = n.inputs
	} else {
		list = n.outputs
	}
	aliases := make([]*Tensor, 0, len(list))
	for _, t := range list {
		if t != nil {
			aliases = append(aliases, t)
		}
	}
	return aliases
}

// RunLogicalOp executes the logical operation: it makes the alias tensors views of the real tensor.
// It panics if an alias tensor is already a view of something else; the scheduler must have inserted
// copies before.
func (n *Node) RunLogicalOp() {
	n.checkMutable()
	real := n.LogicalRealTensor()
	if real == nil {
		exceptions.Panicf("logical node %q has no real tensor for direction %s", n.name, n.logical.direction)
	}
	for _, alias := range n.LogicalAliasTensors() {
		if alias == real {
			continue
		}
		alias.SetAlias(real, n.viewStrides(real, alias))
	}
	n.logical.done = true
}

// viewStrides returns the strides of the view alias of real, nil if dense.
func (n *Node) viewStrides(real, alias *Tensor) []int {
	if n.logical.userPermutationTranspose {
		// The permutation of the user tensor makes the view dense.
		return nil
	}
	backward := n.logical.direction == AliasBackward
	switch n.kind {
	case KindLogicalTranspose:
		p := n.params.(TransposeParams).Permutation
		if backward {
			p = p.Inverse()
		}
		return nonDenseOrNil(alias.shape, perm.Apply(p, real.Strides()))
	case KindSlice:
		params := n.params.(SliceParams)
		strides := real.Strides()
		for axis := range strides {
			if axis < len(params.Steps) && params.Steps[axis] > 1 {
				strides[axis] *= params.Steps[axis]
			}
		}
		return nonDenseOrNil(alias.shape, strides)
	case KindSplit, KindConcat:
		return nonDenseOrNil(alias.shape, real.Strides())
	case KindStridedView:
		return nonDenseOrNil(alias.shape, n.params.(StridedViewParams).Strides)
	}
	return nil
}

func nonDenseOrNil(shape shapes.Shape, strides []int) []int {
	if shape.IsDense(strides) {
		return nil
	}
	return strides
}
