// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dontcare propagates memory layout permutations across operators without a layout preference,
// wrapping them with the permutation of their neighbors instead of adapting their operands back and forth.
//
// Handler works incrementally, on one user node at a time. Propagate and EliminateRedundant work on a
// whole legalized sequence.
package dontcare

import (
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/legalize/layouts"
	"github.com/gomlx/legalizer/pkg/registry"
	"k8s.io/klog/v2"
)

// IsDontCare returns whether n has no preference for the memory layout of its operands.
//
// Kernels of the vector-compute engine are layout agnostic only if the registry declares all their
// operands as don't-care and none as restricted.
func IsDontCare(reg registry.KernelRegistry, n *graph.Node) bool {
	if !n.Kind().IsLayoutAgnostic() {
		return false
	}
	if n.Kind() != graph.KindTPC {
		return true
	}
	if reg == nil {
		return false
	}
	inputs, outputs, found := reg.SupportedLayouts(n.GUID())
	if !found {
		return false
	}
	for _, list := range [][]string{inputs, outputs} {
		parsed, err := perm.ParseLayouts(list...)
		if err != nil {
			return false
		}
		for _, l := range parsed {
			if !l.IsDontCare() || l.IsRestricted() {
				return false
			}
		}
	}
	return true
}

// Handler wraps don't-care user nodes whose operands carry a permutation.
type Handler struct {
	registry registry.KernelRegistry
}

// NewHandler creates a Handler that consults reg for the layouts of vector-compute kernels.
func NewHandler(reg registry.KernelRegistry) *Handler {
	return &Handler{registry: reg}
}

// HarvestPermutation returns the single permutation shared by all permuted operands of n, or nil if
// there are none, or if they disagree, or if some non-scalar operand has a different rank.
func HarvestPermutation(n *graph.Node) perm.Permutation {
	var p perm.Permutation
	for _, t := range n.Operands() {
		if t == nil || !t.IsPermuted() {
			continue
		}
		if p == nil {
			p = t.Permutation()
		} else if !p.Equal(t.Permutation()) {
			return nil
		}
	}
	if p == nil {
		return nil
	}
	for _, t := range n.Operands() {
		if t != nil && t.Rank() > 0 && t.Rank() != p.Rank() {
			return nil
		}
	}
	return p
}

// Result of wrapping a node.
type Result struct {
	Before []*graph.Node
	Node   *graph.Node
	After  []*graph.Node
}

// Wrap executes n in the memory order of its permuted operands: if they all agree on a permutation P, n
// is wrapped so it works on operands transposed by P.
//
// Permuted inputs are viewed in their stored order by logical transposes, other inputs are transposed by P.
// Outputs that allow permutations become permuted by P, viewed through a logical transpose; other outputs
// are transposed back by the inverse of P.
//
// It returns false if n is not a don't-care node, is already wrapped, or if its operands don't agree on a
// permutation.
func (h *Handler) Wrap(n *graph.Node) (Result, bool) {
	if n.Annotations.LayoutWrapped || !IsDontCare(h.registry, n) {
		return Result{}, false
	}
	p := HarvestPermutation(n)
	if p == nil {
		return Result{}, false
	}
	g := n.Graph()
	inverse := p.Inverse()
	result := Result{Node: n}
	for i, t := range n.Inputs() {
		if t == nil || t.Rank() == 0 {
			continue
		}
		stored := g.NewTensor(t.Name()+"_stored", p.ApplyToShape(t.Shape()))
		var transpose *graph.Node
		if t.IsPermuted() {
			transpose = g.NewTranspose(graph.KindLogicalTranspose, "", t, stored, p)
			transpose.MarkUserPermutationTranspose()
		} else {
			transpose = g.NewTranspose(graph.KindTranspose, "", t, stored, p)
		}
		result.Before = append(result.Before, transpose)
		n.SetInput(i, stored)
	}
	for i, t := range n.Outputs() {
		if t == nil || t.Rank() == 0 {
			continue
		}
		stored := g.NewTensor(t.Name()+"_stored", p.ApplyToShape(t.Shape()))
		stored.Reduction = t.Reduction
		var transpose *graph.Node
		if t.IsPermuted() || permitsPermutation(t, n) {
			if !t.IsPermuted() {
				t.SetPermutation(p)
			}
			transpose = g.NewTranspose(graph.KindLogicalTranspose, "", stored, t, inverse)
			transpose.SetAliasDirection(graph.AliasBackward)
			transpose.MarkUserPermutationTranspose()
		} else {
			transpose = g.NewTranspose(graph.KindTranspose, "", stored, t, inverse)
		}
		result.After = append(result.After, transpose)
		n.SetOutput(i, stored)
	}
	n.Annotations.LayoutWrapped = true
	result.Node = layouts.RecreateWithAxisMap(n, p)
	klog.V(1).Infof("don't-care node %q (%s) wrapped with permutation %s: %d nodes before, %d after",
		n.Name(), n.GUID(), p, len(result.Before), len(result.After))
	return result, true
}

// permitsPermutation returns whether the output t of n can have its memory layout permuted.
func permitsPermutation(t *graph.Tensor, n *graph.Node) bool {
	if !t.AllowPermutation || t.IsAliased() || !t.IsDense() {
		return false
	}
	producer := t.Graph().Producer(t)
	return producer == nil || producer == n
}
