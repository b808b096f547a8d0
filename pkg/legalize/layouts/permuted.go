// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layouts

import (
	"github.com/gomlx/legalizer/pkg/core/graph"
	"k8s.io/klog/v2"
)

// PermutedTensorSequences rewires the permuted operands of n (tensors whose memory layout has a pending
// permutation P) to dense tensors in their logical axis order.
//
// For a permuted input t, the memory of t is viewed in its stored order by a logical transpose by P, and a
// physical transpose by P⁻¹ restores the logical order the node reads:
//
//	t(P) -> LogicalTranspose(P) -> stored -> Transpose(P⁻¹) -> node
//
// For a permuted output t, the node writes a dense tensor, which is transposed by P into the stored order and
// then viewed (backward) as t:
//
//	node -> Transpose(P) -> stored -> LogicalTranspose(P⁻¹) -> t(P)
func PermutedTensorSequences(n *graph.Node) (before, after []*graph.Node) {
	g := n.Graph()
	for i, t := range n.Inputs() {
		if t == nil || !t.IsPermuted() {
			continue
		}
		p := t.Permutation()
		stored := g.NewTensor(t.Name()+"_stored", p.ApplyToShape(t.Shape()))
		view := g.NewTranspose(graph.KindLogicalTranspose, "", t, stored, p)
		view.MarkUserPermutationTranspose()
		logicalOrder := g.NewTensor(t.Name()+"_logical", t.Shape())
		transpose := g.NewTranspose(graph.KindTranspose, "", stored, logicalOrder, p.Inverse())
		n.SetInput(i, logicalOrder)
		before = append(before, view, transpose)
	}
	for i, t := range n.Outputs() {
		if t == nil || !t.IsPermuted() {
			continue
		}
		p := t.Permutation()
		logicalOrder := g.NewTensor(t.Name()+"_logical", t.Shape())
		logicalOrder.Reduction = t.Reduction
		stored := g.NewTensor(t.Name()+"_stored", p.ApplyToShape(t.Shape()))
		transpose := g.NewTranspose(graph.KindTranspose, "", logicalOrder, stored, p)
		view := g.NewTranspose(graph.KindLogicalTranspose, "", stored, t, p.Inverse())
		view.SetAliasDirection(graph.AliasBackward)
		view.MarkUserPermutationTranspose()
		n.SetOutput(i, logicalOrder)
		after = append(after, transpose, view)
	}
	if len(before)+len(after) > 0 {
		klog.V(2).Infof("node %q (%s): %d permuted-tensor sequences inserted", n.Name(), n.GUID(),
			(len(before)+len(after))/2)
	}
	return
}
