// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"fmt"

	"github.com/gomlx/legalizer/pkg/core/graph"
)

// Accumulation redirects the writes to a tensor into a reduction-enabled partial tensor, accumulated on top
// of a cleared tensor:
//
//	Memset -> Zeros
//	(the producer writes Partial instead of the original tensor)
//	Reduction(Zeros, Partial) -> Target
type Accumulation struct {
	Target, Zeros, Partial *graph.Tensor
	Memset, Reduction      *graph.Node
}

// NewAccumulation creates the accumulation of partial into target: partial must have the dimensions of
// target, and is marked as reduction-enabled.
func NewAccumulation(target, partial *graph.Tensor) *Accumulation {
	g := target.Graph()
	partial.Reduction = graph.ReductionInfo{Enabled: true, Op: graph.ReduceAdd}
	zeros := g.CloneTensor(partial, fmt.Sprintf("%s_zeros", partial.Name()))
	zeros.Reduction = partial.Reduction
	return &Accumulation{
		Target:    target,
		Zeros:     zeros,
		Partial:   partial,
		Memset:    g.NewMemset(fmt.Sprintf("%s_memset", partial.Name()), zeros),
		Reduction: g.NewReduction(fmt.Sprintf("%s_reduction", partial.Name()), []*graph.Tensor{zeros, partial}, target, graph.ReduceAdd),
	}
}

// NeedsPreClear returns whether the output t of a kernel that accumulates into it must be cleared first.
// Reduction-enabled tensors are accumulated by the reduction already, and read-modify-write tensors
// hold the initial values.
func NeedsPreClear(t *graph.Tensor) bool {
	return t != nil && !t.Reduction.Enabled && !t.PartOfRMW
}

// PreClear makes the output #idx of n accumulate on top of zeros: n writes a new partial tensor instead,
// and the returned nodes must run before and after n. It returns nil slices if the output needs no
// pre-clear.
func PreClear(n *graph.Node, idx int) (before, after []*graph.Node) {
	t := n.Output(idx)
	if !NeedsPreClear(t) {
		return nil, nil
	}
	g := n.Graph()
	partial := g.CloneTensor(t, fmt.Sprintf("%s_accumulated", t.Name()))
	acc := NewAccumulation(t, partial)
	n.SetOutput(idx, partial)
	return []*graph.Node{acc.Memset}, []*graph.Node{acc.Reduction}
}
