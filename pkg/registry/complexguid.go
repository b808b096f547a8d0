// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sync"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/pkg/errors"
)

// ExpandFn expands one composite node into primitives. It may return ErrGraphUnchanged.
type ExpandFn func(n *graph.Node) ([]*graph.Node, error)

// ExpanderLibrary is a ComplexGUIDLibrary with one ExpandFn registered per kernel base name (the GUID without
// its dtype suffix).
type ExpanderLibrary struct {
	mu        sync.RWMutex
	expanders map[string]ExpandFn
}

var _ ComplexGUIDLibrary = (*ExpanderLibrary)(nil)

// NewExpanderLibrary returns an empty library.
func NewExpanderLibrary() *ExpanderLibrary {
	return &ExpanderLibrary{expanders: make(map[string]ExpandFn)}
}

// Register the expansion of the kernels with the given base name.
func (lib *ExpanderLibrary) Register(base string, fn ExpandFn) *ExpanderLibrary {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.expanders[base] = fn
	return lib
}

func (lib *ExpanderLibrary) lookup(n *graph.Node) ExpandFn {
	if n.Kind() != graph.KindTPC {
		return nil
	}
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.expanders[graph.GUIDBase(n.GUID())]
}

// NeedsExpansion implements ComplexGUIDLibrary.
func (lib *ExpanderLibrary) NeedsExpansion(n *graph.Node) bool {
	return lib.lookup(n) != nil
}

// Expand implements ComplexGUIDLibrary.
func (lib *ExpanderLibrary) Expand(n *graph.Node) ([]*graph.Node, error) {
	fn := lib.lookup(n)
	if fn == nil {
		return nil, ErrGraphUnchanged
	}
	nodes, err := fn(n)
	if err != nil {
		if errors.Is(err, ErrGraphUnchanged) {
			return nil, err
		}
		return nil, errors.WithMessagef(err, "failed to expand node %q (%s)", n.Name(), n.GUID())
	}
	if len(nodes) == 0 {
		return nil, errors.Errorf("expansion of node %q (%s) returned no nodes", n.Name(), n.GUID())
	}
	return nodes, nil
}

// ExpandSoftmax is an example ExpandFn: softmax(x) = exp(x) / sum(exp(x)) over the innermost axis,
// expressed with the exp, reduce_sum and div kernels.
func ExpandSoftmax(n *graph.Node) ([]*graph.Node, error) {
	x, y := n.Input(0), n.Output(0)
	if x == nil || y == nil {
		return nil, errors.Errorf("softmax node %q requires one input and one output", n.Name())
	}
	g := n.Graph()
	shape := x.Shape()
	if shape.Rank() == 0 {
		return nil, ErrGraphUnchanged
	}
	dtype := shape.DType
	exp := g.NewTensor(n.Name()+"_exp", shape)
	sumDims := append([]int(nil), shape.Dimensions...)
	sumDims[len(sumDims)-1] = 1
	sum := g.NewTensor(n.Name()+"_sum", shape.WithDimensions(sumDims...))
	return []*graph.Node{
		g.NewTPCNode(graph.GUIDWithDType("exp_fwd", dtype), n.Name()+"_exp", []*graph.Tensor{x}, []*graph.Tensor{exp}, nil),
		g.NewTPCNode(graph.GUIDWithDType("reduce_sum_fwd", dtype), n.Name()+"_sum", []*graph.Tensor{exp}, []*graph.Tensor{sum}, nil),
		g.NewTPCNode(graph.GUIDWithDType("div_fwd", dtype), n.Name()+"_div", []*graph.Tensor{exp, sum}, []*graph.Tensor{y}, nil),
	}, nil
}
