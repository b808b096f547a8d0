// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decompose holds the node decomposers used by the legalization engine: each one rewrites a node
// the engines can't execute as is into an equivalent list of simpler nodes.
//
// The nodes returned are new (in the graph.NodeNew state) and must be fed back to the engine, which
// legalizes them in turn. Decomposers never accept nodes nor change the node they decompose.
package decompose

import (
	"fmt"
	"strings"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"k8s.io/klog/v2"
)

// Extractor decomposes one node into a list of nodes implementing the same computation.
type Extractor interface {
	// CanHandle returns whether the Extractor applies to n.
	CanHandle(n *graph.Node) bool

	// Extract returns the nodes replacing n. A nil list with a nil error means n is kept as is.
	Extract(n *graph.Node) ([]*graph.Node, error)
}

// DumpNodes logs the nodes at verbosity 3, as long as the debug budget of the graph allows it.
func DumpNodes(g *graph.Graph, title string, nodes []*graph.Node) {
	if !klog.V(3).Enabled() || len(nodes) == 0 {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d nodes):\n", title, len(nodes))
	for _, n := range nodes {
		fmt.Fprintf(&sb, "\t%s\n", n)
	}
	dump := sb.String()
	if !g.DebugBudget().Spend(int64(len(dump))) {
		klog.V(3).Infof("%s: debug budget exhausted, dump of %d nodes skipped", title, len(nodes))
		return
	}
	klog.V(3).Info(dump)
}

// splitSizes distributes dim into parts sizes differing at most by one, larger ones first.
func splitSizes(dim, parts int) []int {
	sizes := make([]int, parts)
	for i := range sizes {
		sizes[i] = dim / parts
		if i < dim%parts {
			sizes[i]++
		}
	}
	return sizes
}

// splitTensor creates the tensors of t split along axis with the given sizes, and the logical split node
// writing them.
func splitTensor(t *graph.Tensor, axis int, sizes []int, prefix string) (*graph.Node, []*graph.Tensor) {
	g := t.Graph()
	parts := make([]*graph.Tensor, len(sizes))
	for i, size := range sizes {
		dims := t.Shape().Clone().Dimensions
		dims[axis] = size
		parts[i] = g.NewTensor(fmt.Sprintf("%s_%s_%d", prefix, t.Name(), i), t.Shape().WithDimensions(dims...))
	}
	split := g.NewNode(graph.KindSplit, fmt.Sprintf("%s_split_%s", prefix, t.Name()),
		[]*graph.Tensor{t}, parts, graph.AxisParams{Axis: axis})
	return split, parts
}

// concatTensors creates the parts of t along axis with the given sizes, and the logical concat node
// gathering them into t.
func concatTensors(t *graph.Tensor, axis int, sizes []int, prefix string) (*graph.Node, []*graph.Tensor) {
	g := t.Graph()
	parts := make([]*graph.Tensor, len(sizes))
	for i, size := range sizes {
		dims := t.Shape().Clone().Dimensions
		dims[axis] = size
		parts[i] = g.NewTensor(fmt.Sprintf("%s_%s_%d", prefix, t.Name(), i), t.Shape().WithDimensions(dims...))
	}
	concat := g.NewNode(graph.KindConcat, fmt.Sprintf("%s_concat_%s", prefix, t.Name()),
		parts, []*graph.Tensor{t}, graph.AxisParams{Axis: axis})
	return concat, parts
}
