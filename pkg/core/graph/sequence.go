// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// TopologicalOrder returns the nodes sorted so that every producer of a tensor comes before its consumers.
//
// Edges are taken from tensors written by one node of the list and read by another. Tensors with more
// than one writer keep the relative order of their writers.
//
// The sort is stable: among the nodes that are ready, the one earlier in the given list comes first. So a
// list already in topological order is returned unchanged.
//
// It panics if the nodes have a cycle.
func TopologicalOrder(nodes []*Node) []*Node {
	producers := make(map[*Tensor][]int)
	for i, n := range nodes {
		for _, t := range n.outputs {
			if t != nil {
				producers[t] = append(producers[t], i)
			}
		}
	}

	successors := make([][]int, len(nodes))
	inDegree := make([]int, len(nodes))
	addEdge := func(from, to int) {
		if from == to || slices.Contains(successors[from], to) {
			return
		}
		successors[from] = append(successors[from], to)
		inDegree[to]++
	}
	for to, n := range nodes {
		for _, t := range n.inputs {
			if t == nil {
				continue
			}
			for _, from := range producers[t] {
				addEdge(from, to)
			}
		}
	}
	for _, writers := range producers {
		for i := 1; i < len(writers); i++ {
			addEdge(writers[i-1], writers[i])
		}
	}

	// ready is kept sorted by original position.
	ready := make([]int, 0, len(nodes))
	for i := range nodes {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	sorted := make([]*Node, 0, len(nodes))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		sorted = append(sorted, nodes[current])
		for _, next := range successors[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				pos, _ := slices.BinarySearch(ready, next)
				ready = slices.Insert(ready, pos, next)
			}
		}
	}
	if len(sorted) != len(nodes) {
		exceptions.Panicf("graph.TopologicalOrder: cycle detected among %d of the %d nodes",
			len(nodes)-len(sorted), len(nodes))
	}
	return sorted
}

// ConsumersIn returns the nodes of the list that read t.
func ConsumersIn(nodes []*Node, t *Tensor) []*Node {
	var consumers []*Node
	for _, n := range nodes {
		if n.HasInput(t) {
			consumers = append(consumers, n)
		}
	}
	return consumers
}

// ProducerIn returns the index of the first node of the list that writes t, or -1.
func ProducerIn(nodes []*Node, t *Tensor) int {
	return slices.IndexFunc(nodes, func(n *Node) bool { return n.HasOutput(t) })
}
