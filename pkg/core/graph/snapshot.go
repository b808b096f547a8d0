// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"k8s.io/klog/v2"
)

// Snapshot records the state of a node, of its operand tensors and of the graph arena, so that a failed
// rewrite of the node can be undone with Restore.
type Snapshot struct {
	node     *Node
	saved    Node
	tensors  map[*Tensor]Tensor
	numNodes int
}

// Snapshot takes a Snapshot of n. Only the tensors that are operands of n at this point are recorded.
func (n *Node) Snapshot() *Snapshot {
	s := &Snapshot{
		node:     n,
		saved:    *n,
		tensors:  make(map[*Tensor]Tensor, len(n.inputs)+len(n.outputs)),
		numNodes: len(n.graph.nodes),
	}
	s.saved.inputs = slices.Clone(n.inputs)
	s.saved.outputs = slices.Clone(n.outputs)
	s.saved.InputLayouts = slices.Clone(n.InputLayouts)
	s.saved.OutputLayouts = slices.Clone(n.OutputLayouts)
	for _, t := range n.Operands() {
		if _, found := s.tensors[t]; !found {
			s.tensors[t] = *t
		}
	}
	return s
}

// Restore brings the node and its recorded tensors back to the state of the Snapshot, and removes every node
// created in the graph since then. Tensors created since then are left orphan.
func (s *Snapshot) Restore() {
	g := s.node.graph
	for _, n := range g.nodes[s.numNodes:] {
		n.state = NodeRemoved
	}
	*s.node = s.saved
	for t, saved := range s.tensors {
		*t = saved
	}
	klog.V(2).Infof("node %q restored, %d nodes created since discarded", s.node.name, len(g.nodes)-s.numNodes)
}
