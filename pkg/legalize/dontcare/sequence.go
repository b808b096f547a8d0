// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dontcare

import (
	"slices"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/legalize/layouts"
	"github.com/gomlx/legalizer/pkg/support/sets"
)

// sequence is an editable list of legalized nodes.
type sequence struct {
	g     *graph.Graph
	nodes []*graph.Node

	// created are the nodes inserted by the edits.
	created []*graph.Node
}

func (s *sequence) index(n *graph.Node) int {
	return slices.Index(s.nodes, n)
}

func (s *sequence) consumers(t *graph.Tensor) []*graph.Node {
	return graph.ConsumersIn(s.nodes, t)
}

func (s *sequence) producer(t *graph.Tensor) *graph.Node {
	if idx := graph.ProducerIn(s.nodes, t); idx >= 0 {
		return s.nodes[idx]
	}
	return nil
}

// neighbors returns the producers of the inputs and the consumers of the outputs of n.
func (s *sequence) neighbors(n *graph.Node) []*graph.Node {
	list := sets.NewOrdered[*graph.Node]()
	for _, t := range n.Inputs() {
		if t == nil {
			continue
		}
		if p := s.producer(t); p != nil {
			list.Insert(p)
		}
	}
	for _, t := range n.Outputs() {
		if t == nil {
			continue
		}
		list.Insert(s.consumers(t)...)
	}
	return list.Elements()
}

// replace puts before, replacement and after where old was, and removes old.
func (s *sequence) replace(old *graph.Node, before []*graph.Node, replacement *graph.Node, after []*graph.Node) {
	idx := s.index(old)
	inserted := slices.Concat(before, []*graph.Node{replacement}, after)
	s.nodes = slices.Replace(s.nodes, idx, idx+1, inserted...)
	s.created = append(s.created, inserted...)
	old.Remove()
}

func (s *sequence) remove(n *graph.Node) {
	if idx := s.index(n); idx >= 0 {
		s.nodes = slices.Delete(s.nodes, idx, idx+1)
	}
	n.Remove()
}

// isAdaptation returns whether n is a transpose that moves data: a composite transpose or a physical one.
func isAdaptation(n *graph.Node) bool {
	return n.Kind() == graph.KindTranspose || n.Kind().IsPhysicalTranspose()
}

// adaptationOf returns the permutation of a data-moving transpose, or nil.
func adaptationOf(n *graph.Node) perm.Permutation {
	if n == nil || !isAdaptation(n) {
		return nil
	}
	return layouts.TransposeOf(n)
}

// isRemovable returns whether an intermediate tensor can disappear from the graph.
func isRemovable(t *graph.Tensor) bool {
	return !t.UserManaged && !t.EnforcedOutput && !t.IsAliased()
}
