// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dontcare

import (
	"slices"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/legalize/layouts"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/gomlx/legalizer/pkg/support/sets"
	"k8s.io/klog/v2"
)

// Propagator moves the transposes of a legalized sequence across don't-care nodes, wrapping a node with a
// permutation only when that cancels more adjacent transposes than it adds.
type Propagator struct {
	registry registry.KernelRegistry
	strategy Strategy
}

// NewPropagator creates a Propagator using the given strategy.
func NewPropagator(reg registry.KernelRegistry, strategy Strategy) *Propagator {
	return &Propagator{registry: reg, strategy: strategy}
}

// Propagate returns the new sequence, and the nodes it created.
//
// Nodes of the sequence are never changed in place: a wrapped node is replaced by a copy, and the
// original is marked as removed. Each node is considered at most once.
func (p *Propagator) Propagate(nodes []*graph.Node) (result []*graph.Node, created []*graph.Node) {
	if p.strategy == None || len(nodes) == 0 {
		return nodes, nil
	}
	s := &sequence{g: nodes[0].Graph(), nodes: slices.Clone(nodes)}
	visited := sets.Make[*graph.Node](len(nodes))
	switch p.strategy {
	case TwoSweep:
		p.twoSweep(s, visited)
	case BFS:
		p.bfs(s, visited)
	}
	created = slices.DeleteFunc(s.created, func(n *graph.Node) bool { return n.State() == graph.NodeRemoved })
	klog.V(1).Infof("don't-care propagation (%s): %d nodes -> %d nodes, %d created",
		p.strategy, len(nodes), len(s.nodes), len(created))
	return s.nodes, created
}

// isCandidate returns whether n can be wrapped by the propagation.
func (p *Propagator) isCandidate(n *graph.Node, visited sets.Set[*graph.Node]) bool {
	return n.State() != graph.NodeRemoved && !visited.Has(n) &&
		!n.Annotations.LayoutWrapped && !n.Annotations.PropagationVisited &&
		!isAdaptation(n) && !n.HasPermutedOperand() && IsDontCare(p.registry, n)
}

func (p *Propagator) twoSweep(s *sequence, visited sets.Set[*graph.Node]) {
	snapshot := slices.Clone(s.nodes)
	for _, n := range slices.Backward(snapshot) {
		if p.isCandidate(n, visited) {
			visited.Insert(n)
			p.tryWrap(s, n, consumerCandidates(s, n))
		}
	}
	snapshot = slices.Clone(s.nodes)
	for _, n := range snapshot {
		if p.isCandidate(n, visited) {
			visited.Insert(n)
			p.tryWrap(s, n, producerCandidates(s, n))
		}
	}
}

func (p *Propagator) bfs(s *sequence, visited sets.Set[*graph.Node]) {
	queued := sets.Make[*graph.Node]()
	var queue []*graph.Node
	push := func(n *graph.Node) {
		if !queued.Has(n) {
			queued.Insert(n)
			queue = append(queue, n)
		}
	}
	for _, n := range s.nodes {
		if isAdaptation(n) {
			push(n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.State() == graph.NodeRemoved {
			continue
		}
		if isAdaptation(n) {
			// Try to absorb the transpose into its neighbors.
			for _, neighbor := range s.neighbors(n) {
				if p.isCandidate(neighbor, visited) {
					push(neighbor)
				}
			}
			continue
		}
		if !p.isCandidate(n, visited) {
			continue
		}
		visited.Insert(n)
		candidates := append(consumerCandidates(s, n), producerCandidates(s, n)...)
		wrap, ok := p.tryWrap(s, n, candidates)
		if !ok {
			continue
		}
		// The transposes left around the wrapped node may be absorbed further.
		for _, neighbor := range s.neighbors(wrap) {
			if isAdaptation(neighbor) {
				delete(queued, neighbor)
				push(neighbor)
			}
		}
	}
}

// consumerCandidates returns the permutations of the transposes consuming the outputs of n.
func consumerCandidates(s *sequence, n *graph.Node) []perm.Permutation {
	var candidates []perm.Permutation
	for _, t := range n.Outputs() {
		if t == nil {
			continue
		}
		for _, c := range s.consumers(t) {
			if q := adaptationOf(c); q != nil {
				candidates = append(candidates, q)
			}
		}
	}
	return candidates
}

// producerCandidates returns the inverse permutations of the transposes producing the inputs of n.
func producerCandidates(s *sequence, n *graph.Node) []perm.Permutation {
	var candidates []perm.Permutation
	for _, t := range n.Inputs() {
		if t == nil {
			continue
		}
		if q := adaptationOf(s.producer(t)); q != nil {
			candidates = append(candidates, q.Inverse())
		}
	}
	return candidates
}

// tryWrap wraps n with the candidate permutation of highest benefit, if any is positive.
func (p *Propagator) tryWrap(s *sequence, n *graph.Node, candidates []perm.Permutation) (*graph.Node, bool) {
	var best perm.Permutation
	bestBenefit := 0
	for _, q := range candidates {
		if q.IsIdentity() {
			continue
		}
		if b, ok := benefit(s, n, q); ok && b > bestBenefit {
			best, bestBenefit = q, b
		}
	}
	if best == nil {
		return nil, false
	}
	wrap := wrapWith(s, n, best)
	klog.V(1).Infof("don't-care node %q (%s) wrapped with %s: %d transposes fewer", n.Name(), n.GUID(), best, bestBenefit)
	return wrap, true
}

// cancelsInput returns the producer of input t whose transposition is undone by q, or nil.
func cancelsInput(s *sequence, t *graph.Tensor, q perm.Permutation) *graph.Node {
	producer := s.producer(t)
	pp := adaptationOf(producer)
	if pp == nil || pp.Rank() != q.Rank() || !perm.Compose(q, pp).IsIdentity() {
		return nil
	}
	return producer
}

// absorbsOutput returns the sole consumer of output t if it transposes t by q and t can disappear, or nil.
func absorbsOutput(s *sequence, t *graph.Tensor, q perm.Permutation) *graph.Node {
	consumers := s.consumers(t)
	if len(consumers) != 1 || !isRemovable(t) {
		return nil
	}
	c := consumers[0]
	if cq := adaptationOf(c); cq == nil || !cq.Equal(q) {
		return nil
	}
	return c
}

// benefit returns the number of transposes removed minus the number added by wrapping n with q.
// It returns false if some operand can't be transposed by q.
func benefit(s *sequence, n *graph.Node, q perm.Permutation) (int, bool) {
	removed, added := 0, 0
	for _, t := range n.Operands() {
		if t != nil && t.Rank() > 0 && t.Rank() != q.Rank() {
			return 0, false
		}
	}
	for _, t := range n.Inputs() {
		if t == nil || t.Rank() == 0 {
			continue
		}
		if producer := cancelsInput(s, t, q); producer != nil {
			if len(s.consumers(t)) == 1 && isRemovable(t) {
				removed++
			}
			continue
		}
		added++
	}
	for _, t := range n.Outputs() {
		if t == nil || t.Rank() == 0 {
			continue
		}
		if absorbsOutput(s, t, q) != nil {
			removed++
			continue
		}
		added++
	}
	return removed - added, true
}

// wrapWith replaces n by a copy working on its operands transposed by q.
func wrapWith(s *sequence, n *graph.Node, q perm.Permutation) *graph.Node {
	g := s.g
	c := g.CopyNode(n, n.Name())
	c.Annotations.LayoutWrapped = true
	c.Annotations.PropagationVisited = true
	var before, after []*graph.Node
	var deadProducers []*graph.Node
	for i, t := range n.Inputs() {
		if t == nil || t.Rank() == 0 {
			continue
		}
		if producer := cancelsInput(s, t, q); producer != nil {
			c.SetInput(i, producer.Input(0))
			if len(s.consumers(t)) == 1 && isRemovable(t) && !slices.Contains(deadProducers, producer) {
				deadProducers = append(deadProducers, producer)
			}
			continue
		}
		transposed := g.NewTensor(t.Name()+"_transposed", q.ApplyToShape(t.Shape()))
		before = append(before, layouts.NewTransposePrimitive(g, "", t, transposed, q))
		c.SetInput(i, transposed)
	}
	inverse := q.Inverse()
	for i, t := range n.Outputs() {
		if t == nil || t.Rank() == 0 {
			continue
		}
		if consumer := absorbsOutput(s, t, q); consumer != nil {
			c.SetOutput(i, consumer.Output(0))
			s.remove(consumer)
			continue
		}
		preImage := g.NewTensor(t.Name()+"_pre_transpose", q.ApplyToShape(t.Shape()))
		preImage.Reduction = t.Reduction
		after = append(after, layouts.NewTransposePrimitive(g, "", preImage, t, inverse))
		c.SetOutput(i, preImage)
	}
	if params, ok := c.Params().(graph.AxisParams); ok && c.Kind().IsAxisKeyed() {
		c.SetParams(graph.AxisParams{Axis: q.IndexOf(params.Axis)})
	}
	s.replace(n, before, c, after)
	for _, producer := range deadProducers {
		s.remove(producer)
	}
	return c
}
