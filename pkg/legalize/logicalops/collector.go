// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package logicalops decides the alias direction of the logical (view) nodes of a legalized sequence,
// injecting copies where a view is not possible, and then executes them.
package logicalops

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"k8s.io/klog/v2"
)

// NoInjection is the injection index of a Collector appending accepted nodes at the end of the sequence.
const NoInjection = -1

type injection struct {
	index int
	node  *graph.Node
}

// Collector holds the sequence of accepted nodes.
//
// Logical nodes are kept in the sequence, but their execution is deferred until the Scheduler runs: until then
// they stay mutable, so their alias direction can still change.
type Collector struct {
	nodes []*graph.Node

	injectionIndex int
	injections     []injection

	// runLogical makes logical nodes execute as they are accepted.
	runLogical bool
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{injectionIndex: NoInjection}
}

// Accept adds n to the sequence, or to the injections if an injection index is set.
func (c *Collector) Accept(n *graph.Node) {
	if n.State() != graph.NodeNew {
		exceptions.Panicf("Collector.Accept(%q): node is %s", n.Name(), n.State())
	}
	if c.injectionIndex != NoInjection {
		c.injections = append(c.injections, injection{index: c.injectionIndex, node: n})
	} else {
		c.nodes = append(c.nodes, n)
	}
	c.settle(n)
}

// Adopt accepts nodes that a pass over the whole sequence already placed in it.
func (c *Collector) Adopt(nodes []*graph.Node) {
	for _, n := range nodes {
		if n.State() == graph.NodeNew {
			c.settle(n)
		}
	}
}

func (c *Collector) settle(n *graph.Node) {
	if n.IsLogical() && !n.IsLogicalDone() {
		if !c.runLogical {
			klog.V(2).Infof("logical node %q (%s) deferred", n.Name(), n.Kind())
			return
		}
		n.RunLogicalOp()
	}
	n.MarkAccepted()
}

// SetInjectionIndex makes the following accepted nodes be inserted before the node at index idx of the
// sequence, once InjectNodes is called.
func (c *Collector) SetInjectionIndex(idx int) { c.injectionIndex = idx }

// ResetInjectionIndex makes accepted nodes be appended again.
func (c *Collector) ResetInjectionIndex() { c.injectionIndex = NoInjection }

// InjectionIndex returns the current injection index, or NoInjection.
func (c *Collector) InjectionIndex() int { return c.injectionIndex }

// InjectNodes inserts the nodes accepted with an injection index into the sequence.
//
// If reversed, the injections were collected with decreasing indices (by a pass in reverse order), and
// they are reversed first.
func (c *Collector) InjectNodes(reversed bool) {
	if len(c.injections) == 0 {
		return
	}
	if reversed {
		slices.Reverse(c.injections)
	}
	slices.SortStableFunc(c.injections, func(a, b injection) int { return a.index - b.index })
	merged := make([]*graph.Node, 0, len(c.nodes)+len(c.injections))
	next := 0
	for i, n := range c.nodes {
		for next < len(c.injections) && c.injections[next].index <= i {
			merged = append(merged, c.injections[next].node)
			next++
		}
		merged = append(merged, n)
	}
	for ; next < len(c.injections); next++ {
		merged = append(merged, c.injections[next].node)
	}
	klog.V(2).Infof("%d nodes injected into a sequence of %d nodes", len(c.injections), len(c.nodes))
	c.nodes = merged
	c.injections = nil
}

// Nodes returns the accepted sequence. The slice is owned by the collector.
func (c *Collector) Nodes() []*graph.Node { return c.nodes }

// SetNodes replaces the sequence, e.g. after a pass over the whole sequence.
func (c *Collector) SetNodes(nodes []*graph.Node) { c.nodes = nodes }

// Len returns the number of nodes in the sequence.
func (c *Collector) Len() int { return len(c.nodes) }

// HasLogicalNodes returns whether logical nodes are waiting for the Scheduler.
func (c *Collector) HasLogicalNodes() bool { return slices.ContainsFunc(c.nodes, isPending) }

// isPending returns whether n is a logical node not executed yet.
func isPending(n *graph.Node) bool {
	return n.State() == graph.NodeNew && n.IsLogical() && !n.IsLogicalDone()
}
