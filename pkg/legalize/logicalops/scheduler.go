// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package logicalops

import (
	"slices"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NodeAdder legalizes and accepts new internal nodes, e.g. the copies injected by the Scheduler.
type NodeAdder interface {
	AddNode(n *graph.Node, userNode bool) error
}

// Scheduler executes the deferred logical nodes of a Collector.
//
// Logical nodes are either forward (their outputs become views of the first input, e.g. Split), backward
// (their inputs become views of the first output, e.g. Concat) or swappable, forward by default (e.g. Reshape).
//
// It works in two passes over the sequence:
//
//   - A reverse pass, that swaps swappable nodes to backward when that saves a copy, and executes the
//     backward nodes.
//   - A forward pass executing the remaining forward nodes.
//
// Where a view is not possible a copy is injected next to the logical node, and the execution order is
// regenerated at the end.
type Scheduler struct {
	collector *Collector
	adder     NodeAdder
}

// NewScheduler creates a Scheduler for the nodes of c, legalizing the copies it injects with adder.
func NewScheduler(c *Collector, adder NodeAdder) *Scheduler {
	return &Scheduler{collector: c, adder: adder}
}

// Run executes all deferred logical nodes.
func (s *Scheduler) Run() error {
	c := s.collector
	if !c.HasLogicalNodes() {
		return nil
	}
	c.runLogical = true
	defer func() { c.runLogical = false }()

	for _, backward := range []bool{true, false} {
		nodes := slices.Clone(c.Nodes())
		for i := range nodes {
			idx := i
			if backward {
				idx = len(nodes) - 1 - i
			}
			n := nodes[idx]
			if !isPending(n) {
				continue
			}
			if backward {
				trySwapBackward(nodes, idx)
				if n.AliasDirection() != graph.AliasBackward {
					continue
				}
			}
			if err := s.process(n, idx, backward); err != nil {
				return err
			}
		}
		c.InjectNodes(backward)
	}

	live := slices.DeleteFunc(slices.Clone(c.Nodes()), func(n *graph.Node) bool { return n.State() == graph.NodeRemoved })
	c.SetNodes(graph.TopologicalOrder(live))
	return nil
}

// process injects the copies n needs for its alias direction and executes it.
func (s *Scheduler) process(n *graph.Node, idx int, backward bool) error {
	inputs, outputs := InvalidAliases(n)
	if len(inputs)+len(outputs) > 0 {
		klog.V(1).Infof("logical node %q (%s, %s) needs %d input and %d output copies",
			n.Name(), n.Kind(), n.AliasDirection(), len(inputs), len(outputs))
	}
	handleInputs := func() error {
		s.collector.SetInjectionIndex(idx)
		defer s.collector.ResetInjectionIndex()
		for _, i := range inputs {
			clone, memcpy := createMemcpy(n.Input(i), false)
			n.SetInput(i, clone)
			if err := s.adder.AddNode(memcpy, false); err != nil {
				return errors.WithMessagef(err, "copy of input #%d of logical node %q", i, n.Name())
			}
		}
		return nil
	}
	handleOutputs := func() error {
		s.collector.SetInjectionIndex(idx + 1)
		defer s.collector.ResetInjectionIndex()
		for _, i := range outputs {
			clone, memcpy := createMemcpy(n.Output(i), true)
			n.SetOutput(i, clone)
			if err := s.adder.AddNode(memcpy, false); err != nil {
				return errors.WithMessagef(err, "copy of output #%d of logical node %q", i, n.Name())
			}
		}
		return nil
	}
	// Injections of the reverse pass must come with decreasing indices.
	steps := []func() error{handleInputs, handleOutputs}
	if backward {
		slices.Reverse(steps)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	n.RunLogicalOp()
	n.MarkAccepted()
	klog.V(2).Infof("logical node %q (%s) executed %s", n.Name(), n.Kind(), n.AliasDirection())
	return nil
}

// createMemcpy returns a clone of t and a copy between them: from the clone to t if copyToOrig, else from t
// to the clone.
func createMemcpy(t *graph.Tensor, copyToOrig bool) (*graph.Tensor, *graph.Node) {
	g := t.Graph()
	clone := g.CloneTensor(t, g.NextTensorName())
	clone.AllowPermutation = false
	var memcpy *graph.Node
	if copyToOrig {
		memcpy = g.NewMemcpy("", clone, t)
	} else {
		memcpy = g.NewMemcpy("", t, clone)
	}
	return clone, memcpy
}

// cannotBeView returns why t can't become a view of another tensor, or "" if it can.
func cannotBeView(t *graph.Tensor) string {
	switch {
	case t.IsAliased():
		return "already a view"
	case t.UserManaged:
		return "user managed"
	case t.EnforcedOutput:
		return "enforced output"
	case t.Residency == graph.ResidencyStatic:
		return "static"
	case t.RealInLogical:
		return "must keep its own memory"
	case t.IsPermuted():
		return "permuted"
	}
	return ""
}

// InvalidAliases returns the indices of the inputs and outputs of the logical node n that can't become
// views in its current alias direction, and therefore need a copy.
func InvalidAliases(n *graph.Node) (inputs, outputs []int) {
	real := n.LogicalRealTensor()
	seen := sets.Make[*graph.Tensor]()
	check := func(t *graph.Tensor) bool {
		if t == nil || t == real || t.ShapeOnly {
			return false
		}
		if seen.Has(t) {
			return true
		}
		seen.Insert(t)
		if reason := cannotBeView(t); reason != "" {
			klog.V(2).Infof("logical node %q: %s can't become a view (%s)", n.Name(), t, reason)
			return true
		}
		return false
	}
	if n.AliasDirection() == graph.AliasBackward {
		for i, t := range n.Inputs() {
			if check(t) {
				inputs = append(inputs, i)
			}
		}
	} else {
		for i, t := range n.Outputs() {
			if check(t) {
				outputs = append(outputs, i)
			}
		}
	}
	return
}

// trySwapBackward swaps the swappable forward node at nodes[idx] to backward, when that avoids a copy:
// if its output can't become a view, or if the producer of its input can write directly into the output.
func trySwapBackward(nodes []*graph.Node, idx int) {
	n := nodes[idx]
	if n.AliasDirection() == graph.AliasBackward || !n.Kind().CanSwapAliasDirection() {
		return
	}
	input := n.Input(0)
	if input == nil || input.RealInLogical {
		return
	}
	var output *graph.Tensor
	for _, t := range n.Outputs() {
		if t != nil && !t.ShapeOnly {
			output = t
			break
		}
	}
	if output == nil {
		return
	}
	writeIntoOutput := func() bool {
		producerIdx := graph.ProducerIn(nodes[:idx], input)
		if producerIdx < 0 {
			return false
		}
		producer := nodes[producerIdx]
		if producer.IsLogical() || !producer.Kind().HandlesStridedOutput() {
			return false
		}
		return len(graph.ConsumersIn(nodes[producerIdx+1:], input)) == 1
	}
	if output.IsAliased() || output.RealInLogical || output.UserManaged || writeIntoOutput() {
		klog.V(2).Infof("logical node %q (%s) swapped to backward", n.Name(), n.Kind())
		n.SwapAliasDirection()
	}
}
