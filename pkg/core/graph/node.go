// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/perm"
)

// NodeId is the index of a node in the arena of its Graph.
type NodeId int32

// NodeState is the lifecycle state of a node.
type NodeState int

const (
	// NodeNew nodes are still being legalized: they can be freely mutated.
	NodeNew NodeState = iota

	// NodeAccepted nodes are part of the legalized sequence and can no longer be mutated.
	NodeAccepted

	// NodeRemoved nodes were replaced by a rewrite: they are no longer consumers or producers of any tensor.
	NodeRemoved
)

// String implements fmt.Stringer.
func (s NodeState) String() string {
	switch s {
	case NodeAccepted:
		return "accepted"
	case NodeRemoved:
		return "removed"
	default:
		return "new"
	}
}

// MMEStrategy is a tri-state flag of the concurrency strategies of matrix-multiply nodes.
type MMEStrategy int

const (
	StrategyUndefined MMEStrategy = iota
	StrategyTurnedOn
	StrategyTurnedOff
)

// String implements fmt.Stringer.
func (s MMEStrategy) String() string {
	switch s {
	case StrategyTurnedOn:
		return "on"
	case StrategyTurnedOff:
		return "off"
	default:
		return "undefined"
	}
}

// Annotations are per-node flags set by the legalization rules.
type Annotations struct {
	// BatchConcurrency and CommonDimConcurrency are the concurrency strategies of matrix-multiply nodes.
	BatchConcurrency, CommonDimConcurrency MMEStrategy

	// LayoutWrapped is set once a node had its operands wrapped by transposes, so it's not wrapped again.
	LayoutWrapped bool

	// PropagationVisited is set by the don't-care propagation, so each node is considered at most once per run.
	PropagationVisited bool

	// Packed is set on convolutions that were already packed.
	Packed bool

	// Origin is the name of the user node this node was extracted from, if any.
	Origin string
}

type logicalState struct {
	direction AliasDirection
	done      bool

	// userPermutationTranspose marks logical transposes created to realize the permutation of a user tensor.
	userPermutationTranspose bool
}

// Node is an operator of the graph.
//
// Nodes are mutated by the legalization rules (operand replacement, parameter changes) until accepted
// into the legalized sequence, after which any mutation panics.
type Node struct {
	graph *Graph
	id    NodeId
	name  string
	kind  Kind
	guid  string

	engine Engine

	// inputs and outputs may contain nil entries for optional operands.
	inputs, outputs []*Tensor

	params any

	// InputLayouts and OutputLayouts are the actual (user supplied) layouts of the operands.
	// Either may be empty, meaning don't-care for all operands.
	InputLayouts, OutputLayouts []perm.Layout

	Annotations Annotations

	logical logicalState
	state   NodeState
}

func (n *Node) checkMutable() {
	if n.state != NodeNew {
		exceptions.Panicf("node %q is %s and can no longer be changed", n.name, n.state)
	}
}

// Graph owning the node.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node in its Graph.
func (n *Node) Id() NodeId { return n.id }

// Name of the node.
func (n *Node) Name() string { return n.name }

// Kind of the operator.
func (n *Node) Kind() Kind { return n.kind }

// GUID is the kernel signature of vector-compute nodes (e.g. "relu_fwd_f32"). For other kinds it
// defaults to the kind name.
func (n *Node) GUID() string {
	if n.guid == "" {
		return n.kind.String()
	}
	return n.guid
}

// SetGUID changes the kernel signature of the node.
func (n *Node) SetGUID(guid string) {
	n.checkMutable()
	n.guid = guid
}

// Engine the node is assigned to.
func (n *Node) Engine() Engine { return n.engine }

// SetEngine assigns the node to an engine.
func (n *Node) SetEngine(engine Engine) {
	n.checkMutable()
	n.engine = engine
}

// IsLogical returns whether the node only re-describes existing tensors.
func (n *Node) IsLogical() bool { return n.kind.IsLogical() }

// State of the node in its lifecycle.
func (n *Node) State() NodeState { return n.state }

// IsAccepted returns whether the node is part of the legalized sequence.
func (n *Node) IsAccepted() bool { return n.state == NodeAccepted }

// MarkAccepted freezes the node.
func (n *Node) MarkAccepted() {
	n.checkMutable()
	n.state = NodeAccepted
}

// Remove marks a node as replaced: it is no longer counted as a consumer or producer of its operands.
// Accepted nodes can only be removed by the passes that run over the whole legalized sequence.
func (n *Node) Remove() {
	n.state = NodeRemoved
}

// Params returns the per-kind parameters of the node, or nil.
func (n *Node) Params() any { return n.params }

// SetParams changes the parameters of the node.
func (n *Node) SetParams(params any) {
	n.checkMutable()
	n.params = params
}

// Inputs returns the inputs of the node. The slice is owned by the node and shouldn't be changed.
func (n *Node) Inputs() []*Tensor { return n.inputs }

// Outputs returns the outputs of the node. The slice is owned by the node and shouldn't be changed.
func (n *Node) Outputs() []*Tensor { return n.outputs }

// NumInputs returns the number of input slots, including nil ones.
func (n *Node) NumInputs() int { return len(n.inputs) }

// NumOutputs returns the number of output slots, including nil ones.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Input returns the i-th input, or nil if it is an empty slot or out of range.
func (n *Node) Input(i int) *Tensor {
	if i < 0 || i >= len(n.inputs) {
		return nil
	}
	return n.inputs[i]
}

// Output returns the i-th output, or nil if it is an empty slot or out of range.
func (n *Node) Output(i int) *Tensor {
	if i < 0 || i >= len(n.outputs) {
		return nil
	}
	return n.outputs[i]
}

// Operands returns the non-nil inputs followed by the non-nil outputs.
func (n *Node) Operands() []*Tensor {
	operands := make([]*Tensor, 0, len(n.inputs)+len(n.outputs))
	for _, t := range n.inputs {
		if t != nil {
			operands = append(operands, t)
		}
	}
	for _, t := range n.outputs {
		if t != nil {
			operands = append(operands, t)
		}
	}
	return operands
}

// NumOperands returns the number of non-nil inputs and outputs.
func (n *Node) NumOperands() int { return len(n.Operands()) }

// SetInput replaces the i-th input. t can be nil.
func (n *Node) SetInput(i int, t *Tensor) {
	n.checkMutable()
	if i < 0 || i >= len(n.inputs) {
		exceptions.Panicf("node %q has no input #%d", n.name, i)
	}
	n.inputs[i] = t
}

// SetOutput replaces the i-th output. t can be nil.
func (n *Node) SetOutput(i int, t *Tensor) {
	n.checkMutable()
	if i < 0 || i >= len(n.outputs) {
		exceptions.Panicf("node %q has no output #%d", n.name, i)
	}
	n.outputs[i] = t
}

// SetInputs replaces all inputs.
func (n *Node) SetInputs(inputs []*Tensor) {
	n.checkMutable()
	n.inputs = slices.Clone(inputs)
}

// SetOutputs replaces all outputs.
func (n *Node) SetOutputs(outputs []*Tensor) {
	n.checkMutable()
	n.outputs = slices.Clone(outputs)
}

// AppendInput adds an input at the end of the input list.
func (n *Node) AppendInput(t *Tensor) {
	n.checkMutable()
	n.inputs = append(n.inputs, t)
}

// ReplaceTensor replaces every occurrence of old by replacement in the inputs and outputs.
// It returns whether old was found.
func (n *Node) ReplaceTensor(old, replacement *Tensor) (found bool) {
	n.checkMutable()
	for _, list := range [][]*Tensor{n.inputs, n.outputs} {
		for i, t := range list {
			if t == old {
				list[i] = replacement
				found = true
			}
		}
	}
	return
}

// HasInput returns whether t is an input of the node.
func (n *Node) HasInput(t *Tensor) bool { return slices.Contains(n.inputs, t) }

// HasOutput returns whether t is an output of the node.
func (n *Node) HasOutput(t *Tensor) bool { return slices.Contains(n.outputs, t) }

// HasActualLayouts returns whether any operand has a non don't-care user supplied layout.
func (n *Node) HasActualLayouts() bool {
	for _, l := range n.InputLayouts {
		if !l.IsDontCare() {
			return true
		}
	}
	for _, l := range n.OutputLayouts {
		if !l.IsDontCare() {
			return true
		}
	}
	return false
}

// InputLayout returns the actual layout of the i-th input, don't-care if not given.
func (n *Node) InputLayout(i int) perm.Layout {
	if i < 0 || i >= len(n.InputLayouts) {
		return perm.DontCare()
	}
	return n.InputLayouts[i]
}

// OutputLayout returns the actual layout of the i-th output, don't-care if not given.
func (n *Node) OutputLayout(i int) perm.Layout {
	if i < 0 || i >= len(n.OutputLayouts) {
		return perm.DontCare()
	}
	return n.OutputLayouts[i]
}

// HasPermutedOperand returns whether any operand carries a pending permutation.
func (n *Node) HasPermutedOperand() bool {
	for _, t := range n.Operands() {
		if t.IsPermuted() {
			return true
		}
	}
	return false
}

// IsDynamic returns whether any operand has a dynamic shape.
func (n *Node) IsDynamic() bool {
	for _, t := range n.Operands() {
		if t.IsDynamic() {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer, it includes the operands.
func (n *Node) String() string {
	if n == nil {
		return "<nil node>"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %q", n.GUID(), n.name)
	if n.engine != EngineNone {
		fmt.Fprintf(&sb, " @%s", n.engine)
	}
	if n.IsLogical() {
		fmt.Fprintf(&sb, " [%s]", n.logical.direction)
	}
	if n.params != nil {
		fmt.Fprintf(&sb, " %+v", n.params)
	}
	writeOperands := func(label string, list []*Tensor) {
		fmt.Fprintf(&sb, "\n  %s:", label)
		for i, t := range list {
			fmt.Fprintf(&sb, "\n    #%d %s", i, t)
		}
	}
	writeOperands("inputs", n.inputs)
	writeOperands("outputs", n.outputs)
	return sb.String()
}
