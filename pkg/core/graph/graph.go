// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph holds the model of a computation graph being legalized for the accelerator:
// tensors (arena-allocated, addressed by TensorId), nodes (operator kind, engine, operands and
// annotations), the operator kinds table and the hardware capabilities of the target device.
//
// A Graph is not safe for concurrent use: one compilation owns one Graph.
package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Allocator is the interface used by the legalization rules to name new entities and query the device.
// It is implemented by *Graph.
type Allocator interface {
	NextNodeName() string
	NextTensorName() string
	DeviceKind() DeviceKind
	Capabilities() *HardwareCapabilities
}

// Graph is the arena of tensors and nodes of one compilation.
type Graph struct {
	id     uuid.UUID
	name   string
	device DeviceKind
	caps   *HardwareCapabilities

	tensors []*Tensor
	nodes   []*Node

	nodeCounter, tensorCounter int

	debugBudget DebugBudget
}

var _ Allocator = (*Graph)(nil)

// DefaultDebugBudget is the number of bytes of node dumps emitted per Graph at high verbosity.
const DefaultDebugBudget = 1 << 20

// New creates an empty Graph for the given device. If caps is nil, the default capabilities of the
// device are used.
func New(name string, device DeviceKind, caps *HardwareCapabilities) *Graph {
	if caps == nil {
		var err error
		caps, err = CapabilitiesFor(device)
		if err != nil {
			exceptions.Panicf("graph.New(%q): %v", name, err)
		}
	}
	g := &Graph{
		id:     uuid.New(),
		name:   name,
		device: device,
		caps:   caps,
	}
	g.debugBudget.Reset(DefaultDebugBudget)
	klog.V(2).Infof("new graph %q (%s) for device %s", name, g.id, device)
	return g
}

// Id is a unique identifier of the compilation, used in diagnostics.
func (g *Graph) Id() uuid.UUID { return g.id }

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%q, %s, #nodes=%d, #tensors=%d)", g.name, g.device, len(g.nodes), len(g.tensors))
}

// DeviceKind implements Allocator.
func (g *Graph) DeviceKind() DeviceKind { return g.device }

// Capabilities implements Allocator.
func (g *Graph) Capabilities() *HardwareCapabilities { return g.caps }

// NextNodeName implements Allocator.
func (g *Graph) NextNodeName() string {
	g.nodeCounter++
	return fmt.Sprintf("node_%d", g.nodeCounter)
}

// NextTensorName implements Allocator.
func (g *Graph) NextTensorName() string {
	g.tensorCounter++
	return fmt.Sprintf("tensor_%d", g.tensorCounter)
}

// DebugBudget returns the budget of node dumps of this compilation.
func (g *Graph) DebugBudget() *DebugBudget { return &g.debugBudget }

// NumTensors returns the number of tensors in the arena.
func (g *Graph) NumTensors() int { return len(g.tensors) }

// Tensor returns the tensor with the given id.
func (g *Graph) Tensor(id TensorId) *Tensor {
	if id < 0 || int(id) >= len(g.tensors) {
		exceptions.Panicf("tensor id %d out of range for %s", id, g)
	}
	return g.tensors[id]
}

// NewTensor creates a new dense, non-aliased tensor in device memory.
// If name is empty, a new name is allocated.
func (g *Graph) NewTensor(name string, shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("cannot create tensor %q with invalid shape %s", name, shape)
	}
	if name == "" {
		name = g.NextTensorName()
	}
	t := &Tensor{
		graph:   g,
		id:      TensorId(len(g.tensors)),
		name:    name,
		shape:   shape.Clone(),
		aliasOf: NoTensor,
	}
	g.tensors = append(g.tensors, t)
	return t
}

// CloneTensor creates a new tensor with the same shape as t, in device memory, dense, not aliased and
// not permuted. Flags that describe the storage of t (user-managed, enforced output, reduction) are not
// carried over.
func (g *Graph) CloneTensor(t *Tensor, name string) *Tensor {
	if name == "" {
		name = t.name + "_clone"
	}
	c := g.NewTensor(name, t.shape)
	c.ShapeOnly = t.ShapeOnly
	c.AllowPermutation = t.AllowPermutation
	if t.minDims != nil {
		c.SetMinimalDimensions(t.minDims)
	}
	return c
}

// NumNodes returns the number of nodes ever created in the graph, including removed ones.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id NodeId) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("node id %d out of range for %s", id, g)
	}
	return g.nodes[id]
}

// NewNode creates a node of the given kind. If name is empty a new name is allocated.
// The engine is set from the kind (EngineNone for logical and not yet physicalized kinds).
func (g *Graph) NewNode(kind Kind, name string, inputs, outputs []*Tensor, params any) *Node {
	if kind <= KindInvalid || kind >= numKinds {
		exceptions.Panicf("cannot create node %q of invalid kind %d", name, kind)
	}
	if name == "" {
		name = g.NextNodeName()
	}
	for _, t := range append(append([]*Tensor(nil), inputs...), outputs...) {
		if t != nil && t.graph != g {
			exceptions.Panicf("node %q uses tensor %q of a different graph", name, t.name)
		}
	}
	n := &Node{
		graph:   g,
		id:      NodeId(len(g.nodes)),
		name:    name,
		kind:    kind,
		engine:  kind.Engine(),
		inputs:  append([]*Tensor(nil), inputs...),
		outputs: append([]*Tensor(nil), outputs...),
		params:  params,
	}
	n.logical.direction = kind.DefaultAliasDirection()
	g.nodes = append(g.nodes, n)
	return n
}

// NewTPCNode creates a vector-compute node running the kernel identified by guid.
func (g *Graph) NewTPCNode(guid, name string, inputs, outputs []*Tensor, params any) *Node {
	n := g.NewNode(KindTPC, name, inputs, outputs, params)
	n.guid = guid
	return n
}

// Consumers returns the live (not removed) nodes that read t, in creation order.
func (g *Graph) Consumers(t *Tensor) []*Node {
	var consumers []*Node
	for _, n := range g.nodes {
		if n.state == NodeRemoved {
			continue
		}
		for _, input := range n.inputs {
			if input == t {
				consumers = append(consumers, n)
				break
			}
		}
	}
	return consumers
}

// Producer returns the live node that writes t, or nil if t is a graph input.
// If more than one node writes t (reduction tensors), the first one created is returned.
func (g *Graph) Producer(t *Tensor) *Node {
	for _, n := range g.nodes {
		if n.state == NodeRemoved {
			continue
		}
		for _, output := range n.outputs {
			if output == t {
				return n
			}
		}
	}
	return nil
}

// DebugBudget limits the amount of node dumps written to the logs by one compilation.
// The zero value has no budget left.
type DebugBudget struct {
	remaining atomic.Int64
}

// Reset sets the remaining budget in bytes.
func (b *DebugBudget) Reset(bytes int64) { b.remaining.Store(bytes) }

// Remaining returns the remaining budget in bytes.
func (b *DebugBudget) Remaining() int64 { return b.remaining.Load() }

// Spend tries to take n bytes from the budget. It returns false, and doesn't change the budget,
// if there aren't enough bytes left.
func (b *DebugBudget) Spend(n int64) bool {
	for {
		current := b.remaining.Load()
		if current < n {
			return false
		}
		if b.remaining.CompareAndSwap(current, current-n) {
			return true
		}
	}
}
