// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package registry defines the external collaborators consulted during legalization: the kernel capability
// registry (kernel existence, supported layouts, in-place reuse bindings and shape inference) and the
// composite-operator ("complex GUID") expansion library.
//
// Implementations must be safe for concurrent reads: several compilations may share one registry.
// KernelDB is the in-memory implementation provided.
package registry

import (
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ReuseBinding declares that Output of a kernel can be written in place over Input.
type ReuseBinding struct {
	Output int `toml:"output"`
	Input  int `toml:"input"`
}

// ShapeInferenceFn returns the output shapes of a kernel for the given input shapes.
type ShapeInferenceFn func(inputs []shapes.Shape) ([]shapes.Shape, error)

// Kernel is the information returned when a vector-compute kernel is loaded for a node.
type Kernel struct {
	GUID string

	// Auxiliary tensors created by the registry and appended to the node inputs.
	Auxiliary []*graph.Tensor

	// PreClearOutputs are the indices of the outputs the kernel accumulates into: they must be cleared
	// to zero before execution.
	PreClearOutputs []int

	// Reuse lists the in-place candidates of the kernel.
	Reuse []ReuseBinding
}

// KernelRegistry is the capability registry of the vector-compute kernels.
type KernelRegistry interface {
	// KernelExists returns whether the kernel identified by guid exists for the device.
	KernelExists(guid string, device graph.DeviceKind) bool

	// SupportedLayouts returns the layout descriptions supported by the kernel for each input and output.
	// Descriptions are parsed with perm.ParseLayout. found is false if the kernel declares no layouts.
	SupportedLayouts(guid string) (inputs, outputs []string, found bool)

	// ReusableInputBinding returns the in-place candidates of the kernel.
	ReusableInputBinding(guid string) []ReuseBinding

	// ShapeInference returns the shape inference function of the kernel, if one is known.
	ShapeInference(guid string) (ShapeInferenceFn, bool)

	// LoadKernel loads the kernel of the vector-compute node n. As a side effect, auxiliary tensors
	// the kernel needs are created and appended to the inputs of n.
	LoadKernel(n *graph.Node) (*Kernel, error)
}

// ErrGraphUnchanged is returned by ComplexGUIDLibrary.Expand when the library decided not to expand the node
// after all: the node must continue through the legalization as is.
var ErrGraphUnchanged = errors.New("complex guid expansion left the graph unchanged")

// ComplexGUIDLibrary expands composite operators into primitive ones.
type ComplexGUIDLibrary interface {
	// NeedsExpansion returns whether the library wants to expand n.
	NeedsExpansion(n *graph.Node) bool

	// Expand returns the nodes replacing n, or ErrGraphUnchanged.
	Expand(n *graph.Node) ([]*graph.Node, error)
}
