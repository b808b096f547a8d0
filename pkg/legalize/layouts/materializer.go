// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layouts

import (
	"fmt"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Materializer creates the transposes realizing the permutation requests of a node.
type Materializer struct {
	g *graph.Graph

	// ReuseAdaptations allows an input adaptation to be shared with another consumer of the same tensor
	// transposing it by the same permutation.
	ReuseAdaptations bool

	// PermuteUserTensors realizes adaptations of tensors that allow permutations (and are not produced by
	// other nodes) by permuting the tensor itself, using logical transposes instead of physical ones.
	PermuteUserTensors bool
}

// NewMaterializer creates a Materializer for nodes of g.
func NewMaterializer(g *graph.Graph) *Materializer {
	return &Materializer{g: g}
}

// Result of the materialization of the requests of a node.
type Result struct {
	// Before are the adaptation nodes of the inputs.
	Before []*graph.Node

	// Node is the node to legalize: the original one rewired to the adapted operands, or its recreation
	// for axis-keyed kinds.
	Node *graph.Node

	// Recreated is set if Node is not the original node, which was removed.
	Recreated bool

	// After are the adaptation nodes of the outputs.
	After []*graph.Node
}

// Materialize creates the adaptation nodes of n for the given requests and rewires n to the adapted tensors.
func (m *Materializer) Materialize(n *graph.Node, requests Requests) (Result, error) {
	result := Result{Node: n}
	if requests.IsEmpty() {
		return result, nil
	}
	g := m.g

	// axisMap maps the axes of the original operands to the axes of the adapted ones, for axis-keyed kinds.
	var axisMap perm.Permutation
	setAxisMap := func(q perm.Permutation) error {
		if axisMap == nil {
			axisMap = q
			return nil
		}
		if !axisMap.Equal(q) {
			return errors.Errorf("node %q (%s) is keyed by axis, but its operands are adapted with different permutations %s and %s",
				n.Name(), n.GUID(), axisMap, q)
		}
		return nil
	}

	for i, p := range requests.Inputs {
		t := n.Input(i)
		if t == nil || p == nil || p.IsIdentity() {
			continue
		}
		if n.Kind().IsAxisKeyed() {
			if err := setAxisMap(p); err != nil {
				return Result{}, err
			}
		}
		if reused := m.findAdaptation(t, p); reused != nil {
			klog.V(2).Infof("node %q input #%d reuses adaptation %s of %s", n.Name(), i, reused, t)
			n.SetInput(i, reused)
			continue
		}
		adapted := g.NewTensor(fmt.Sprintf("%s_%s", t.Name(), "transposed"), p.ApplyToShape(t.Shape()))
		var transpose *graph.Node
		if m.canPermute(n, t) {
			t.SetPermutation(p)
			transpose = g.NewTranspose(graph.KindLogicalTranspose, "", t, adapted, p)
			transpose.MarkUserPermutationTranspose()
		} else {
			transpose = g.NewTranspose(graph.KindTranspose, "", t, adapted, p)
		}
		result.Before = append(result.Before, transpose)
		n.SetInput(i, adapted)
	}

	for i, p := range requests.Outputs {
		t := n.Output(i)
		if t == nil || p == nil || p.IsIdentity() {
			continue
		}
		inverse := p.Inverse()
		if n.Kind().IsAxisKeyed() {
			if err := setAxisMap(inverse); err != nil {
				return Result{}, err
			}
		}
		preImage := g.NewTensor(fmt.Sprintf("%s_%s", t.Name(), "pre_transpose"), inverse.ApplyToShape(t.Shape()))
		preImage.Reduction = t.Reduction
		var transpose *graph.Node
		if m.canPermute(n, t) {
			t.SetPermutation(inverse)
			transpose = g.NewTranspose(graph.KindLogicalTranspose, "", preImage, t, p)
			transpose.SetAliasDirection(graph.AliasBackward)
			transpose.MarkUserPermutationTranspose()
		} else {
			transpose = g.NewTranspose(graph.KindTranspose, "", preImage, t, p)
		}
		result.After = append(result.After, transpose)
		n.SetOutput(i, preImage)
	}
	n.InputLayouts, n.OutputLayouts = nil, nil
	n.Annotations.LayoutWrapped = true

	if axisMap != nil {
		result.Node = RecreateWithAxisMap(n, axisMap)
		result.Recreated = result.Node != n
	}
	return result, nil
}

// canPermute returns whether t, an operand of n, can have its memory layout permuted: it must not be
// produced by any other node.
func (m *Materializer) canPermute(n *graph.Node, t *graph.Tensor) bool {
	if !m.PermuteUserTensors || !t.AllowPermutation || t.IsPermuted() || t.IsAliased() || !t.IsDense() {
		return false
	}
	producer := m.g.Producer(t)
	return producer == nil || producer == n
}

// findAdaptation returns the output of an existing transpose of t by p, if reuse is enabled.
func (m *Materializer) findAdaptation(t *graph.Tensor, p perm.Permutation) *graph.Tensor {
	if !m.ReuseAdaptations {
		return nil
	}
	for _, consumer := range m.g.Consumers(t) {
		if q := TransposeOf(consumer); q != nil && q.Equal(p) && consumer.Input(0) == t {
			return consumer.Output(0)
		}
	}
	return nil
}

// RecreateWithAxisMap returns a copy of the axis-keyed node n with its axis remapped to the operands
// transposed by axisMap: the old axis a becomes axisMap.IndexOf(a). The original node is removed.
//
// Axis-keyed nodes are recreated instead of changed in place. If the axis doesn't change, n is returned.
func RecreateWithAxisMap(n *graph.Node, axisMap perm.Permutation) *graph.Node {
	params, ok := n.Params().(graph.AxisParams)
	if !ok || !n.Kind().IsAxisKeyed() {
		return n
	}
	newAxis := axisMap.IndexOf(params.Axis)
	if newAxis == params.Axis {
		return n
	}
	c := n.Graph().CopyNode(n, n.Name())
	c.SetParams(graph.AxisParams{Axis: newAxis})
	n.Remove()
	klog.V(2).Infof("node %q (%s) recreated with axis %d -> %d", n.Name(), n.Kind(), params.Axis, newAxis)
	return c
}
