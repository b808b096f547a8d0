// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"fmt"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GroupedConvolutions splits convolutions with more than one group into one convolution per group.
//
// Activations are channels-last and weights have the output channels in the last axis, with the input
// channels axis already holding the channels of one group. So every group is a slice of the last axis of
// each operand:
//
//   - Convolution (x, w, [bias]) -> y: x, w and bias are split, y is concatenated.
//   - DeDx (dy, w) -> dx: dy and w are split, dx is concatenated.
//   - DeDw (dy, x) -> dw: dy and x are split, dw is concatenated.
type GroupedConvolutions struct{}

var _ Extractor = GroupedConvolutions{}

func groups(n *graph.Node) int {
	switch n.Kind() {
	case graph.KindConvolution, graph.KindDeDx, graph.KindDeDw:
		if params, ok := n.Params().(graph.ConvParams); ok {
			return params.Groups
		}
	}
	return 1
}

// CanHandle implements Extractor.
func (GroupedConvolutions) CanHandle(n *graph.Node) bool {
	return groups(n) > 1
}

// Validate checks that every grouped operand can be divided evenly into the groups.
func (GroupedConvolutions) Validate(n *graph.Node) error {
	numGroups := groups(n)
	for _, t := range n.Operands() {
		if t == nil || t.ShapeOnly || t.Auxiliary || t.Rank() == 0 {
			continue
		}
		if channels := t.Shape().Dim(-1); channels%numGroups != 0 {
			return errors.Errorf("grouped convolution %q: %d channels of %s not divisible into %d groups",
				n.Name(), channels, t, numGroups)
		}
	}
	return nil
}

// Extract implements Extractor.
func (gc GroupedConvolutions) Extract(n *graph.Node) ([]*graph.Node, error) {
	if err := gc.Validate(n); err != nil {
		return nil, err
	}
	g := n.Graph()
	numGroups := groups(n)
	params := n.Params().(graph.ConvParams)
	params.Groups = 1
	prefix := n.Name()

	var before, after []*graph.Node
	groupInputs := make([][]*graph.Tensor, numGroups)
	groupOutputs := make([][]*graph.Tensor, numGroups)
	for group := range numGroups {
		groupInputs[group] = make([]*graph.Tensor, n.NumInputs())
		groupOutputs[group] = make([]*graph.Tensor, n.NumOutputs())
	}
	sizesOf := func(t *graph.Tensor) []int {
		sizes := make([]int, numGroups)
		for i := range sizes {
			sizes[i] = t.Shape().Dim(-1) / numGroups
		}
		return sizes
	}
	for i, t := range n.Inputs() {
		if t == nil || t.ShapeOnly || t.Auxiliary {
			for group := range numGroups {
				groupInputs[group][i] = t
			}
			continue
		}
		split, parts := splitTensor(t, t.Rank()-1, sizesOf(t), prefix)
		before = append(before, split)
		for group := range numGroups {
			groupInputs[group][i] = parts[group]
		}
	}
	for i, t := range n.Outputs() {
		if t == nil {
			continue
		}
		concat, parts := concatTensors(t, t.Rank()-1, sizesOf(t), prefix)
		after = append(after, concat)
		for group := range numGroups {
			groupOutputs[group][i] = parts[group]
		}
	}

	nodes := before
	for group := range numGroups {
		c := g.CopyNode(n, fmt.Sprintf("%s_group%d", prefix, group))
		c.SetParams(params)
		c.SetInputs(groupInputs[group])
		c.SetOutputs(groupOutputs[group])
		c.Annotations.Origin = origin(n)
		nodes = append(nodes, c)
	}
	nodes = append(nodes, after...)
	klog.V(1).Infof("grouped %s %q split into %d convolutions", n.Kind(), n.Name(), numGroups)
	DumpNodes(g, fmt.Sprintf("grouped convolution %q", n.Name()), nodes)
	return nodes, nil
}
