// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dontcare

import (
	"testing"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/gomlx/legalizer/pkg/legalize/layouts"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestStrategy(t *testing.T) {
	for _, s := range []Strategy{None, TwoSweep, BFS} {
		assert.Equal(t, s, must.M1(ParseStrategy(s.String())))
	}
	assert.Equal(t, TwoSweep, must.M1(ParseStrategy("Two-Sweep")))
	_, err := ParseStrategy("dfs")
	require.Error(t, err)

	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("bfs")))
	assert.Equal(t, BFS, s)
}

func newRelu(g *graph.Graph, x, y *graph.Tensor) *graph.Node {
	return g.NewTPCNode("relu_fwd_bf16", "relu", []*graph.Tensor{x}, []*graph.Tensor{y}, nil)
}

func TestHandlerWrap(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	db := registry.NewDefaultKernelDB(g.Capabilities())
	h := NewHandler(db)
	p := perm.Must(0, 2, 3, 1)
	shape := shapes.Make(dtypes.BFloat16, 2, 3, 4, 5)

	x := g.NewTensor("x", shape)
	x.AllowPermutation = true
	x.SetPermutation(p)
	y := g.NewTensor("y", shape)
	y.AllowPermutation = true
	relu := newRelu(g, x, y)

	assert.Equal(t, p, HarvestPermutation(relu))
	result, ok := h.Wrap(relu)
	require.True(t, ok)
	require.Len(t, result.Before, 1)
	require.Len(t, result.After, 1)
	assert.Same(t, relu, result.Node)
	assert.True(t, relu.Annotations.LayoutWrapped)

	before := result.Before[0]
	assert.Equal(t, graph.KindLogicalTranspose, before.Kind())
	assert.True(t, before.IsUserPermutationTranspose())
	assert.Equal(t, []int{2, 4, 5, 3}, relu.Input(0).Shape().Dimensions)

	// The output is now permuted the same way, and viewed backwards from what relu writes.
	after := result.After[0]
	assert.Equal(t, graph.KindLogicalTranspose, after.Kind())
	assert.Equal(t, graph.AliasBackward, after.AliasDirection())
	assert.Equal(t, p, y.Permutation())
	assert.Equal(t, []int{2, 4, 5, 3}, relu.Output(0).Shape().Dimensions)

	// A second attempt is a no-op.
	_, ok = h.Wrap(relu)
	assert.False(t, ok)
}

func TestHandlerWrapPhysicalOutput(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	h := NewHandler(registry.NewDefaultKernelDB(g.Capabilities()))
	p := perm.Must(0, 2, 3, 1)
	shape := shapes.Make(dtypes.BFloat16, 2, 3, 4, 5)

	x := g.NewTensor("x", shape)
	x.AllowPermutation = true
	x.SetPermutation(p)
	y := g.NewTensor("y", shape)
	relu := newRelu(g, x, y)
	result, ok := h.Wrap(relu)
	require.True(t, ok)
	require.Len(t, result.After, 1)
	assert.Equal(t, graph.KindTranspose, result.After[0].Kind())
	assert.Equal(t, p.Inverse(), layouts.TransposeOf(result.After[0]))
	assert.False(t, y.IsPermuted())
}

func TestHandlerNotApplicable(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	h := NewHandler(registry.NewDefaultKernelDB(g.Capabilities()))
	shape := shapes.Make(dtypes.BFloat16, 2, 3, 4, 5)

	// No permuted operands.
	relu := newRelu(g, g.NewTensor("", shape), g.NewTensor("", shape))
	_, ok := h.Wrap(relu)
	assert.False(t, ok)

	// Operands disagree on the permutation.
	a, b := g.NewTensor("a", shape), g.NewTensor("b", shape)
	a.AllowPermutation, b.AllowPermutation = true, true
	a.SetPermutation(perm.Must(0, 2, 3, 1))
	b.SetPermutation(perm.Must(0, 3, 1, 2))
	add := g.NewTPCNode("add_fwd_bf16", "", []*graph.Tensor{a, b}, []*graph.Tensor{g.NewTensor("", shape)}, nil)
	assert.Nil(t, HarvestPermutation(add))
	_, ok = h.Wrap(add)
	assert.False(t, ok)

	// Kernels without declared layouts are not don't-care.
	c := g.NewTensor("c", shape)
	c.AllowPermutation = true
	c.SetPermutation(perm.Must(0, 2, 3, 1))
	norm := g.NewTPCNode("batch_norm_fwd_bf16", "", []*graph.Tensor{c}, []*graph.Tensor{g.NewTensor("", shape)}, nil)
	_, ok = h.Wrap(norm)
	assert.False(t, ok)
}

// transposeChain builds x -> Transpose(p) -> u -> relu -> v -> Transpose(p⁻¹) -> y, all accepted.
func transposeChain(g *graph.Graph, p perm.Permutation) (nodes []*graph.Node, x, y *graph.Tensor) {
	shape := shapes.Make(dtypes.BFloat16, 2, 3, 4, 5)
	x = g.NewTensor("x", shape)
	u := g.NewTensor("u", p.ApplyToShape(shape))
	v := g.NewTensor("v", p.ApplyToShape(shape))
	y = g.NewTensor("y", shape)
	nodes = []*graph.Node{
		layouts.NewTransposePrimitive(g, "t0", x, u, p),
		newRelu(g, u, v),
		layouts.NewTransposePrimitive(g, "t1", v, y, p.Inverse()),
	}
	for _, n := range nodes {
		n.MarkAccepted()
	}
	return
}

func TestPropagateRoundTrip(t *testing.T) {
	for _, strategy := range []Strategy{TwoSweep, BFS} {
		t.Run(strategy.String(), func(t *testing.T) {
			g := graph.New("test", graph.DeviceGen2, nil)
			p := perm.Must(0, 2, 3, 1)
			nodes, x, y := transposeChain(g, p)
			require.Equal(t, graph.KindDMATranspose, nodes[0].Kind())

			propagator := NewPropagator(registry.NewDefaultKernelDB(g.Capabilities()), strategy)
			seq, created := propagator.Propagate(nodes)
			require.Len(t, seq, 1)
			require.Len(t, created, 1)
			relu := seq[0]
			assert.Equal(t, "relu_fwd_bf16", relu.GUID())
			assert.Same(t, x, relu.Input(0))
			assert.Same(t, y, relu.Output(0))
			assert.True(t, relu.Annotations.LayoutWrapped)
			for _, n := range nodes {
				assert.Equal(t, graph.NodeRemoved, n.State())
			}

			// Idempotent: a second run changes nothing.
			again, created := propagator.Propagate(seq)
			assert.Equal(t, seq, again)
			assert.Empty(t, created)
		})
	}
}

func TestPropagateWithoutBenefit(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	p := perm.Must(0, 2, 3, 1)
	shape := shapes.Make(dtypes.BFloat16, 2, 3, 4, 5)
	x := g.NewTensor("x", shape)
	u := g.NewTensor("u", p.ApplyToShape(shape))
	v := g.NewTensor("v", p.ApplyToShape(shape))
	w := g.NewTensor("w", p.ApplyToShape(shape))
	nodes := []*graph.Node{
		layouts.NewTransposePrimitive(g, "t0", x, u, p),
		newRelu(g, u, v),
		g.NewTPCNode("add_fwd_bf16", "add", []*graph.Tensor{v, v}, []*graph.Tensor{w}, nil),
	}
	for _, n := range nodes {
		n.MarkAccepted()
	}
	for _, strategy := range []Strategy{TwoSweep, BFS} {
		seq, created := NewPropagator(registry.NewDefaultKernelDB(g.Capabilities()), strategy).Propagate(nodes)
		assert.Equal(t, nodes, seq, "strategy %s", strategy)
		assert.Empty(t, created)
	}

	seq, _ := NewPropagator(nil, None).Propagate(nodes)
	assert.Equal(t, nodes, seq)
}

func TestEliminateRedundant(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	p := perm.Must(1, 2, 0)
	shape := shapes.Make(dtypes.Float32, 1, 4, 1)
	x := g.NewTensor("x", shape)
	u := g.NewTensor("u", p.ApplyToShape(shape))
	y := g.NewTensor("y", shape)
	first := g.NewTranspose(graph.KindLogicalTranspose, "first", x, u, p)
	second := g.NewTranspose(graph.KindLogicalTranspose, "second", u, y, p.Inverse())
	seq, created := EliminateRedundant([]*graph.Node{first, second})
	require.Len(t, seq, 1)
	require.Len(t, created, 1)
	assert.Equal(t, graph.KindIdentity, seq[0].Kind())
	assert.Same(t, x, seq[0].Input(0))
	assert.Same(t, y, seq[0].Output(0))
	assert.Equal(t, graph.NodeRemoved, first.State())

	// A user managed intermediate tensor is kept.
	v := g.NewTensor("v", p.ApplyToShape(shape))
	v.UserManaged = true
	z := g.NewTensor("z", shape)
	nodes := []*graph.Node{
		g.NewTranspose(graph.KindLogicalTranspose, "", x, v, p),
		g.NewTranspose(graph.KindLogicalTranspose, "", v, z, p.Inverse()),
	}
	seq, created = EliminateRedundant(nodes)
	assert.Equal(t, nodes, seq)
	assert.Empty(t, created)

	// Transposes that don't compose to the identity are kept.
	w := g.NewTensor("w", p.ApplyToShape(shape))
	q := g.NewTensor("q", p.ApplyToShape(p.ApplyToShape(shape)))
	nodes = []*graph.Node{
		g.NewTranspose(graph.KindLogicalTranspose, "", x, w, p),
		g.NewTranspose(graph.KindLogicalTranspose, "", w, q, p),
	}
	seq, _ = EliminateRedundant(nodes)
	assert.Equal(t, nodes, seq)
}
