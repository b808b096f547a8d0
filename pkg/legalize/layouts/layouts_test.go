// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layouts

import (
	"testing"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func layouts(descriptions ...string) []perm.Layout {
	return must.M1(perm.ParseLayouts(descriptions...))
}

func newConv(g *graph.Graph) *graph.Node {
	x := g.NewTensor("x", shapes.Make(dtypes.BFloat16, 2, 3, 8, 8))
	w := g.NewTensor("w", shapes.Make(dtypes.BFloat16, 4, 3, 1, 1))
	y := g.NewTensor("y", shapes.Make(dtypes.BFloat16, 2, 4, 8, 8))
	conv := g.NewNode(graph.KindConvolution, "conv", []*graph.Tensor{x, w}, []*graph.Tensor{y}, graph.ConvParams{Groups: 1})
	conv.InputLayouts = layouts("NCHW", "KCRS")
	conv.OutputLayouts = layouts("NCHW")
	return conv
}

func TestResolveConvolution(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	conv := newConv(g)
	r := NewResolver(nil)

	req, err := r.Resolve(conv)
	require.NoError(t, err)
	assert.Equal(t, "NHWC", req.Input(0).Axes())
	assert.Equal(t, "RSCK", req.Input(1).Axes())
	assert.True(t, req.Input(2).IsDontCare())
	assert.Equal(t, "NHWC", req.Output(0).Axes())

	requests, err := r.PermutationRequests(conv)
	require.NoError(t, err)
	assert.Equal(t, perm.Permutation{0, 2, 3, 1}, requests.Inputs[0])
	assert.Equal(t, perm.Permutation{2, 3, 1, 0}, requests.Inputs[1])
	assert.Equal(t, perm.Permutation{0, 3, 1, 2}, requests.Outputs[0])

	// Missing actual layouts on rank-4 operands fail validation.
	conv.InputLayouts = nil
	require.Error(t, r.Validate(conv))
	_, err = r.PermutationRequests(conv)
	require.Error(t, err)
}

func TestDontCareLayoutsHaveNoRequests(t *testing.T) {
	db := registry.NewKernelDB().MustRegister(
		registry.KernelSpec{GUID: "relu_fwd", DTypes: []string{"f32"}, InputLayouts: []string{"****"}, OutputLayouts: []string{"AAAA"}},
		registry.KernelSpec{GUID: "norm_fwd", DTypes: []string{"f32"}, InputLayouts: []string{"#ABCD"}, OutputLayouts: []string{"ABCD"}},
	)
	r := NewResolver(db)
	g := graph.New("test", graph.DeviceGen2, nil)
	shape := shapes.Make(dtypes.Float32, 2, 3, 4, 5)
	for _, actual := range []string{"", "DCBA", "ABCD", "BADC"} {
		n := g.NewTPCNode("relu_fwd_f32", "", []*graph.Tensor{g.NewTensor("", shape)}, []*graph.Tensor{g.NewTensor("", shape)}, nil)
		n.InputLayouts = layouts(actual)
		n.OutputLayouts = layouts(actual)
		requests, err := r.PermutationRequests(n)
		require.NoError(t, err)
		assert.True(t, requests.IsEmpty(), "actual layout %q", actual)
	}

	// Restricted input: no request, but the output still needs one.
	n := g.NewTPCNode("norm_fwd_f32", "", []*graph.Tensor{g.NewTensor("", shape)}, []*graph.Tensor{g.NewTensor("", shape)}, nil)
	n.InputLayouts = layouts("BADC")
	n.OutputLayouts = layouts("BADC")
	requests, err := r.PermutationRequests(n)
	require.NoError(t, err)
	assert.Nil(t, requests.Inputs[0])
	assert.Equal(t, perm.Permutation{1, 0, 3, 2}, requests.Outputs[0])
}

func TestMaterializeConvolution(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	conv := newConv(g)
	x, y := conv.Input(0), conv.Output(0)
	requests := must.M1(NewResolver(nil).PermutationRequests(conv))
	result, err := NewMaterializer(g).Materialize(conv, requests)
	require.NoError(t, err)

	assert.Equal(t, conv, result.Node)
	assert.False(t, result.Recreated)
	require.Len(t, result.Before, 2)
	require.Len(t, result.After, 1)
	assert.True(t, conv.Annotations.LayoutWrapped)
	assert.False(t, conv.HasActualLayouts())

	assert.Equal(t, graph.KindTranspose, result.Before[0].Kind())
	assert.Equal(t, x, result.Before[0].Input(0))
	assert.Equal(t, []int{2, 8, 8, 3}, conv.Input(0).Shape().Dimensions)
	assert.Equal(t, []int{1, 1, 3, 4}, conv.Input(1).Shape().Dimensions)

	// Output: the node writes the pre-image in NHWC, transposed into the NCHW user tensor.
	assert.Equal(t, []int{2, 8, 8, 4}, conv.Output(0).Shape().Dimensions)
	assert.Equal(t, conv.Output(0), result.After[0].Input(0))
	assert.Equal(t, y, result.After[0].Output(0))
}

func TestMaterializePermutesUserTensors(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	conv := newConv(g)
	x, y := conv.Input(0), conv.Output(0)
	x.AllowPermutation = true
	y.AllowPermutation = true
	m := NewMaterializer(g)
	m.PermuteUserTensors = true
	result, err := m.Materialize(conv, must.M1(NewResolver(nil).PermutationRequests(conv)))
	require.NoError(t, err)

	assert.Equal(t, graph.KindLogicalTranspose, result.Before[0].Kind())
	assert.True(t, result.Before[0].IsUserPermutationTranspose())
	assert.Equal(t, perm.Permutation{0, 2, 3, 1}, x.Permutation())
	assert.Equal(t, graph.KindTranspose, result.Before[1].Kind(), "weights don't allow permutations")

	after := result.After[0]
	assert.Equal(t, graph.KindLogicalTranspose, after.Kind())
	assert.Equal(t, graph.AliasBackward, after.AliasDirection())
	assert.Equal(t, perm.Permutation{0, 2, 3, 1}, y.Permutation())

	// The views of permuted user tensors are dense.
	result.Before[0].RunLogicalOp()
	assert.True(t, conv.Input(0).IsDense())
	assert.Equal(t, x, conv.Input(0).RealTensor())
}

func TestMaterializeAxisKeyed(t *testing.T) {
	db := registry.NewKernelDB().MustRegister(registry.KernelSpec{
		GUID: "concat", InputLayouts: []string{"ABC", "ABC"}, OutputLayouts: []string{"ABC"}})
	g := graph.New("test", graph.DeviceGen2, nil)
	a := g.NewTensor("a", shapes.Make(dtypes.Float32, 2, 3, 4))
	b := g.NewTensor("b", shapes.Make(dtypes.Float32, 2, 5, 4))
	out := g.NewTensor("out", shapes.Make(dtypes.Float32, 2, 8, 4))
	concat := g.NewNode(graph.KindConcat, "concat", []*graph.Tensor{a, b}, []*graph.Tensor{out}, graph.AxisParams{Axis: 1})
	concat.InputLayouts = layouts("ACB", "ACB")
	concat.OutputLayouts = layouts("ACB")

	requests, err := NewResolver(db).PermutationRequests(concat)
	require.NoError(t, err)
	result, err := NewMaterializer(g).Materialize(concat, requests)
	require.NoError(t, err)
	require.True(t, result.Recreated)
	assert.Equal(t, graph.NodeRemoved, concat.State())
	assert.Equal(t, graph.AxisParams{Axis: 2}, result.Node.Params())
	assert.Equal(t, []int{2, 4, 3}, result.Node.Input(0).Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 8}, result.Node.Output(0).Shape().Dimensions)
}

func TestMaterializeReuse(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	conv1 := newConv(g)
	x := conv1.Input(0)
	m := NewMaterializer(g)
	m.ReuseAdaptations = true
	r1 := must.M1(m.Materialize(conv1, must.M1(NewResolver(nil).PermutationRequests(conv1))))

	y2 := g.NewTensor("y2", shapes.Make(dtypes.BFloat16, 2, 8, 8, 4))
	conv2 := g.NewNode(graph.KindConvolution, "conv2", []*graph.Tensor{x, conv1.Input(1)}, []*graph.Tensor{y2}, nil)
	conv2.InputLayouts = layouts("NCHW", "RSCK")
	conv2.OutputLayouts = layouts("NHWC")
	r2 := must.M1(m.Materialize(conv2, must.M1(NewResolver(nil).PermutationRequests(conv2))))
	assert.Empty(t, r2.Before)
	assert.Equal(t, r1.Before[0].Output(0), conv2.Input(0))
}

func TestPermutedTensorSequences(t *testing.T) {
	g := graph.New("test", graph.DeviceGen2, nil)
	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 2, 3, 4))
	x.AllowPermutation = true
	x.SetPermutation(perm.Must(2, 0, 1))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 2, 3, 4))
	y.AllowPermutation = true
	y.SetPermutation(perm.Must(1, 2, 0))
	n := g.NewTPCNode("relu_fwd_f32", "relu", []*graph.Tensor{x}, []*graph.Tensor{y}, nil)

	before, after := PermutedTensorSequences(n)
	require.Len(t, before, 2)
	require.Len(t, after, 2)
	assert.Equal(t, graph.KindLogicalTranspose, before[0].Kind())
	assert.Equal(t, []int{4, 2, 3}, before[0].Output(0).Shape().Dimensions)
	assert.Equal(t, perm.Permutation{1, 2, 0}, before[1].Params().(graph.TransposeParams).Permutation)
	assert.Equal(t, []int{2, 3, 4}, n.Input(0).Shape().Dimensions)
	assert.False(t, n.HasPermutedOperand())

	assert.Equal(t, n.Output(0), after[0].Input(0))
	assert.Equal(t, []int{3, 4, 2}, after[0].Output(0).Shape().Dimensions)
	assert.Equal(t, graph.AliasBackward, after[1].AliasDirection())
	assert.Equal(t, y, after[1].Output(0))
}

func TestTransposeKind(t *testing.T) {
	g2 := graph.New("gen2", graph.DeviceGen2, nil)
	g3 := graph.New("gen3", graph.DeviceGen3, nil)
	bf16 := g2.NewTensor("", shapes.Make(dtypes.BFloat16, 2, 3))
	f32 := g2.NewTensor("", shapes.Make(dtypes.Float32, 2, 3))
	unit := g2.NewTensor("", shapes.Make(dtypes.Float32, 1, 3))
	swap := perm.Must(1, 0)

	assert.Equal(t, graph.KindIdentity, TransposeKind(g2.Capabilities(), f32, perm.Identity(2)))
	assert.Equal(t, graph.KindReshape, TransposeKind(g2.Capabilities(), unit, swap))
	assert.Equal(t, graph.KindDMATranspose, TransposeKind(g2.Capabilities(), bf16, swap))
	assert.Equal(t, graph.KindTPCTranspose, TransposeKind(g2.Capabilities(), f32, swap))
	assert.Equal(t, graph.KindMMETranspose, TransposeKind(g3.Capabilities(), f32, swap))

	out := g2.NewTensor("", shapes.Make(dtypes.BFloat16, 3, 2))
	composite := g2.NewTranspose(graph.KindTranspose, "t", bf16, out, swap)
	primitive := ExpandTranspose(composite)
	assert.Equal(t, graph.KindDMATranspose, primitive.Kind())
	assert.Equal(t, swap, TransposeOf(primitive))
	assert.Nil(t, TransposeOf(g2.NewIdentity("", f32, g2.NewTensor("", f32.Shape()))))
}
