// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// newEngine returns an engine for a new graph of the given device, with the default kernels.
func newEngine(device graph.DeviceKind, options ...Option) (*graph.Graph, *Engine) {
	g := graph.New("test", device, nil)
	return g, New(g, registry.NewDefaultKernelDB(g.Capabilities()), options...)
}

func kinds(nodes []*graph.Node) []graph.Kind {
	list := make([]graph.Kind, len(nodes))
	for i, n := range nodes {
		list[i] = n.Kind()
	}
	return list
}

func tensors(ts ...*graph.Tensor) []*graph.Tensor { return ts }

func TestBroadcastHighRank(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 2, 3, 4))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 5, 6, 7, 2, 3, 4))
	require.NoError(t, e.AddNode(g.NewNode(graph.KindBroadcast, "bcast", tensors(x), tensors(y), nil), true))

	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindReshape, graph.KindTPC}, kinds(seq))
	reshape, kernel := seq[0], seq[1]
	assert.Same(t, x, reshape.Input(0))
	assert.Equal(t, []int{1, 1, 1, 2, 3, 4}, reshape.Output(0).Shape().Dimensions)
	assert.Equal(t, "broadcast_nd_fwd_f32", kernel.GUID())
	assert.Equal(t, "bcast", kernel.Name())
	assert.Same(t, reshape.Output(0), kernel.Input(0))
	assert.Same(t, y, kernel.Output(0))
	assert.Equal(t, graph.EngineVector, kernel.Engine())
}

func TestBroadcastLowRank(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	x := g.NewTensor("x", shapes.Make(dtypes.BFloat16, 3))
	y := g.NewTensor("y", shapes.Make(dtypes.BFloat16, 2, 3))
	require.NoError(t, e.AddNode(g.NewNode(graph.KindBroadcast, "bcast", tensors(x), tensors(y), nil), true))

	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindReshape, graph.KindTPC, graph.KindReshape}, kinds(seq))
	assert.Equal(t, []int{1, 1, 1, 1, 1, 3}, seq[0].Output(0).Shape().Dimensions)
	assert.Equal(t, []int{1, 1, 1, 1, 2, 3}, seq[1].Output(0).Shape().Dimensions)
	assert.Equal(t, "broadcast_nd_fwd_bf16", seq[1].GUID())
	assert.Same(t, seq[1].Output(0), seq[2].Input(0))
	assert.Same(t, y, seq[2].Output(0))
}

func TestBroadcastUnsupportedType(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	x := g.NewTensor("x", shapes.Make(dtypes.HBFloat32, 3))
	y := g.NewTensor("y", shapes.Make(dtypes.HBFloat32, 2, 3))
	err := e.AddNode(g.NewNode(graph.KindBroadcast, "bcast", tensors(x), tensors(y), nil), true)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
	assert.Empty(t, e.Sequence())
}

func TestMMEInputsTrimmed(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	a := g.NewTensor("a", shapes.Make(dtypes.BFloat16, 4, 8))
	b := g.NewTensor("b", shapes.Make(dtypes.BFloat16, 8, 16))
	out := g.NewTensor("out", shapes.Make(dtypes.BFloat16, 4, 16))
	gemm := g.NewNode(graph.KindGEMM, "gemm", tensors(a, b, nil, nil), tensors(out), graph.GEMMParams{})
	require.NoError(t, e.AddNode(gemm, true))
	require.Equal(t, []*graph.Node{gemm}, e.Sequence())
	assert.Equal(t, 2, gemm.NumInputs())
	assert.Equal(t, graph.StrategyTurnedOn, gemm.Annotations.BatchConcurrency)

	extra := g.NewTensor("extra", shapes.Make(dtypes.BFloat16, 16))
	bad := g.NewNode(graph.KindGEMM, "bad", tensors(a, b, nil, extra), tensors(g.CloneTensor(out, "")), graph.GEMMParams{})
	err := e.AddNode(bad, true)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
	assert.Len(t, e.Sequence(), 1)
}

func TestVectorOperandsCeiling(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	shape := shapes.Make(dtypes.Float32, 8)
	var inputs []*graph.Tensor
	for range 15 {
		inputs = append(inputs, g.NewTensor("", shape))
	}
	err := e.AddNode(g.NewTPCNode("mult_fwd_f32", "wide", inputs, tensors(g.NewTensor("", shape)), nil), true)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))

	// 15 operands, but the kernel appends an auxiliary table.
	err = e.AddNode(g.NewTPCNode("exp_fwd_f32", "exp", inputs[:14], tensors(g.NewTensor("", shape)), nil), true)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
	assert.Empty(t, e.Sequence())

	// With fewer inputs the table fits.
	exp := g.NewTPCNode("exp_fwd_f32", "exp_ok", inputs[:1], tensors(g.NewTensor("", shape)), nil)
	require.NoError(t, e.AddNode(exp, true))
	require.Equal(t, 2, exp.NumInputs())
	assert.True(t, exp.Input(1).Auxiliary)
}

func TestLogicalPairFinalize(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 2, 3))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 6))
	z := g.NewTensor("z", shapes.Make(dtypes.Float32, 3, 2))
	require.NoError(t, e.AddNode(g.NewReshape("r1", x, y), true))
	require.NoError(t, e.AddNode(g.NewReshape("r2", y, z), true))
	for _, n := range e.Sequence() {
		assert.Equal(t, graph.NodeNew, n.State(), "logical nodes are deferred until Finalize")
	}

	require.NoError(t, e.Finalize())
	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindReshape, graph.KindReshape}, kinds(seq))
	for _, n := range seq {
		assert.Equal(t, graph.NodeAccepted, n.State())
	}
	assert.Same(t, x, z.RealTensor())
	assert.Same(t, x, y.RealTensor())

	// Only internal nodes can be added after Finalize.
	err := e.AddNode(g.NewMemset("late", g.NewTensor("", shapes.Make(dtypes.Float32, 2))), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))
	assert.False(t, IsUnsupported(err))
	require.NoError(t, e.Finalize())
}

func TestZeroSizedElision(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 0, 4))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 4))
	require.NoError(t, e.AddNode(g.NewTPCNode("reduce_sum_fwd_f32", "sum", tensors(x), tensors(y), nil), true))
	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindTPCMemset}, kinds(seq))
	assert.Same(t, y, seq[0].Output(0))
	assert.Equal(t, 2, e.Stats().Rewritten)
}

func TestMemcpyPhysicalization(t *testing.T) {
	testCases := []struct {
		name         string
		device       graph.DeviceKind
		input        shapes.Shape
		outputDType  dtypes.DType
		want         []graph.Kind
		wantKernelAt int
		wantGUID     string
	}{
		{"vector", graph.DeviceGen2, shapes.Make(dtypes.Float32, 4, 4), dtypes.Float32,
			[]graph.Kind{graph.KindTPCMemcpy}, -1, ""},
		{"nd", graph.DeviceGen2, shapes.Make(dtypes.Float32, 2, 2, 2, 2, 2, 2), dtypes.Float32,
			[]graph.Kind{graph.KindTPC}, 0, "memcpy_nd_f32"},
		{"dma", graph.DeviceGen2, shapes.Make(dtypes.Int64, 4), dtypes.Int64,
			[]graph.Kind{graph.KindDMAMemcpy}, -1, ""},
		{"wide integers without dma", graph.DeviceGen3, shapes.Make(dtypes.Int64, 4), dtypes.Int64,
			[]graph.Kind{graph.KindReinterpret, graph.KindTPC, graph.KindReinterpret}, 1, "memcpy_nd_u32"},
		{"cast", graph.DeviceGen2, shapes.Make(dtypes.Float32, 4), dtypes.BFloat16,
			[]graph.Kind{graph.KindTPC}, 0, "cast_f32_to_bf16"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g, e := newEngine(tc.device)
			x := g.NewTensor("x", tc.input)
			y := g.NewTensor("y", tc.input.WithDType(tc.outputDType))
			require.NoError(t, e.AddNode(g.NewMemcpy("copy", x, y), true))
			seq := e.Sequence()
			require.Equal(t, tc.want, kinds(seq))
			if tc.wantKernelAt >= 0 {
				assert.Equal(t, tc.wantGUID, seq[tc.wantKernelAt].GUID())
			}
			assert.Same(t, x, seq[0].Input(0))
			assert.Same(t, y, seq[len(seq)-1].Output(0))
		})
	}
}

func TestMemsetPhysicalization(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	require.NoError(t, e.AddNode(g.NewMemset("zeros", g.NewTensor("", shapes.Make(dtypes.Float32, 8))), true))
	require.NoError(t, e.AddNode(g.NewMemset("zeros64", g.NewTensor("", shapes.Make(dtypes.Int64, 8))), true))
	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindTPCMemset, graph.KindDMAMemset}, kinds(seq))
	assert.Equal(t, "zeros", seq[0].Name())

	// No data-movement engine to clear 64 bits integers.
	g, e = newEngine(graph.DeviceGen3)
	err := e.AddNode(g.NewMemset("zeros64", g.NewTensor("", shapes.Make(dtypes.Int64, 8))), true)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
}

func TestInPlaceReuse(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	shape := shapes.Make(dtypes.Float32, 16)
	x, y := g.NewTensor("x", shape), g.NewTensor("y", shape)
	relu := g.NewTPCNode("relu_fwd_f32", "relu", tensors(x), tensors(y), nil)
	require.NoError(t, e.AddNode(relu, true))
	assert.Same(t, x, y.AliasOf())
	assert.True(t, x.RealInLogical)

	// User-managed inputs are copied first.
	u, v := g.NewTensor("u", shape), g.NewTensor("v", shape)
	u.UserManaged = true
	relu2 := g.NewTPCNode("relu_fwd_f32", "relu2", tensors(u), tensors(v), nil)
	require.NoError(t, e.AddNode(relu2, true))
	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindTPC, graph.KindTPCMemcpy, graph.KindTPC}, kinds(seq))
	assert.Same(t, u, seq[1].Input(0))
	private := relu2.Input(0)
	assert.Equal(t, "u_reused", private.Name())
	assert.Same(t, private, v.AliasOf())
	assert.False(t, u.RealInLogical)
}

func TestLinear(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	x := g.NewTensor("x", shapes.Make(dtypes.BFloat16, 4, 8))
	w := g.NewTensor("w", shapes.Make(dtypes.BFloat16, 8, 16))
	y := g.NewTensor("y", shapes.Make(dtypes.BFloat16, 4, 16))
	linear := g.NewNode(graph.KindLinear, "dense", tensors(x, w), tensors(y), graph.LinearParams{Activation: "relu"})
	require.NoError(t, e.AddNode(linear, true))
	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindGEMM, graph.KindTPC}, kinds(seq))
	assert.Equal(t, "dense_gemm", seq[0].Name())
	assert.Equal(t, "y_pre_activation", seq[0].Output(0).Name())
	assert.Equal(t, "relu_fwd_bf16", seq[1].GUID())
	assert.Equal(t, "dense", seq[1].Annotations.Origin)
	assert.Same(t, y, seq[1].Output(0))
	assert.Equal(t, graph.NodeRemoved, linear.State())
}

// conv creates a convolution with channels-last activations and the given actual layout for x.
func conv(g *graph.Graph, name, xLayout string, x, w, y *graph.Tensor, groups int) *graph.Node {
	n := g.NewNode(graph.KindConvolution, name, tensors(x, w), tensors(y), graph.ConvParams{Groups: groups})
	n.InputLayouts = []perm.Layout{perm.MustParseLayout(xLayout), perm.MustParseLayout("RSCK")}
	n.OutputLayouts = []perm.Layout{perm.MustParseLayout("NHWC")}
	return n
}

func TestConvolutionWithoutLayouts(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	x := g.NewTensor("x", shapes.Make(dtypes.BFloat16, 1, 8, 8, 4))
	w := g.NewTensor("w", shapes.Make(dtypes.BFloat16, 3, 3, 4, 8))
	y := g.NewTensor("y", shapes.Make(dtypes.BFloat16, 1, 6, 6, 8))
	n := g.NewNode(graph.KindConvolution, "conv", tensors(x, w), tensors(y), graph.ConvParams{Groups: 1})
	err := e.AddNode(n, true)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
	assert.True(t, errors.Is(err, ErrLayout))
}

func TestCommonDimConcurrency(t *testing.T) {
	g, e := newEngine(graph.DeviceGen3)
	x := g.NewTensor("x", shapes.Make(dtypes.BFloat16, 1, 8, 8, 256))
	w := g.NewTensor("w", shapes.Make(dtypes.BFloat16, 3, 3, 256, 16))
	y := g.NewTensor("y", shapes.Make(dtypes.BFloat16, 1, 6, 6, 16))
	n := conv(g, "conv", "NHWC", x, w, y, 1)
	require.NoError(t, e.AddNode(n, true))

	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindTPCMemset, graph.KindConvolution, graph.KindReduction, graph.KindTPC},
		kinds(seq))
	assert.Same(t, n, seq[1])
	assert.Equal(t, graph.StrategyTurnedOn, n.Annotations.CommonDimConcurrency)
	assert.Equal(t, graph.StrategyTurnedOff, n.Annotations.BatchConcurrency)
	partial := n.Output(0)
	assert.Equal(t, "y_Fp32", partial.Name())
	assert.Equal(t, dtypes.Float32, partial.Shape().DType)
	assert.True(t, partial.Reduction.Enabled)
	assert.Equal(t, "y_Fp32_zeros", seq[0].Output(0).Name())
	assert.Equal(t, "y_Fp32_after_reduction", seq[2].Output(0).Name())
	assert.Equal(t, "cast_f32_to_bf16", seq[3].GUID())
	assert.Equal(t, "y_cast", seq[3].Name())
	assert.Same(t, y, seq[3].Output(0))
	require.NoError(t, e.Finalize())

	// Disabled: the node is accepted as is.
	g, e = newEngine(graph.DeviceGen3, WithConfig(must.M1(ParseConfig("!mme_concurrency"))))
	x = g.NewTensor("x", shapes.Make(dtypes.BFloat16, 1, 8, 8, 256))
	w = g.NewTensor("w", shapes.Make(dtypes.BFloat16, 3, 3, 256, 16))
	y = g.NewTensor("y", shapes.Make(dtypes.BFloat16, 1, 6, 6, 16))
	n = conv(g, "conv", "NHWC", x, w, y, 1)
	require.NoError(t, e.AddNode(n, true))
	require.Equal(t, []*graph.Node{n}, e.Sequence())
	assert.Same(t, y, n.Output(0))
	assert.Equal(t, graph.StrategyUndefined, n.Annotations.CommonDimConcurrency)
}

func TestRollback(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	shape := shapes.Make(dtypes.Float32, 16)
	require.NoError(t, e.AddNode(g.NewTPCNode("relu_fwd_f32", "relu", tensors(g.NewTensor("", shape)),
		tensors(g.NewTensor("", shape)), nil), true))
	require.Len(t, e.Sequence(), 1)

	// The input is transposed to channels-last before the grouped convolution fails: 6 channels can't be
	// split into 4 groups.
	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 1, 6, 8, 8))
	w := g.NewTensor("w", shapes.Make(dtypes.Float32, 3, 3, 6, 8))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 1, 6, 6, 8))
	n := conv(g, "conv", "NCHW", x, w, y, 4)
	err := e.AddNode(n, true)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
	assert.True(t, errors.Is(err, ErrDecomposition))
	require.Len(t, e.Sequence(), 1)
	assert.Equal(t, "relu", e.Sequence()[0].Name())
	assert.Equal(t, 1, e.Stats().UserNodes)

	// The failed node is given back unchanged, and the transpose created for it is gone.
	assert.Same(t, x, n.Input(0))
	assert.Same(t, y, n.Output(0))
	assert.Equal(t, "NCHW", n.InputLayout(0).String())
	assert.Equal(t, "NHWC", n.OutputLayout(0).String())
	assert.False(t, n.Annotations.LayoutWrapped)
	assert.Equal(t, graph.NodeNew, n.State())
	assert.Equal(t, []*graph.Node{n}, g.Consumers(x))

	// Permutations of user tensors are reverted too.
	x2 := g.NewTensor("x2", shapes.Make(dtypes.Float32, 1, 6, 8, 8))
	x2.AllowPermutation = true
	n2 := conv(g, "conv2", "NCHW", x2, w, g.NewTensor("y2", y.Shape()), 4)
	require.Error(t, e.AddNode(n2, true))
	assert.False(t, x2.IsPermuted())
	assert.Same(t, x2, n2.Input(0))
	require.Len(t, e.Sequence(), 1)
}

func TestLayoutAdaptation(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 1, 4, 8, 8))
	w := g.NewTensor("w", shapes.Make(dtypes.Float32, 3, 3, 4, 8))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 1, 6, 6, 8))
	n := conv(g, "conv", "NCHW", x, w, y, 1)
	require.NoError(t, e.AddNode(n, true))
	seq := e.Sequence()
	require.Len(t, seq, 2)
	assert.True(t, seq[0].Kind().IsPhysicalTranspose())
	assert.Same(t, x, seq[0].Input(0))
	assert.Equal(t, []int{1, 8, 8, 4}, seq[0].Output(0).Shape().Dimensions)
	assert.Same(t, n, seq[1])
	assert.Same(t, seq[0].Output(0), n.Input(0))
	assert.False(t, n.HasActualLayouts())
}

func TestComplexGUID(t *testing.T) {
	lib := registry.NewExpanderLibrary().Register("softmax_fwd", registry.ExpandSoftmax)
	g, e := newEngine(graph.DeviceGen2, WithComplexGUIDLibrary(lib))
	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 4, 10))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 4, 10))
	require.NoError(t, e.AddNode(g.NewTPCNode("softmax_fwd_f32", "softmax", tensors(x), tensors(y), nil), true))
	seq := e.Sequence()
	require.Equal(t, []graph.Kind{graph.KindTPC, graph.KindTPCMemset, graph.KindTPC, graph.KindReduction, graph.KindTPC},
		kinds(seq))
	assert.Equal(t, "exp_fwd_f32", seq[0].GUID())
	assert.Equal(t, "reduce_sum_fwd_f32", seq[2].GUID())
	assert.Equal(t, "div_fwd_f32", seq[4].GUID())
	assert.Same(t, y, seq[4].Output(0))
	require.NoError(t, e.Finalize())

	// Without the library the kernel doesn't exist.
	g, e = newEngine(graph.DeviceGen2)
	x = g.NewTensor("x", shapes.Make(dtypes.Float32, 4, 10))
	y = g.NewTensor("y", shapes.Make(dtypes.Float32, 4, 10))
	err := e.AddNode(g.NewTPCNode("softmax_fwd_f32", "softmax", tensors(x), tensors(y), nil), true)
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
}

func TestConstantFolding(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	c := g.NewTensor("c", shapes.Make(dtypes.BFloat16, 4))
	fill := g.NewTPCNode("constant_bf16", "fill", nil, tensors(c), graph.ConstantParams{Value: 0.5})
	require.NoError(t, e.AddNode(fill, true))
	assert.Empty(t, e.Sequence())
	assert.Equal(t, graph.NodeRemoved, fill.State())
	require.True(t, c.IsConstant())
	assert.Equal(t, 0.5, must.M1(dtypes.DecodeValue(dtypes.BFloat16, c.Data(), 3)))

	// Cast of a one element constant.
	s := g.NewTensor("s", shapes.Make(dtypes.Float32, 1))
	s.SetConstant(must.M1(dtypes.EncodeValues(dtypes.Float32, []float64{2.5})))
	q := g.NewTensor("q", shapes.Make(dtypes.Int8, 1))
	require.NoError(t, e.AddNode(g.NewTPCNode(graph.CastGUID(dtypes.Float32, dtypes.Int8), "cast", tensors(s), tensors(q),
		graph.CastParams{RoundMode: graph.RoundHalfAwayFromZero}), true))
	assert.Empty(t, e.Sequence())
	assert.Equal(t, 3.0, must.M1(dtypes.DecodeValue(dtypes.Int8, q.Data(), 0)))

	// Consumers of the folded tensors read them as static inputs.
	r := g.NewTensor("r", shapes.Make(dtypes.BFloat16, 4))
	require.NoError(t, e.AddNode(g.NewTPCNode("gelu_fwd_bf16", "gelu", tensors(c), tensors(r), nil), true))
	require.Len(t, e.Sequence(), 1)
	assert.Same(t, c, e.Sequence()[0].Input(0))
	assert.Nil(t, g.Producer(c))

	// Persistent outputs are computed on the device.
	p := g.NewTensor("p", shapes.Make(dtypes.Float32, 4))
	p.UserManaged = true
	require.NoError(t, e.AddNode(g.NewTPCNode("constant_f32", "persistent", nil, tensors(p),
		graph.ConstantParams{Value: 1}), true))
	require.Len(t, e.Sequence(), 2)
	assert.Equal(t, "constant_f32", e.Sequence()[1].GUID())
	assert.False(t, p.IsConstant())

	// Disabled by the configuration.
	g, e = newEngine(graph.DeviceGen2, WithConfig(must.M1(ParseConfig("!constant_folding"))))
	c = g.NewTensor("c", shapes.Make(dtypes.Float32, 4))
	require.NoError(t, e.AddNode(g.NewTPCNode("constant_f32", "fill", nil, tensors(c), graph.ConstantParams{Value: 1}), true))
	require.Len(t, e.Sequence(), 1)
	assert.False(t, c.IsConstant())
}

func TestAddNodeErrors(t *testing.T) {
	g, e := newEngine(graph.DeviceGen2)
	assert.True(t, errors.Is(e.AddNode(nil, true), ErrInternal))

	other := graph.New("other", graph.DeviceGen2, nil)
	n := other.NewMemset("zeros", other.NewTensor("", shapes.Make(dtypes.Float32, 2)))
	assert.True(t, errors.Is(e.AddNode(n, true), ErrInternal))

	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 4))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 4))
	blacklisted := g.NewNode(graph.KindMoments, "moments", tensors(x), tensors(y), nil)
	err := e.AddNode(blacklisted, true)
	assert.True(t, IsUnsupported(err))

	onChip := g.NewTensor("on_chip", shapes.Make(dtypes.Float32, 4))
	onChip.Residency = graph.ResidencyOnChip
	assert.True(t, IsUnsupported(e.AddNode(g.NewMemcpy("copy", x, onChip), true)))
	assert.Empty(t, e.Sequence())
}

// guidExtractor decomposes the vector-compute nodes with the given kernel base name.
type guidExtractor struct {
	base string
	fn   func(n *graph.Node) ([]*graph.Node, error)
}

func (x guidExtractor) CanHandle(n *graph.Node) bool { return graph.GUIDBase(n.GUID()) == x.base }

func (x guidExtractor) Extract(n *graph.Node) ([]*graph.Node, error) { return x.fn(n) }

func TestCustomExtractor(t *testing.T) {
	asRelu := guidExtractor{base: "leaky_relu_fwd", fn: func(n *graph.Node) ([]*graph.Node, error) {
		relu := n.Graph().NewTPCNode("relu_fwd_f32", n.Name(), n.Inputs(), n.Outputs(), nil)
		return []*graph.Node{relu}, nil
	}}
	g, e := newEngine(graph.DeviceGen2, WithExtractor(graph.KindTPC, asRelu))
	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 16))
	y := g.NewTensor("y", shapes.Make(dtypes.Float32, 16))
	require.NoError(t, e.AddNode(g.NewTPCNode("leaky_relu_fwd_f32", "leaky", tensors(x), tensors(y), nil), true))
	seq := e.Sequence()
	require.Len(t, seq, 1)
	assert.Equal(t, "relu_fwd_f32", seq[0].GUID())
	assert.Equal(t, 1, e.Stats().Rewritten)

	// Panics in a decomposer are internal errors, not crashes.
	broken := guidExtractor{base: "leaky_relu_fwd", fn: func(n *graph.Node) ([]*graph.Node, error) {
		exceptions.Panicf("decomposer of %q is broken", n.Name())
		return nil, nil
	}}
	g, e = newEngine(graph.DeviceGen2, WithExtractor(graph.KindTPC, broken))
	x = g.NewTensor("x", shapes.Make(dtypes.Float32, 16))
	y = g.NewTensor("y", shapes.Make(dtypes.Float32, 16))
	err := e.AddNode(g.NewTPCNode("leaky_relu_fwd_f32", "leaky", tensors(x), tensors(y), nil), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))
	assert.False(t, IsUnsupported(err))
	assert.Contains(t, err.Error(), "is broken")
}
