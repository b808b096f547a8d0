// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package constfold

import (
	"math"
	"testing"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newGraph() *graph.Graph {
	return graph.New("constfold", graph.DeviceGen2, nil)
}

// scalar returns a one element static constant tensor.
func scalar(g *graph.Graph, dtype dtypes.DType, value float64) *graph.Tensor {
	x := g.NewTensor("", shapes.Make(dtype, 1))
	x.SetConstant(must.M1(dtypes.EncodeValues(dtype, []float64{value})))
	return x
}

// value returns element i of a constant tensor.
func value(t *testing.T, x *graph.Tensor, i int) float64 {
	require.True(t, x.IsConstant(), "tensor %s is not constant", x)
	return must.M1(dtypes.DecodeValue(x.Shape().DType, x.Data(), i))
}

func TestFoldConstant(t *testing.T) {
	g := newGraph()
	folder := New(g.Capabilities())
	assert.Equal(t, int64(512), folder.MaxConstantBytes)

	for _, tc := range []struct {
		dtype      dtypes.DType
		fill, want float64
	}{
		{dtypes.Int8, 2.5, 3},
		{dtypes.Int8, -2.5, -3},
		{dtypes.Int8, 300, 127},
		{dtypes.Uint8, -4, 0},
		{dtypes.Int16, 1.4, 1},
		{dtypes.Int32, -7.9, -7},
		{dtypes.Uint32, 5e9, math.MaxUint32},
		{dtypes.Float32, 0.25, 0.25},
		{dtypes.BFloat16, 1 + 1.0/256, 1},
		{dtypes.Float16, 65504, 65504},
	} {
		out := g.NewTensor("out", shapes.Make(tc.dtype, 2, 3))
		n := g.NewTPCNode(graph.GUIDWithDType(graph.GUIDConstant, tc.dtype), "", nil, []*graph.Tensor{out},
			graph.ConstantParams{Value: tc.fill})
		require.True(t, must.M1(folder.Fold(n)), "%s filled with %g", tc.dtype, tc.fill)
		assert.Equal(t, graph.ResidencyStatic, out.Residency)
		assert.Len(t, out.Data(), 6*tc.dtype.Size())
		for i := range 6 {
			assert.Equal(t, tc.want, value(t, out, i), "%s filled with %g, element %d", tc.dtype, tc.fill, i)
		}
	}

	// Outputs that can't become constants.
	big := g.NewTensor("big", shapes.Make(dtypes.Float32, 200))
	persistent := g.NewTensor("persistent", shapes.Make(dtypes.Float32, 4))
	persistent.UserManaged = true
	fp8 := g.NewTensor("fp8", shapes.Make(dtypes.Float8E4M3, 4))
	viewed := g.NewTensor("viewed", shapes.Make(dtypes.Float32, 4))
	viewed.SetAlias(g.NewTensor("base", shapes.Make(dtypes.Float32, 8)), nil)
	for _, out := range []*graph.Tensor{big, persistent, fp8, viewed} {
		n := g.NewTPCNode(graph.GUIDWithDType(graph.GUIDConstant, out.Shape().DType), "", nil,
			[]*graph.Tensor{out}, graph.ConstantParams{Value: 1})
		assert.False(t, must.M1(folder.Fold(n)), "output %s", out)
		assert.False(t, out.IsConstant())
	}

	// Without a value, or disabled.
	out := g.NewTensor("out", shapes.Make(dtypes.Float32, 4))
	n := g.NewTPCNode(graph.GUIDWithDType(graph.GUIDConstant, dtypes.Float32), "", nil, []*graph.Tensor{out}, nil)
	assert.False(t, must.M1(folder.Fold(n)))
	n = g.NewTPCNode(graph.GUIDWithDType(graph.GUIDConstant, dtypes.Float32), "", nil, []*graph.Tensor{out},
		&graph.ConstantParams{Value: 3})
	folder.Constants = false
	assert.False(t, must.M1(folder.Fold(n)))
	folder.Constants = true
	assert.True(t, must.M1(folder.Fold(n)))
	assert.Equal(t, 3.0, value(t, out, 3))
}

func foldCast(t *testing.T, g *graph.Graph, from, to dtypes.DType, x float64, mode graph.RoundMode) (float64, bool) {
	out := g.NewTensor("", shapes.Make(to, 1))
	n := g.NewTPCNode(graph.CastGUID(from, to), "", []*graph.Tensor{scalar(g, from, x)}, []*graph.Tensor{out},
		graph.CastParams{RoundMode: mode})
	if !must.M1(New(g.Capabilities()).Fold(n)) {
		return 0, false
	}
	return value(t, out, 0), true
}

func TestFoldCast(t *testing.T) {
	g := newGraph()
	tie := 1 + 1.0/256
	for _, tc := range []struct {
		from, to dtypes.DType
		x        float64
		mode     graph.RoundMode
		want     float64
	}{
		// Float to float.
		{dtypes.Float32, dtypes.BFloat16, tie, graph.RoundDefault, 1},
		{dtypes.Float32, dtypes.BFloat16, tie, graph.RoundHalfToEven, 1},
		{dtypes.Float32, dtypes.BFloat16, tie, graph.RoundHalfAwayFromZero, 1 + 1.0/128},
		{dtypes.Float32, dtypes.BFloat16, -tie, graph.RoundHalfAwayFromZero, -1 - 1.0/128},
		{dtypes.Float32, dtypes.BFloat16, tie, graph.RoundUp, 1 + 1.0/128},
		{dtypes.Float32, dtypes.BFloat16, -tie, graph.RoundUp, -1},
		{dtypes.Float32, dtypes.BFloat16, -tie, graph.RoundDown, -1 - 1.0/128},
		{dtypes.Float32, dtypes.BFloat16, -tie, graph.RoundTowardZero, -1},
		{dtypes.Float32, dtypes.Float16, 1e6, graph.RoundTowardZero, 65504},
		{dtypes.Float32, dtypes.Float16, 1e6, graph.RoundDefault, math.Inf(1)},
		{dtypes.Float32, dtypes.Float16, -1e6, graph.RoundUp, -65504},
		{dtypes.BFloat16, dtypes.Float32, 0.5, graph.RoundDefault, 0.5},

		// Float to integer.
		{dtypes.Float32, dtypes.Int8, 2.5, graph.RoundDefault, 2},
		{dtypes.Float32, dtypes.Int8, 2.5, graph.RoundHalfAwayFromZero, 3},
		{dtypes.Float32, dtypes.Int8, -2.5, graph.RoundDown, -3},
		{dtypes.Float32, dtypes.Int8, 2.1, graph.RoundUp, 3},
		{dtypes.Float32, dtypes.Int8, 1000, graph.RoundDefault, 127},
		{dtypes.Float32, dtypes.Uint8, -5, graph.RoundDefault, 0},
		{dtypes.BFloat16, dtypes.Int16, -1e6, graph.RoundDefault, -32768},

		// Integer to integer.
		{dtypes.Int32, dtypes.Uint32, -1, graph.RoundDefault, 0},
		{dtypes.Uint16, dtypes.Int16, 65535, graph.RoundDefault, 32767},
		{dtypes.Int32, dtypes.Int8, 300, graph.RoundDefault, 44},
		{dtypes.Int8, dtypes.Int32, -3, graph.RoundDefault, -3},
	} {
		got, folded := foldCast(t, g, tc.from, tc.to, tc.x, tc.mode)
		require.True(t, folded, "cast %s->%s of %g", tc.from, tc.to, tc.x)
		assert.Equal(t, tc.want, got, "cast %s->%s of %g with rounding %s", tc.from, tc.to, tc.x, tc.mode)
	}

	// Not folded.
	_, folded := foldCast(t, g, dtypes.Float32, dtypes.BFloat16, 1.5, graph.RoundStochastic)
	assert.False(t, folded)
	_, folded = foldCast(t, g, dtypes.Int8, dtypes.Float32, 1, graph.RoundDefault)
	assert.False(t, folded)

	x := g.NewTensor("x", shapes.Make(dtypes.Float32, 1))
	out := g.NewTensor("out", shapes.Make(dtypes.BFloat16, 1))
	n := g.NewTPCNode(graph.CastGUID(dtypes.Float32, dtypes.BFloat16), "", []*graph.Tensor{x}, []*graph.Tensor{out}, nil)
	assert.False(t, must.M1(New(g.Capabilities()).Fold(n)), "input is not constant")

	pair := g.NewTensor("pair", shapes.Make(dtypes.Float32, 2))
	pair.SetConstant(must.M1(dtypes.EncodeValues(dtypes.Float32, []float64{1, 2})))
	pairOut := g.NewTensor("pair_out", shapes.Make(dtypes.BFloat16, 2))
	n = g.NewTPCNode(graph.CastGUID(dtypes.Float32, dtypes.BFloat16), "", []*graph.Tensor{pair},
		[]*graph.Tensor{pairOut}, nil)
	assert.False(t, must.M1(New(g.Capabilities()).Fold(n)), "more than one element")

	folder := New(g.Capabilities())
	folder.Casts = false
	n = g.NewTPCNode(graph.CastGUID(dtypes.Float32, dtypes.BFloat16), "", []*graph.Tensor{scalar(g, dtypes.Float32, 1)},
		[]*graph.Tensor{g.NewTensor("", shapes.Make(dtypes.BFloat16, 1))}, nil)
	assert.False(t, must.M1(folder.Fold(n)), "casts folding disabled")
}

func TestRoundHalf(t *testing.T) {
	bf16 := halfFormats[dtypes.BFloat16]
	// Exact values and NaN are kept with any rounding.
	for _, mode := range []graph.RoundMode{graph.RoundDefault, graph.RoundUp, graph.RoundDown, graph.RoundTowardZero} {
		assert.Equal(t, float32(1.5), roundHalf(bf16, 1.5, mode))
		assert.True(t, math.IsNaN(float64(roundHalf(bf16, float32(math.NaN()), mode))))
	}
	// Directed rounding of values that are not ties.
	x := float32(1 + 1.0/512)
	assert.Equal(t, float32(1), roundHalf(bf16, x, graph.RoundDefault))
	assert.Equal(t, float32(1+1.0/128), roundHalf(bf16, x, graph.RoundUp))
	assert.Equal(t, float32(1), roundHalf(bf16, x, graph.RoundHalfAwayFromZero))

	// Crossing zero: the smallest denormals.
	tiny := float32(1e-45)
	assert.Greater(t, roundHalf(bf16, tiny, graph.RoundUp), float32(0))
	assert.Equal(t, float32(0), roundHalf(bf16, tiny, graph.RoundDown))
	assert.Less(t, roundHalf(bf16, -tiny, graph.RoundDown), float32(0))
	assert.Equal(t, uint16(0x0001), nextUp(0x8000))
	assert.Equal(t, uint16(0x8001), nextDown(0x0000))
}
