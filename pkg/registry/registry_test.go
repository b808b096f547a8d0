// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package registry

import (
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

const testCatalog = `
[[kernel]]
guid = "conv_like_fwd"
dtypes = ["f32", "bf16"]
devices = ["gen3"]
input_layouts = ["NHWC", "*"]
output_layouts = ["NHWC"]

[[kernel]]
guid = "scatter_fwd_f32"
pre_clear_outputs = [0]
reuse = [{ output = 0, input = 1 }]
shape = "unary"

[[kernel.auxiliary]]
name = "table"
dtype = "i32"
dimensions = [64]
`

func TestKernelDBCatalog(t *testing.T) {
	db := NewKernelDB()
	require.NoError(t, db.LoadCatalog(strings.NewReader(testCatalog)))
	assert.Equal(t, []string{"conv_like_fwd_bf16", "conv_like_fwd_f32", "scatter_fwd_f32"}, db.GUIDs())

	assert.True(t, db.KernelExists("conv_like_fwd_bf16", graph.DeviceGen3))
	assert.False(t, db.KernelExists("conv_like_fwd_bf16", graph.DeviceGen2))
	assert.False(t, db.KernelExists("conv_like_fwd_f16", graph.DeviceGen3))
	assert.True(t, db.KernelExists("scatter_fwd_f32", graph.DeviceGen2))

	inputs, outputs, found := db.SupportedLayouts("conv_like_fwd_f32")
	require.True(t, found)
	assert.Equal(t, []string{"NHWC", "*"}, inputs)
	assert.Equal(t, []string{"NHWC"}, outputs)
	_, _, found = db.SupportedLayouts("scatter_fwd_f32")
	assert.False(t, found)

	assert.Equal(t, []ReuseBinding{{Output: 0, Input: 1}}, db.ReusableInputBinding("scatter_fwd_f32"))
	fn, found := db.ShapeInference("scatter_fwd_f32")
	require.True(t, found)
	out, err := fn([]shapes.Shape{shapes.Make(dtypes.Float32, 3)})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, out[0].Dimensions)
}

func TestKernelDBErrors(t *testing.T) {
	db := NewKernelDB()
	require.Error(t, db.Register(KernelSpec{}))
	require.Error(t, db.Register(KernelSpec{GUID: "foo", DTypes: []string{"f128"}}))
	require.Error(t, db.Register(KernelSpec{GUID: "foo", Devices: []string{"gen9"}}))
	require.Error(t, db.Register(KernelSpec{GUID: "foo", Shape: "unknown"}))
	require.Error(t, db.LoadCatalog(strings.NewReader("[[kernel]]\nguid = \"x\"\nbogus = 1\n")))
}

func TestLoadKernel(t *testing.T) {
	db := NewKernelDB()
	require.NoError(t, db.LoadCatalog(strings.NewReader(testCatalog)))
	g := graph.New("test", graph.DeviceGen2, nil)
	shape := shapes.Make(dtypes.Float32, 64)
	x := g.NewTensor("x", shape)
	y := g.NewTensor("y", shape)
	out := g.NewTensor("out", shape)
	n := g.NewTPCNode("scatter_fwd_f32", "scatter", []*graph.Tensor{x, y}, []*graph.Tensor{out}, nil)

	kernel, err := db.LoadKernel(n)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, kernel.PreClearOutputs)
	require.Len(t, kernel.Auxiliary, 1)
	aux := kernel.Auxiliary[0]
	assert.True(t, aux.Auxiliary)
	assert.Equal(t, graph.ResidencyStatic, aux.Residency)
	assert.Equal(t, dtypes.Int32, aux.Shape().DType)
	assert.Equal(t, 3, n.NumInputs())
	assert.Equal(t, aux, n.Input(2))

	missing := g.NewTPCNode("conv_like_fwd_f32", "conv", []*graph.Tensor{x}, []*graph.Tensor{out}, nil)
	_, err = db.LoadKernel(missing)
	require.Error(t, err, "kernel only exists on gen3")
}

func TestDefaultKernelDB(t *testing.T) {
	for _, caps := range []*graph.HardwareCapabilities{graph.Gen2(), graph.Gen3()} {
		db := NewDefaultKernelDB(caps)
		assert.True(t, db.KernelExists("memcpy_nd_bf16", graph.DeviceGen2))
		assert.False(t, db.KernelExists("memcpy_nd_i64", graph.DeviceGen2))
		assert.False(t, db.KernelExists("broadcast_nd_fwd_u64", graph.DeviceGen2))
		assert.True(t, db.KernelExists("broadcast_nd_fwd_u32", graph.DeviceGen2))
		assert.True(t, db.KernelExists("cast_f32_to_bf16", graph.DeviceGen3))
		assert.True(t, db.KernelExists("batch_norm_fwd_stage1_bf16", graph.DeviceGen3))
		assert.True(t, db.KernelExists("add_fwd_f32", graph.DeviceGen3))
	}
}

func TestKernelDBConcurrentReads(t *testing.T) {
	db := NewDefaultKernelDB(graph.Gen2())
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%4 == 0 {
				db.MustRegister(KernelSpec{GUID: "extra_fwd", DTypes: []string{"f32"}})
			}
			for range 100 {
				assert.True(t, db.KernelExists("relu_fwd_f32", graph.DeviceGen2))
			}
		}()
	}
	wg.Wait()
	assert.True(t, db.KernelExists("extra_fwd_f32", graph.DeviceGen2))
}

func TestExpanderLibrary(t *testing.T) {
	lib := NewExpanderLibrary().
		Register("softmax_fwd", ExpandSoftmax).
		Register("noop_fwd", func(n *graph.Node) ([]*graph.Node, error) { return nil, ErrGraphUnchanged })
	g := graph.New("test", graph.DeviceGen2, nil)
	x := g.NewTensor("x", shapes.Make(dtypes.BFloat16, 4, 8))
	y := g.NewTensor("y", shapes.Make(dtypes.BFloat16, 4, 8))

	softmax := g.NewTPCNode("softmax_fwd_bf16", "softmax", []*graph.Tensor{x}, []*graph.Tensor{y}, nil)
	require.True(t, lib.NeedsExpansion(softmax))
	nodes, err := lib.Expand(softmax)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "exp_fwd_bf16", nodes[0].GUID())
	assert.Equal(t, []int{4, 1}, nodes[1].Output(0).Shape().Dimensions)
	assert.Equal(t, y, nodes[2].Output(0))

	noop := g.NewTPCNode("noop_fwd_bf16", "noop", []*graph.Tensor{x}, []*graph.Tensor{y}, nil)
	require.True(t, lib.NeedsExpansion(noop))
	_, err = lib.Expand(noop)
	require.ErrorIs(t, err, ErrGraphUnchanged)

	relu := g.NewTPCNode("relu_fwd_bf16", "relu", []*graph.Tensor{x}, []*graph.Tensor{y}, nil)
	assert.False(t, lib.NeedsExpansion(relu))
}

func TestBinaryShape(t *testing.T) {
	out, err := BinaryShape([]shapes.Shape{shapes.Make(dtypes.Float32, 4, 1), shapes.Make(dtypes.Float32, 1, 3)})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, out[0].Dimensions)

	_, err = BinaryShape([]shapes.Shape{shapes.Make(dtypes.Float32, 4), shapes.Make(dtypes.Int32, 4)})
	require.Error(t, err)
	_, err = BinaryShape([]shapes.Shape{shapes.Make(dtypes.Float32, 4, 2), shapes.Make(dtypes.Float32, 3, 2)})
	require.Error(t, err)
}
