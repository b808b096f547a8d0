// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphfile reads graphs of user nodes described in TOML files, as used by the legalize command line
// tool and by tests.
//
// Example:
//
//	name = "block"
//	device = "gen2"
//	config = "!conv_packing"
//
//	[[tensors]]
//	name = "x"
//	dtype = "f32"
//	dims = [2, 3, 4]
//	user_managed = true
//
//	[[tensors]]
//	name = "y"
//	dtype = "f32"
//	dims = [5, 6, 7, 2, 3, 4]
//
//	[[nodes]]
//	kind = "broadcast"
//	name = "bcast"
//	inputs = ["x"]
//	outputs = ["y"]
//
// Nodes are listed in execution order. An empty entry ("") in inputs or outputs is an absent optional operand.
package graphfile

import (
	"github.com/BurntSushi/toml"
	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File is the TOML representation of a graph.
type File struct {
	Name   string `toml:"name"`
	Device string `toml:"device"`

	// Config is the legalization configuration, in the format of legalize.ParseConfig.
	Config string `toml:"config"`

	Tensors []Tensor `toml:"tensors"`
	Nodes   []Node   `toml:"nodes"`
}

// Tensor describes one tensor of the graph.
type Tensor struct {
	Name             string `toml:"name"`
	DType            string `toml:"dtype"`
	Dims             []int  `toml:"dims"`
	MinDims          []int  `toml:"min_dims"`
	UserManaged      bool   `toml:"user_managed"`
	AllowPermutation bool   `toml:"allow_permutation"`
	EnforcedOutput   bool   `toml:"enforced_output"`
	Static           bool   `toml:"static"`
	ShapeOnly        bool   `toml:"shape_only"`

	// Values of a constant tensor, one per element in row-major order. Implies static.
	Values []float64 `toml:"values"`
}

// Node describes one user node. Parameters only used by some kinds are ignored by the others.
type Node struct {
	Kind          string   `toml:"kind"`
	Name          string   `toml:"name"`
	GUID          string   `toml:"guid"`
	Inputs        []string `toml:"inputs"`
	Outputs       []string `toml:"outputs"`
	InputLayouts  []string `toml:"input_layouts"`
	OutputLayouts []string `toml:"output_layouts"`

	// Convolution family.
	Groups    int      `toml:"groups"`
	Strides   []int    `toml:"strides"`
	Dilations []int    `toml:"dilations"`
	Paddings  [][2]int `toml:"paddings"`

	// Transposes.
	Permutation []int `toml:"permutation"`

	// Split, concat, expand and squeeze.
	Axis int `toml:"axis"`

	// Linear.
	Activation string `toml:"activation"`

	// GEMM.
	TransposeA bool `toml:"transpose_a"`
	TransposeB bool `toml:"transpose_b"`

	// Fill value of "constant" kernels, and rounding mode of "cast" kernels.
	Value     *float64 `toml:"value"`
	RoundMode string   `toml:"round_mode"`
}

// Graph is a loaded graph, with its user nodes in execution order.
type Graph struct {
	*graph.Graph
	Nodes  []*graph.Node
	Config string
}

// Load reads the graph in the TOML file at path.
func Load(path string) (*Graph, error) {
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph file %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("unknown keys %v in graph file %q", undecoded, path)
	}
	g, err := f.Build()
	if err != nil {
		return nil, errors.WithMessagef(err, "graph file %q", path)
	}
	return g, nil
}

// Parse reads a graph from its TOML contents.
func Parse(contents string) (*Graph, error) {
	var f File
	if _, err := toml.Decode(contents, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph")
	}
	return f.Build()
}

// Build creates the graph, tensors and nodes described by f.
func (f *File) Build() (*Graph, error) {
	deviceName := f.Device
	if deviceName == "" {
		deviceName = graph.DeviceGen2.String()
	}
	device, err := graph.ParseDeviceKind(deviceName)
	if err != nil {
		return nil, err
	}
	name := f.Name
	if name == "" {
		name = "graph"
	}
	g := graph.New(name, device, nil)
	byName := make(map[string]*graph.Tensor, len(f.Tensors))
	for i, desc := range f.Tensors {
		t, err := desc.build(g)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor #%d", i)
		}
		if _, found := byName[t.Name()]; found {
			return nil, errors.Errorf("tensor %q defined twice", t.Name())
		}
		byName[t.Name()] = t
	}
	lookup := func(names []string) ([]*graph.Tensor, error) {
		list := make([]*graph.Tensor, len(names))
		for i, name := range names {
			if name == "" {
				continue
			}
			t, found := byName[name]
			if !found {
				return nil, errors.Errorf("unknown tensor %q", name)
			}
			list[i] = t
		}
		return list, nil
	}

	result := &Graph{Graph: g, Config: f.Config}
	for i, desc := range f.Nodes {
		n, err := desc.build(g, lookup)
		if err != nil {
			return nil, errors.WithMessagef(err, "node #%d %q", i, desc.Name)
		}
		result.Nodes = append(result.Nodes, n)
	}
	klog.V(1).Infof("graph %s loaded: %d tensors, %d nodes", g, len(f.Tensors), len(result.Nodes))
	return result, nil
}

func (desc Tensor) build(g *graph.Graph) (*graph.Tensor, error) {
	if desc.Name == "" {
		return nil, errors.New("tensor without a name")
	}
	dtype, err := dtypes.FromName(desc.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", desc.Name)
	}
	for _, dim := range desc.Dims {
		if dim < 0 {
			return nil, errors.Errorf("tensor %q has negative dimensions %v", desc.Name, desc.Dims)
		}
	}
	t := g.NewTensor(desc.Name, shapes.Make(dtype, desc.Dims...))
	if desc.MinDims != nil {
		if len(desc.MinDims) != len(desc.Dims) {
			return nil, errors.Errorf("tensor %q: min_dims %v don't match dims %v", desc.Name, desc.MinDims, desc.Dims)
		}
		t.SetMinimalDimensions(desc.MinDims)
	}
	t.UserManaged = desc.UserManaged
	t.AllowPermutation = desc.AllowPermutation
	t.EnforcedOutput = desc.EnforcedOutput
	t.ShapeOnly = desc.ShapeOnly
	if desc.Static {
		t.Residency = graph.ResidencyStatic
	}
	if desc.Values != nil {
		if len(desc.Values) != t.Shape().Size() {
			return nil, errors.Errorf("tensor %q has %d values for %d elements", desc.Name, len(desc.Values), t.Shape().Size())
		}
		data, err := dtypes.EncodeValues(dtype, desc.Values)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", desc.Name)
		}
		t.SetConstant(data)
	}
	return t, nil
}

func (desc Node) build(g *graph.Graph, lookup func([]string) ([]*graph.Tensor, error)) (*graph.Node, error) {
	kind, err := graph.ParseKind(desc.Kind)
	if err != nil {
		return nil, err
	}
	inputs, err := lookup(desc.Inputs)
	if err != nil {
		return nil, errors.WithMessage(err, "inputs")
	}
	outputs, err := lookup(desc.Outputs)
	if err != nil {
		return nil, errors.WithMessage(err, "outputs")
	}
	params, err := desc.params(kind)
	if err != nil {
		return nil, err
	}
	var n *graph.Node
	if kind == graph.KindTPC {
		if desc.GUID == "" {
			return nil, errors.New("vector-compute node without a guid")
		}
		n = g.NewTPCNode(desc.GUID, desc.Name, inputs, outputs, params)
	} else {
		n = g.NewNode(kind, desc.Name, inputs, outputs, params)
	}
	if n.InputLayouts, err = perm.ParseLayouts(desc.InputLayouts...); err != nil {
		return nil, errors.WithMessage(err, "input layouts")
	}
	if n.OutputLayouts, err = perm.ParseLayouts(desc.OutputLayouts...); err != nil {
		return nil, errors.WithMessage(err, "output layouts")
	}
	return n, nil
}

func (desc Node) params(kind graph.Kind) (any, error) {
	switch kind {
	case graph.KindConvolution, graph.KindDeDx, graph.KindDeDw:
		return graph.ConvParams{Groups: max(desc.Groups, 1), Strides: desc.Strides, Dilations: desc.Dilations,
			Paddings: desc.Paddings}, nil
	case graph.KindGEMM, graph.KindBatchGEMM:
		return graph.GEMMParams{TransposeA: desc.TransposeA, TransposeB: desc.TransposeB}, nil
	case graph.KindTranspose, graph.KindLogicalTranspose:
		p, err := perm.New(desc.Permutation...)
		if err != nil {
			return nil, errors.WithMessage(err, "permutation")
		}
		return graph.TransposeParams{Permutation: p}, nil
	case graph.KindSplit, graph.KindConcat, graph.KindExpandDims, graph.KindSqueeze:
		return graph.AxisParams{Axis: desc.Axis}, nil
	case graph.KindLinear:
		return graph.LinearParams{Activation: desc.Activation}, nil
	case graph.KindTPC:
		if graph.IsConstantGUID(desc.GUID) && desc.Value != nil {
			return graph.ConstantParams{Value: *desc.Value}, nil
		}
		if _, _, ok := graph.ParseCastGUID(desc.GUID); ok && desc.RoundMode != "" {
			mode, err := graph.ParseRoundMode(desc.RoundMode)
			if err != nil {
				return nil, err
			}
			return graph.CastParams{RoundMode: mode}, nil
		}
	}
	return nil, nil
}
