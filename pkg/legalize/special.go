// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import (
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// specialOperators physicalizes memsets, copies and broadcasts, and splits batch normalizations.
func (e *Engine) specialOperators(item workItem) ([]workItem, bool, error) {
	n := item.node
	var nodes []*graph.Node
	var err error
	switch n.Kind() {
	case graph.KindMemset:
		var memset *graph.Node
		memset, err = e.physicalMemset(n)
		nodes = []*graph.Node{memset}
	case graph.KindMemcpy:
		var memcpy *graph.Node
		memcpy, err = e.physicalMemcpy(n.Name(), n.Input(0), n.Output(0))
		nodes = []*graph.Node{memcpy}
	case graph.KindBroadcast:
		nodes = e.broadcast(n)
	case graph.KindTPC:
		if !e.config.NodeDisplacementOptimizations || !e.config.BatchNormSplit || !e.batchNorm.CanHandle(n) {
			return nil, false, nil
		}
		nodes, err = e.batchNorm.Extract(n)
		if err != nil {
			err = withSentinel(ErrDecomposition, err)
		}
	default:
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	for _, replacement := range nodes {
		if replacement.Annotations.Origin == "" {
			replacement.Annotations = n.Annotations
		}
	}
	return e.replaceWith(n, n.Kind().String()+" physicalization", nodes), true, nil
}

// physicalMemset returns the primitive clearing the output of the memset n: on the vector-compute engine if it
// supports the type, else on the data-movement engine.
func (e *Engine) physicalMemset(n *graph.Node) (*graph.Node, error) {
	output := n.Output(0)
	if output == nil {
		return nil, errors.Errorf("memset %q has no output", n.Name())
	}
	dtype := output.Shape().DType
	var kind graph.Kind
	switch {
	case e.caps.VectorMemsetTypes.Has(dtype):
		kind = graph.KindTPCMemset
	case e.caps.NumDMAEngines > 0:
		kind = graph.KindDMAMemset
	default:
		return nil, errors.Errorf("no engine can clear tensors of %s on %s", dtype, e.g.DeviceKind())
	}
	return e.g.NewNode(kind, n.Name(), n.Inputs(), n.Outputs(), nil), nil
}

// physicalMemcpy returns the primitive copying input into output:
//
//   - A cast if the types differ.
//   - The "memcpy_nd" kernel for ranks the data-movement engine doesn't handle. 64 bits types use it too,
//     it is later run on 32 bits words.
//   - The vector-compute copy if it supports the type.
//   - The data-movement copy otherwise.
//
// The vector-compute engine is preferred: nodes run one at a time, and it has more memory ports.
func (e *Engine) physicalMemcpy(name string, input, output *graph.Tensor) (*graph.Node, error) {
	if input == nil || output == nil {
		return nil, errors.Errorf("memcpy %q requires one input and one output", name)
	}
	g := e.g
	dtype := input.Shape().DType
	if dtype != output.Shape().DType {
		return g.NewCast(name, input, output), nil
	}
	inputs, outputs := []*graph.Tensor{input}, []*graph.Tensor{output}
	isND := input.Rank() > e.caps.DMAMaxRank
	switch {
	case isND && (e.caps.MemcpyNDTypes.Has(dtype) || dtype.Is64Bit()):
		return g.NewTPCNode(graph.GUIDWithDType(graph.GUIDMemcpyND, dtype), name, inputs, outputs, nil), nil
	case !isND && e.caps.VectorMemcpyTypes.Has(dtype):
		return g.NewNode(graph.KindTPCMemcpy, name, inputs, outputs, nil), nil
	case e.caps.NumDMAEngines > 0:
		return g.NewNode(graph.KindDMAMemcpy, name, inputs, outputs, nil), nil
	case dtype.Is64Bit():
		return g.NewTPCNode(graph.GUIDWithDType(graph.GUIDMemcpyND, dtype), name, inputs, outputs, nil), nil
	}
	return nil, errors.Errorf("no engine can copy tensors of %s on %s", dtype, g.DeviceKind())
}

// broadcast routes the broadcast n to the "broadcast_nd_fwd" kernel, which only takes operands of rank above
// the maximal rank of the data-movement engine: smaller operands are reshaped with leading unit axes.
func (e *Engine) broadcast(n *graph.Node) []*graph.Node {
	g := e.g
	input, output := n.Input(0), n.Output(0)
	minRank := e.caps.DMAMaxRank + 1
	var before, after []*graph.Node
	if output.Rank() < minRank {
		expanded := g.NewTensor(output.Name()+"_expanded", output.Shape().ExpandToRank(minRank))
		after = append(after, g.NewReshape("", expanded, output))
		output = expanded
	}
	if input.Rank() < output.Rank() {
		expanded := g.NewTensor(input.Name()+"_expanded", input.Shape().ExpandToRank(output.Rank()))
		before = append(before, g.NewReshape("", input, expanded))
		input = expanded
	}
	guid := graph.GUIDWithDType(graph.GUIDBroadcastND, input.Shape().DType)
	kernel := g.NewTPCNode(guid, n.Name(), []*graph.Tensor{input}, []*graph.Tensor{output}, n.Params())
	klog.V(2).Infof("broadcast %q: %s -> %s", n.Name(), input.Shape(), output.Shape())
	return append(append(before, kernel), after...)
}
