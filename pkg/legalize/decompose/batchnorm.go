// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"fmt"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/registry"
	"k8s.io/klog/v2"
)

// BatchNormSplit splits the batch normalization kernels (forward and backward) in two stages:
// the first one reduces the per-channel statistics of the batch into a float32 [2, C] tensor, the second one
// normalizes (or computes the gradients) using them.
//
// Stage kernels are named "<base>_stage1_<dtype>" and "<base>_stage2_<dtype>". Nodes whose stage kernels
// don't exist in the registry are not split.
type BatchNormSplit struct {
	registry registry.KernelRegistry
}

var _ Extractor = (*BatchNormSplit)(nil)

// NewBatchNormSplit creates a BatchNormSplit checking the stage kernels in reg.
func NewBatchNormSplit(reg registry.KernelRegistry) *BatchNormSplit {
	return &BatchNormSplit{registry: reg}
}

func stageGUID(base string, stage int, dtype dtypes.DType) string {
	return graph.GUIDWithDType(fmt.Sprintf("%s_stage%d", base, stage), dtype)
}

// CanHandle implements Extractor.
func (s *BatchNormSplit) CanHandle(n *graph.Node) bool {
	if n.Kind() != graph.KindTPC || n.NumInputs() == 0 || n.Input(0) == nil || n.Input(0).Rank() < 2 {
		return false
	}
	base, dtype, found := graph.SplitGUID(n.GUID())
	if !found || (base != graph.GUIDBatchNormFwd && base != graph.GUIDBatchNormBwd) {
		return false
	}
	device := n.Graph().DeviceKind()
	return s.registry.KernelExists(stageGUID(base, 1, dtype), device) &&
		s.registry.KernelExists(stageGUID(base, 2, dtype), device)
}

// Extract implements Extractor.
func (s *BatchNormSplit) Extract(n *graph.Node) ([]*graph.Node, error) {
	g := n.Graph()
	base, dtype, _ := graph.SplitGUID(n.GUID())
	x := n.Input(0)
	channels := x.Shape().Dim(-1)
	stats := g.NewTensor(fmt.Sprintf("%s_stats", n.Name()), x.Shape().WithDType(dtypes.Float32).WithDimensions(2, channels))

	stage1 := g.NewTPCNode(stageGUID(base, 1, dtype), fmt.Sprintf("%s_stage1", n.Name()),
		n.Inputs(), []*graph.Tensor{stats}, n.Params())
	stage2 := g.NewTPCNode(stageGUID(base, 2, dtype), fmt.Sprintf("%s_stage2", n.Name()),
		append(append([]*graph.Tensor(nil), n.Inputs()...), stats), n.Outputs(), n.Params())
	for _, stage := range []*graph.Node{stage1, stage2} {
		stage.Annotations.Origin = origin(n)
	}
	klog.V(1).Infof("batch normalization %q split into %q and %q", n.Name(), stage1.GUID(), stage2.GUID())
	return []*graph.Node{stage1, stage2}, nil
}
