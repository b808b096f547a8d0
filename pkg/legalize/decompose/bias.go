// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"fmt"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"k8s.io/klog/v2"
)

// BiasExtractor moves the bias input (input #2) of convolutions and matrix multiplications into a separate
// vector-compute addition: the matrix-multiply engine writes a temporary tensor, and the addition of the
// bias (broadcast along the outer axes) writes the original output.
type BiasExtractor struct{}

var _ Extractor = BiasExtractor{}

// CanHandle implements Extractor.
func (BiasExtractor) CanHandle(n *graph.Node) bool {
	switch n.Kind() {
	case graph.KindConvolution, graph.KindGEMM, graph.KindBatchGEMM:
		return n.NumInputs() > 2 && n.Input(2) != nil
	}
	return false
}

// Extract implements Extractor.
func (BiasExtractor) Extract(n *graph.Node) ([]*graph.Node, error) {
	g := n.Graph()
	bias, output := n.Input(2), n.Output(0)
	temp := g.CloneTensor(output, fmt.Sprintf("%s_without_bias", output.Name()))

	mme := g.CopyNode(n, "")
	mme.SetInputs(n.Inputs()[:2])
	mme.SetOutput(0, temp)
	mme.Annotations.Origin = origin(n)
	nodes := []*graph.Node{mme}

	if bias.Rank() < output.Rank() {
		expanded := g.NewTensor(fmt.Sprintf("%s_expanded", bias.Name()), bias.Shape().ExpandToRank(output.Rank()))
		nodes = append(nodes, g.NewReshape("", bias, expanded))
		bias = expanded
	}
	add := g.NewAdd(fmt.Sprintf("%s_bias", n.Name()), temp, bias, output)
	add.Annotations.Origin = origin(n)
	nodes = append(nodes, add)
	klog.V(1).Infof("bias %s of %s %q extracted into %q", n.Input(2).Name(), n.Kind(), n.Name(), add.Name())
	return nodes, nil
}
