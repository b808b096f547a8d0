// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import (
	"fmt"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/legalize/decompose"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// legalizeMME runs the rules of the matrix-multiply engine, in order: operand trimming, bias extraction,
// grouped convolutions split, packing and the concurrency strategies.
func (e *Engine) legalizeMME(item workItem) ([]workItem, bool, error) {
	n := item.node
	if e.config.ArchOptimizations && e.config.BatchConcurrency {
		n.Annotations.BatchConcurrency = graph.StrategyTurnedOn
	} else {
		n.Annotations.BatchConcurrency = graph.StrategyTurnedOff
	}
	if err := trimMMEInputs(n); err != nil {
		return nil, false, err
	}

	if e.bias.CanHandle(n) {
		nodes, err := e.bias.Extract(n)
		if err != nil {
			return nil, false, withSentinel(ErrDecomposition, err)
		}
		return e.replaceWith(n, "bias extraction", nodes), true, nil
	}

	legalized := workItem{node: n, user: item.user, preprocessed: true, legalized: true}
	switch n.Kind() {
	case graph.KindGEMM, graph.KindBatchGEMM, graph.KindMMETranspose:
		return []workItem{legalized}, true, nil
	}

	if e.groupedConv.CanHandle(n) {
		if err := e.groupedConv.Validate(n); err != nil {
			return nil, false, withSentinel(ErrDecomposition, err)
		}
		nodes, err := e.groupedConv.Extract(n)
		if err != nil {
			return nil, false, withSentinel(ErrDecomposition, err)
		}
		if len(nodes) == 0 {
			return nil, false, errors.Wrapf(ErrDecomposition, "grouped convolution %q split into no nodes", n.Name())
		}
		return e.replaceWith(n, "grouped convolution split", nodes), true, nil
	}

	if e.config.ArchOptimizations && e.config.ConvPacking && e.packing.CanHandle(n) {
		nodes, err := e.packing.Extract(n)
		if err != nil {
			return nil, false, withSentinel(ErrDecomposition, err)
		}
		if len(nodes) > 0 {
			return e.replaceWith(n, "convolution packing", nodes), true, nil
		}
	}

	var before, after []*graph.Node
	if e.config.ArchOptimizations && e.config.MMEConcurrency {
		before, after = e.applyConcurrency(n)
	}
	return around(before, legalized, after), true, nil
}

// trimMMEInputs drops the trailing empty input slots of n: transposes take exactly one input, the other
// kinds two inputs and an optional bias.
func trimMMEInputs(n *graph.Node) error {
	inputs := n.Inputs()
	size := 1
	if n.Kind().IsPhysicalTranspose() {
		if n.Input(0) == nil {
			return errors.Errorf("matrix-multiply transpose %q has no input", n.Name())
		}
	} else {
		if n.Input(0) == nil || n.Input(1) == nil {
			return errors.Errorf("matrix-multiply node %q requires two inputs", n.Name())
		}
		size = 2
		if n.Input(2) != nil {
			size = 3
		}
	}
	for i := size; i < len(inputs); i++ {
		if inputs[i] != nil {
			return errors.Errorf("matrix-multiply node %q (%s) has an unexpected input #%d %s, at most %d are supported",
				n.Name(), n.Kind(), i, inputs[i], size)
		}
	}
	if size < len(inputs) {
		n.SetInputs(inputs[:size])
	}
	return nil
}

// applyConcurrency selects the concurrency strategies of the convolution n.
//
// With enough batches the units split the batch. Otherwise, if the output fits in the units at once, they
// split the common dimension instead: each writes a partial result accumulated into the output. Partial
// results are accumulated in Float32, so for other types the sum is cast back into the output.
func (e *Engine) applyConcurrency(n *graph.Node) (before, after []*graph.Node) {
	output := n.Output(0)
	cores := e.caps.TotalMMECores()
	dims := output.Shape().Dimensions
	maxBatch := 1
	for _, dim := range dims[:max(len(dims)-2, 0)] {
		maxBatch = max(maxBatch, dim)
	}
	commonDimCandidate := false
	if maxBatch == 1 || maxBatch < cores {
		outputSize := int64(1)
		for _, dim := range dims[max(len(dims)-2, 0):] {
			outputSize *= int64(dim)
		}
		commonDimCandidate = outputSize <= e.caps.MMETotalOutputSize
	}
	if !commonDimCandidate {
		n.Annotations.BatchConcurrency = graph.StrategyTurnedOn
		n.Annotations.CommonDimConcurrency = graph.StrategyTurnedOff
		return nil, nil
	}
	n.Annotations.BatchConcurrency = graph.StrategyTurnedOff
	commonDim := commonDimSize(n)
	if commonDim < 2*cores {
		n.Annotations.CommonDimConcurrency = graph.StrategyTurnedOff
		return nil, nil
	}
	n.Annotations.CommonDimConcurrency = graph.StrategyTurnedOn

	g := e.g
	partial := g.CloneTensor(output, output.Name()+"_Fp32")
	dtype := output.Shape().DType
	casted := dtype != dtypes.Float32 && dtype != dtypes.HBFloat32
	if casted {
		partial.SetShape(output.Shape().WithDType(dtypes.Float32))
	}
	target := output
	if casted {
		target = g.CloneTensor(partial, partial.Name()+"_after_reduction")
	}
	acc := decompose.NewAccumulation(target, partial)
	n.SetOutput(0, partial)
	before = []*graph.Node{acc.Memset}
	after = []*graph.Node{acc.Reduction}
	if casted {
		after = append(after, g.NewCast(output.Name()+"_cast", target, output))
	}
	klog.V(1).Infof("%s %q: common dimension %d split over %d matrix-multiply cores", n.Kind(), n.Name(), commonDim, cores)
	decompose.DumpNodes(g, fmt.Sprintf("common dimension concurrency of %q", n.Name()), append(append(before, n), after...))
	return before, after
}

// commonDimSize returns the size of the dimension the convolution n accumulates over.
func commonDimSize(n *graph.Node) int {
	product := func(t *graph.Tensor, skip int) int {
		size := 1
		for axis, dim := range t.Shape().Dimensions {
			if axis != skip {
				size *= dim
			}
		}
		return size
	}
	switch n.Kind() {
	case graph.KindConvolution:
		w := n.Input(1)
		return product(w, w.Rank()-1)
	case graph.KindDeDx:
		w := n.Input(1)
		return product(w, w.Rank()-2)
	case graph.KindDeDw:
		dy := n.Input(0)
		return product(dy, dy.Rank()-1)
	}
	return 0
}
