// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoSplitAxis is returned by HugeTensors.Extract when no axis of a huge operand can be split.
var ErrNoSplitAxis = errors.New("no axis of the huge operand can be split")

// HugeTensors splits matrix-multiply and data-movement nodes with an operand larger than the dense transfer
// limit of the device (HardwareCapabilities.DenseTransferLimit) into several nodes working on parts of the
// operands.
//
// Split inputs are views created by logical split nodes, split outputs are gathered by logical concat
// nodes. Splitting the common dimension of a matrix multiplication produces partial results that are
// accumulated by a logical reduction.
//
// A single extraction may leave some parts above the limit (e.g. when the best axis is too small): those
// are split again when the parts are legalized.
type HugeTensors struct{}

var _ Extractor = HugeTensors{}

// hugeOperand returns the largest data operand of n and its size in bytes.
func hugeOperand(n *graph.Node) (t *graph.Tensor, bytes int64) {
	for _, operand := range n.Operands() {
		if operand == nil || operand.ShapeOnly {
			continue
		}
		if b := operand.Bytes(); b > bytes {
			t, bytes = operand, b
		}
	}
	return
}

// CanHandle implements Extractor.
func (HugeTensors) CanHandle(n *graph.Node) bool {
	engine := n.Kind().Engine()
	if engine != graph.EngineMatrix && engine != graph.EngineDataMovement {
		return false
	}
	_, bytes := hugeOperand(n)
	return bytes > n.Graph().Capabilities().DenseTransferLimit
}

// splitPlan describes one way of splitting a node: the axis each operand is split along, or -1 if the
// operand is shared by all parts.
type splitPlan struct {
	name                  string
	inputAxes, outputAxes []int

	// reduce plans don't split the outputs: each part computes a partial result of the full output.
	reduce bool
}

func unsplit(count int) []int {
	axes := make([]int, count)
	for i := range axes {
		axes[i] = -1
	}
	return axes
}

// plansFor lists the possible splits of n, preferred first.
func plansFor(n *graph.Node) []splitPlan {
	var plans []splitPlan
	newPlan := func(name string) splitPlan {
		return splitPlan{name: name, inputAxes: unsplit(n.NumInputs()), outputAxes: unsplit(n.NumOutputs())}
	}
	hasBias := n.NumInputs() > 2 && n.Input(2) != nil
	switch kind := n.Kind(); {
	case kind == graph.KindDMAMemcpy:
		for axis := range n.Output(0).Rank() {
			plan := newPlan(fmt.Sprintf("axis %d", axis))
			plan.inputAxes[0], plan.outputAxes[0] = axis, axis
			plans = append(plans, plan)
		}

	case kind == graph.KindDMAMemset:
		for axis := range n.Output(0).Rank() {
			plan := newPlan(fmt.Sprintf("axis %d", axis))
			plan.outputAxes[0] = axis
			plans = append(plans, plan)
		}

	case kind.IsPhysicalTranspose():
		p := n.Params().(graph.TransposeParams).Permutation
		for axis := range n.Output(0).Rank() {
			plan := newPlan(fmt.Sprintf("output axis %d", axis))
			plan.inputAxes[0], plan.outputAxes[0] = p[axis], axis
			plans = append(plans, plan)
		}

	case kind == graph.KindGEMM || kind == graph.KindBatchGEMM:
		var params graph.GEMMParams
		if p, ok := n.Params().(graph.GEMMParams); ok {
			params = p
		}
		a, b, out := n.Input(0), n.Input(1), n.Output(0)
		rank := out.Rank()
		for axis := range rank - 2 {
			plan := newPlan(fmt.Sprintf("batch axis %d", axis))
			plan.outputAxes[0] = axis
			plan.inputAxes[0] = axis
			if b.Rank() == rank && b.Shape().Dim(axis) != 1 {
				plan.inputAxes[1] = axis
			}
			plans = append(plans, plan)
		}
		mAxis, kAxisA := a.Rank()-2, a.Rank()-1
		if params.TransposeA {
			mAxis, kAxisA = kAxisA, mAxis
		}
		kAxisB, nAxis := b.Rank()-2, b.Rank()-1
		if params.TransposeB {
			kAxisB, nAxis = nAxis, kAxisB
		}
		plan := newPlan("M")
		plan.inputAxes[0], plan.outputAxes[0] = mAxis, rank-2
		plans = append(plans, plan)
		plan = newPlan("N")
		plan.inputAxes[1], plan.outputAxes[0] = nAxis, rank-1
		if hasBias {
			plan.inputAxes[2] = 0
		}
		plans = append(plans, plan)
		if !hasBias {
			plan = newPlan("K")
			plan.inputAxes[0], plan.inputAxes[1] = kAxisA, kAxisB
			plan.reduce = true
			plans = append(plans, plan)
		}

	case kind == graph.KindConvolution:
		// x, w, [bias] -> y: batch, or output channels.
		plan := newPlan("batch")
		plan.inputAxes[0], plan.outputAxes[0] = 0, 0
		plans = append(plans, plan)
		plan = newPlan("output channels")
		plan.inputAxes[1], plan.outputAxes[0] = n.Input(1).Rank()-1, n.Output(0).Rank()-1
		if hasBias {
			plan.inputAxes[2] = 0
		}
		plans = append(plans, plan)

	case kind == graph.KindDeDx:
		// dy, w -> dx
		plan := newPlan("batch")
		plan.inputAxes[0], plan.outputAxes[0] = 0, 0
		plans = append(plans, plan)

	case kind == graph.KindDeDw:
		// dy, x -> dw: batch is a reduction.
		plan := newPlan("output channels")
		plan.inputAxes[0], plan.outputAxes[0] = n.Input(0).Rank()-1, n.Output(0).Rank()-1
		plans = append(plans, plan)
		plan = newPlan("batch")
		plan.inputAxes[0], plan.inputAxes[1] = 0, 0
		plan.reduce = true
		plans = append(plans, plan)
	}
	return plans
}

// splitDim returns the common dimension of the split operands, or 0 if they disagree.
func (plan splitPlan) splitDim(n *graph.Node) int {
	dim := -1
	check := func(t *graph.Tensor, axis int) bool {
		if axis < 0 || t == nil {
			return true
		}
		if axis >= t.Rank() {
			return false
		}
		d := t.Shape().Dim(axis)
		if dim == -1 {
			dim = d
		}
		return d == dim
	}
	for i, axis := range plan.inputAxes {
		if !check(n.Input(i), axis) {
			return 0
		}
	}
	for i, axis := range plan.outputAxes {
		if !check(n.Output(i), axis) {
			return 0
		}
	}
	return max(dim, 0)
}

// axisOf returns the axis t is split along by the plan, or -1.
func (plan splitPlan) axisOf(n *graph.Node, t *graph.Tensor) int {
	for i, input := range n.Inputs() {
		if input == t && plan.inputAxes[i] >= 0 {
			return plan.inputAxes[i]
		}
	}
	for i, output := range n.Outputs() {
		if output == t && plan.outputAxes[i] >= 0 {
			return plan.outputAxes[i]
		}
	}
	return -1
}

// numParts returns the number of parts t must be split into, along a dimension dim, so each part fits the limit.
// If dim is not large enough it returns dim.
func numParts(t *graph.Tensor, dim int, limit int64) int {
	bytes := t.Bytes()
	parts := int((bytes + limit - 1) / limit)
	for ; parts < dim; parts++ {
		largest := int64((dim + parts - 1) / parts)
		if bytes/int64(dim)*largest <= limit {
			break
		}
	}
	return min(parts, dim)
}

// Extract implements Extractor.
func (HugeTensors) Extract(n *graph.Node) ([]*graph.Node, error) {
	limit := n.Graph().Capabilities().DenseTransferLimit
	huge, bytes := hugeOperand(n)
	if bytes <= limit {
		return nil, nil
	}

	// Take the first plan that brings the huge operand within the limit, or else the one making the most parts.
	var chosen *splitPlan
	chosenParts := 1
	plans := plansFor(n)
	for i := range plans {
		plan := &plans[i]
		axis := plan.axisOf(n, huge)
		if axis < 0 {
			continue
		}
		dim := plan.splitDim(n)
		if dim <= 1 {
			continue
		}
		parts := numParts(huge, dim, limit)
		fits := bytes/int64(dim)*int64((dim+parts-1)/parts) <= limit
		if fits {
			chosen, chosenParts = plan, parts
			break
		}
		if parts > chosenParts {
			chosen, chosenParts = plan, parts
		}
	}
	if chosen == nil {
		return nil, errors.Wrapf(ErrNoSplitAxis, "node %q (%s) operand %s of %s", n.Name(), n.Kind(), huge,
			humanize.IBytes(uint64(bytes)))
	}
	klog.V(1).Infof("node %q (%s): operand %s of %s above the limit of %s, split along %s into %d parts",
		n.Name(), n.Kind(), huge.Name(), humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(limit)),
		chosen.name, chosenParts)
	nodes := chosen.apply(n, chosenParts)
	DumpNodes(n.Graph(), fmt.Sprintf("huge tensor split of %q", n.Name()), nodes)
	return nodes, nil
}

// apply builds the nodes splitting n into the given number of parts.
func (plan splitPlan) apply(n *graph.Node, numParts int) []*graph.Node {
	g := n.Graph()
	sizes := splitSizes(plan.splitDim(n), numParts)
	prefix := n.Name()

	partInputs := make([][]*graph.Tensor, numParts)
	partOutputs := make([][]*graph.Tensor, numParts)
	for part := range numParts {
		partInputs[part] = make([]*graph.Tensor, n.NumInputs())
		partOutputs[part] = make([]*graph.Tensor, n.NumOutputs())
	}

	var before, after []*graph.Node
	for i, t := range n.Inputs() {
		axis := plan.inputAxes[i]
		if t == nil || axis < 0 {
			for part := range numParts {
				partInputs[part][i] = t
			}
			continue
		}
		split, parts := splitTensor(t, axis, sizes, prefix)
		before = append(before, split)
		for part := range numParts {
			partInputs[part][i] = parts[part]
		}
	}
	for i, t := range n.Outputs() {
		if t == nil {
			continue
		}
		if plan.reduce {
			partials := make([]*graph.Tensor, numParts)
			for part := range numParts {
				partials[part] = g.CloneTensor(t, fmt.Sprintf("%s_%s_partial%d", prefix, t.Name(), part))
				partOutputs[part][i] = partials[part]
			}
			info := t.Reduction
			if !info.Enabled {
				info = graph.ReductionInfo{Enabled: true, Op: graph.ReduceAdd}
			}
			reduction := g.NewReduction(fmt.Sprintf("%s_reduce_%s", prefix, t.Name()), partials, t, info.Op)
			for _, partial := range partials[1:] {
				partial.Reduction = info
			}
			after = append(after, reduction)
			continue
		}
		axis := plan.outputAxes[i]
		if axis < 0 {
			for part := range numParts {
				partOutputs[part][i] = t
			}
			continue
		}
		concat, parts := concatTensors(t, axis, sizes, prefix)
		after = append(after, concat)
		for part := range numParts {
			partOutputs[part][i] = parts[part]
		}
	}

	nodes := before
	for part := range numParts {
		c := g.CopyNode(n, fmt.Sprintf("%s_part%d", prefix, part))
		c.SetInputs(partInputs[part])
		c.SetOutputs(partOutputs[part])
		c.Annotations.Origin = origin(n)
		nodes = append(nodes, c)
	}
	return append(nodes, after...)
}

// origin returns the name of the user node n comes from.
func origin(n *graph.Node) string {
	if n.Annotations.Origin != "" {
		return n.Annotations.Origin
	}
	return n.Name()
}
