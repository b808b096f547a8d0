// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import (
	"fmt"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/legalize/decompose"
	"github.com/gomlx/legalizer/pkg/legalize/layouts"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// workItem is a node waiting in the worklist of AddNode.
type workItem struct {
	node *graph.Node

	// user nodes were given by the caller of AddNode. Their failures are not internal errors.
	user bool

	// preprocessed user nodes already had their layouts adapted.
	preprocessed bool

	// legalized nodes skip the pipeline and are accepted directly.
	legalized bool
}

// stage is one rule of the pipeline. It either leaves the item to the next rule (returns nil, false, nil),
// possibly after changing it in place, or takes it over (returns true): the returned items are then processed
// instead, and they may include the node itself.
type stage struct {
	name string
	fn   func(e *Engine, item workItem) ([]workItem, bool, error)
}

// pipeline is the fixed order in which the rules are tried on every node.
var pipeline = []stage{
	{"support check", (*Engine).checkSupport},
	{"constant folding", (*Engine).foldConstants},
	{"layout preprocessing", (*Engine).preprocessLayouts},
	{"zero-sized elision", (*Engine).elideZeroSized},
	{"logical deferral", (*Engine).deferLogical},
	{"special operators", (*Engine).specialOperators},
	{"huge tensors", (*Engine).splitHugeTensors},
	{"composite expansion", (*Engine).expandComposite},
	{"complex guid", (*Engine).expandComplexGUID},
	{"engine legalization", (*Engine).legalizeForEngine},
}

// run drains the worklist started with item. Items replacing a node take its place at the front of the
// worklist, so the sequence keeps the order in which the rules emitted the nodes.
func (e *Engine) run(first workItem) error {
	worklist := []workItem{first}
	steps := 0
	for len(worklist) > 0 {
		item := worklist[0]
		worklist = worklist[1:]
		steps++
		e.numSteps++
		if e.config.MaxRewriteSteps > 0 && steps > e.config.MaxRewriteSteps {
			return errors.Wrapf(ErrInternal, "legalization of node %q didn't converge after %d steps, %d nodes pending",
				first.node.Name(), steps-1, len(worklist)+1)
		}
		replacement, err := e.process(item)
		if err != nil {
			if item.user {
				return err
			}
			return withSentinel(ErrInternal, errors.WithMessagef(err, "internal node %q (%s) created while legalizing %q",
				item.node.Name(), item.node.GUID(), first.node.Name()))
		}
		if len(replacement) > 0 {
			worklist = append(replacement, worklist...)
		}
	}
	return nil
}

// process runs item through the pipeline. It returns the items replacing it, or accepts it.
func (e *Engine) process(item workItem) ([]workItem, error) {
	n := item.node
	if n.State() != graph.NodeNew {
		return nil, errors.Wrapf(ErrInternal, "node %q is %s, it can't be legalized again", n.Name(), n.State())
	}
	if !item.legalized {
		for _, s := range pipeline {
			replacement, replaced, err := s.fn(e, item)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s of node %q (%s)", s.name, n.Name(), n.GUID())
			}
			if replaced {
				if n.State() == graph.NodeRemoved {
					e.numRewritten++
					klog.V(1).Infof("%s: node %q (%s) replaced by %d nodes", s.name, n.Name(), n.GUID(), len(replacement))
				}
				return replacement, nil
			}
		}
	}
	e.accept(n)
	return nil, nil
}

// accept adds the legalized node n to the sequence.
func (e *Engine) accept(n *graph.Node) {
	if !n.IsLogical() && n.Engine() == graph.EngineNone {
		// Checked again by Finalize: kept here to report the node that introduced it.
		klog.Errorf("node %q (%s) accepted without an engine", n.Name(), n.Kind())
	}
	e.collector.Accept(n)
	klog.V(2).Infof("accepted %s", n)
}

// internalItems returns the work items of nodes created by a rule.
func internalItems(nodes []*graph.Node) []workItem {
	items := make([]workItem, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		items = append(items, workItem{node: n})
	}
	return items
}

// around returns the items of before, then the item, then after.
func around(before []*graph.Node, item workItem, after []*graph.Node) []workItem {
	items := internalItems(before)
	items = append(items, item)
	return append(items, internalItems(after)...)
}

// replaceWith removes n and returns the items of its replacement nodes.
func (e *Engine) replaceWith(n *graph.Node, title string, nodes []*graph.Node) []workItem {
	n.Remove()
	decompose.DumpNodes(e.g, fmt.Sprintf("%s of %q", title, n.Name()), nodes)
	return internalItems(nodes)
}

// preprocessLayouts adapts the operands of user nodes to the layouts required by the node.
//
// If the user supplied actual layouts, the operands whose layouts differ from the required ones are
// transposed. Otherwise, if operands carry a pending permutation, the node is wrapped by the don't-care
// handler, or its permuted operands are restored to their logical order.
func (e *Engine) preprocessLayouts(item workItem) ([]workItem, bool, error) {
	n := item.node
	if !item.user || item.preprocessed {
		return nil, false, nil
	}
	next := item
	next.preprocessed = true
	if n.HasActualLayouts() {
		requests, err := e.resolver.PermutationRequests(n)
		if err != nil {
			return nil, false, withSentinel(ErrLayout, err)
		}
		result, err := e.materializer.Materialize(n, requests)
		if err != nil {
			return nil, false, withSentinel(ErrLayout, err)
		}
		next.node = result.Node
		return around(result.Before, next, result.After), true, nil
	}
	if n.HasPermutedOperand() {
		if result, ok := e.dontCare.Wrap(n); ok {
			next.node = result.Node
			return around(result.Before, next, result.After), true, nil
		}
		before, after := layouts.PermutedTensorSequences(n)
		return around(before, next, after), true, nil
	}
	return nil, false, nil
}

// foldConstants drops the user nodes whose outputs can be computed at compilation time: their outputs become
// static constant tensors.
func (e *Engine) foldConstants(item workItem) ([]workItem, bool, error) {
	n := item.node
	if !item.user || item.preprocessed {
		return nil, false, nil
	}
	folded, err := e.folder.Fold(n)
	if err != nil || !folded {
		return nil, false, err
	}
	return e.replaceWith(n, "constant folding", nil), true, nil
}

// elideZeroSized drops the nodes with zero-sized operands.
func (e *Engine) elideZeroSized(item workItem) ([]workItem, bool, error) {
	n := item.node
	replacement, elided := decompose.ElideZeroSized(n)
	if !elided {
		return nil, false, nil
	}
	return e.replaceWith(n, "zero-sized elision", replacement), true, nil
}

// deferLogical accepts logical nodes: they are executed by Finalize, once their alias direction is known.
// User strided views are first decoded into simpler logical nodes, when possible.
func (e *Engine) deferLogical(item workItem) ([]workItem, bool, error) {
	n := item.node
	if !n.IsLogical() {
		return nil, false, nil
	}
	if item.user && e.stridedViews.CanHandle(n) {
		nodes, err := e.stridedViews.Extract(n)
		if err != nil {
			return nil, false, withSentinel(ErrDecomposition, err)
		}
		if len(nodes) > 0 {
			return e.replaceWith(n, "strided view decoding", nodes), true, nil
		}
	}
	klog.V(1).Infof("logical node %q (%s) deferred", n.Name(), n.Kind())
	e.accept(n)
	return nil, true, nil
}

// splitHugeTensors decomposes matrix-multiply and data-movement nodes with operands above the dense transfer
// limit of the device.
func (e *Engine) splitHugeTensors(item workItem) ([]workItem, bool, error) {
	n := item.node
	if !e.hugeTensors.CanHandle(n) {
		return nil, false, nil
	}
	nodes, err := e.hugeTensors.Extract(n)
	if err != nil {
		return nil, false, withSentinel(ErrDecomposition, err)
	}
	if len(nodes) == 0 {
		return nil, false, errors.Wrapf(ErrDecomposition, "huge tensors split of %q returned no nodes", n.Name())
	}
	return e.replaceWith(n, "huge tensors split", nodes), true, nil
}

// expandComposite expands the kinds defined as a fixed composition of primitives, and the kinds with a
// decomposer registered with WithExtractor.
func (e *Engine) expandComposite(item workItem) ([]workItem, bool, error) {
	n := item.node
	switch n.Kind() {
	case graph.KindTranspose:
		primitive := layouts.ExpandTranspose(n)
		return e.replaceWith(n, "transpose expansion", []*graph.Node{primitive}), true, nil
	case graph.KindLinear:
		nodes, err := expandLinear(n)
		if err != nil {
			return nil, false, withSentinel(ErrDecomposition, err)
		}
		return e.replaceWith(n, "linear expansion", nodes), true, nil
	}
	for _, extractor := range e.customByKind[n.Kind()] {
		if !extractor.CanHandle(n) {
			continue
		}
		nodes, err := extractor.Extract(n)
		if err != nil {
			return nil, false, withSentinel(ErrDecomposition, err)
		}
		if len(nodes) == 0 {
			continue
		}
		return e.replaceWith(n, fmt.Sprintf("%T extraction", extractor), nodes), true, nil
	}
	return nil, false, nil
}

// expandLinear expands a linear node (x, w, [bias]) -> y into a matrix multiplication followed by the
// activation kernel, if any.
func expandLinear(n *graph.Node) ([]*graph.Node, error) {
	if n.NumInputs() < 2 || n.Input(0) == nil || n.Input(1) == nil || n.Output(0) == nil {
		return nil, errors.Errorf("linear node %q requires inputs x and w, and an output", n.Name())
	}
	g := n.Graph()
	var params graph.LinearParams
	if p, ok := n.Params().(graph.LinearParams); ok {
		params = p
	}
	kind := graph.KindGEMM
	if n.Input(0).Rank() > 2 {
		kind = graph.KindBatchGEMM
	}
	output := n.Output(0)
	gemmOutput := output
	if params.Activation != "" {
		gemmOutput = g.CloneTensor(output, output.Name()+"_pre_activation")
	}
	gemm := g.NewNode(kind, n.Name()+"_gemm", n.Inputs(), []*graph.Tensor{gemmOutput}, graph.GEMMParams{})
	gemm.Annotations.Origin = n.Name()
	nodes := []*graph.Node{gemm}
	if params.Activation != "" {
		guid := graph.GUIDWithDType(params.Activation+"_fwd", output.Shape().DType)
		activation := g.NewTPCNode(guid, n.Name()+"_"+params.Activation,
			[]*graph.Tensor{gemmOutput}, []*graph.Tensor{output}, nil)
		activation.Annotations.Origin = n.Name()
		nodes = append(nodes, activation)
	}
	return nodes, nil
}

// wantsComplexGUID returns whether the composite-operator library will be asked to expand the user node n.
func (e *Engine) wantsComplexGUID(n *graph.Node, user bool) bool {
	if !user || e.complexGUID == nil {
		return false
	}
	switch e.config.ComplexGUID {
	case ComplexGUIDEnabled:
	case ComplexGUIDNonZeroOnly:
		if n.GUID() != nonZeroGUID {
			return false
		}
	default:
		return false
	}
	return e.complexGUID.NeedsExpansion(n)
}

// expandComplexGUID expands user nodes with the composite-operator library. If the library leaves the node
// unchanged, the node continues through the pipeline.
func (e *Engine) expandComplexGUID(item workItem) ([]workItem, bool, error) {
	n := item.node
	if !e.wantsComplexGUID(n, item.user) {
		return nil, false, nil
	}
	nodes, err := e.complexGUID.Expand(n)
	if errors.Is(err, registry.ErrGraphUnchanged) {
		klog.V(1).Infof("complex guid library left node %q (%s) unchanged", n.Name(), n.GUID())
		return nil, false, nil
	}
	if err != nil {
		return nil, false, withSentinel(ErrDecomposition, err)
	}
	if len(nodes) == 0 {
		return nil, false, errors.Wrapf(ErrDecomposition, "complex guid library returned no nodes for %q", n.Name())
	}
	return e.replaceWith(n, "complex guid expansion", nodes), true, nil
}

// legalizeForEngine runs the rules specific to the engine of the node.
func (e *Engine) legalizeForEngine(item workItem) ([]workItem, bool, error) {
	n := item.node
	switch n.Engine() {
	case graph.EngineVector:
		return e.legalizeTPC(item)
	case graph.EngineMatrix:
		return e.legalizeMME(item)
	case graph.EngineDataMovement:
		return nil, false, nil
	}
	return nil, false, errors.Wrapf(ErrInternal, "node %q of kind %s reached engine legalization without an engine",
		n.Name(), n.Kind())
}
