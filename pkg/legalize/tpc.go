// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import (
	"fmt"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/legalize/decompose"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// legalizeTPC runs the rules of the vector-compute engine: 64 bits copies run on 32 bits words, the kernel is
// loaded, its accumulated outputs are pre-cleared and its in-place bindings applied.
func (e *Engine) legalizeTPC(item workItem) ([]workItem, bool, error) {
	n := item.node
	if e.wideIntegers.CanHandle(n) {
		nodes, err := e.wideIntegers.Extract(n)
		if err != nil {
			return nil, false, withSentinel(ErrDecomposition, err)
		}
		return e.replaceWith(n, "64 bits reinterpretation", nodes), true, nil
	}

	var before, after []*graph.Node
	if n.Kind() == graph.KindTPC {
		if e.registry == nil {
			return nil, false, errors.Wrapf(ErrUnsupported, "no kernel registry to load %q", n.GUID())
		}
		kernel, err := e.registry.LoadKernel(n)
		if err != nil {
			return nil, false, withSentinel(ErrUnsupported, err)
		}
		for _, idx := range kernel.PreClearOutputs {
			clearBefore, clearAfter := decompose.PreClear(n, idx)
			before = append(before, clearBefore...)
			after = append(after, clearAfter...)
		}
		reuseBefore, reuseAfter := e.applyReuse(n, kernel.Reuse)
		before = append(before, reuseBefore...)
		after = append(reuseAfter, after...)
	}

	count := n.NumOperands()
	if count == 0 {
		return nil, false, errors.Errorf("vector-compute node %q has no operands", n.Name())
	}
	if count > e.caps.MaxVectorOperands {
		return nil, false, errors.Wrapf(ErrUnsupported, "node %q has %d operands after loading its kernel, the limit is %d",
			n.Name(), count, e.caps.MaxVectorOperands)
	}
	if len(before)+len(after) > 0 {
		decompose.DumpNodes(e.g, fmt.Sprintf("kernel %q of %q", n.GUID(), n.Name()), append(append(before, n), after...))
	}
	return around(before, workItem{node: n, user: item.user, preprocessed: true, legalized: true}, after), true, nil
}

// applyReuse makes the outputs of n that the kernel may write in place views of their inputs.
//
// An input that is still read after n (it has other consumers), or that is owned by the user, is first copied
// into a private tensor. An output that is already a view, or owned by the user, is written into a private
// tensor, copied back into the output after n.
//
// Only the consumers added so far are known: a consumer of the input added later reads the overwritten values.
// Callers add nodes in execution order, so later consumers of an input reused in place are not expected.
func (e *Engine) applyReuse(n *graph.Node, bindings []registry.ReuseBinding) (before, after []*graph.Node) {
	g := e.g
	for _, binding := range bindings {
		input, output := n.Input(binding.Input), n.Output(binding.Output)
		if input == nil || output == nil || input.RealInLogical {
			continue
		}
		if !input.Shape().Equal(output.Shape()) || output.Reduction.Enabled || input.ShapeOnly || input.Auxiliary {
			continue
		}
		if len(g.Consumers(input)) > 1 || input.UserManaged || input.EnforcedOutput ||
			input.Residency == graph.ResidencyStatic || input.IsAliased() {
			private := g.CloneTensor(input, input.Name()+"_reused")
			before = append(before, g.NewMemcpy("", input, private))
			n.SetInput(binding.Input, private)
			input = private
		}
		input.RealInLogical = true

		if output.IsAliased() || output.UserManaged {
			private := g.CloneTensor(output, output.Name()+"_in_place")
			n.SetOutput(binding.Output, private)
			after = append(after, g.NewMemcpy("", private, output))
			output = private
		}
		output.SetAlias(input, nil)
		klog.V(2).Infof("node %q writes %q in place of %q", n.Name(), output.Name(), input.Name())
	}
	return before, after
}
