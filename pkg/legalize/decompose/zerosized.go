// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decompose

import (
	"slices"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"k8s.io/klog/v2"
)

// hasZeroSizedData returns whether any data operand of n has no elements.
func hasZeroSizedData(n *graph.Node) bool {
	return slices.ContainsFunc(n.Operands(), (*graph.Tensor).IsZeroSizedData)
}

// ElideZeroSized removes the zero-sized operands of n. If n has none, it returns (nil, false).
//
// Otherwise n is dropped, and the returned nodes (possibly none) replace it:
//
//   - A concat keeps its non zero-sized inputs. With a single one left, the output becomes a view of it.
//   - Any other node can't produce meaningful data: its outputs with elements are cleared to zero.
func ElideZeroSized(n *graph.Node) (replacement []*graph.Node, elided bool) {
	if !hasZeroSizedData(n) {
		return nil, false
	}
	g := n.Graph()
	if n.Kind() == graph.KindConcat && !n.Output(0).IsZeroSized() {
		var inputs []*graph.Tensor
		for _, t := range n.Inputs() {
			if t != nil && !t.IsZeroSizedData() {
				inputs = append(inputs, t)
			}
		}
		switch len(inputs) {
		case 0:
			// Only shape-only inputs left: clear below.
		case 1:
			klog.V(1).Infof("concat %q has a single non zero-sized input %s", n.Name(), inputs[0])
			return connectZeroSized(inputs[0], n.Output(0)), true
		default:
			concat := g.CopyNode(n, n.Name())
			concat.SetInputs(inputs)
			klog.V(1).Infof("concat %q: %d zero-sized inputs removed", n.Name(), n.NumInputs()-len(inputs))
			return []*graph.Node{concat}, true
		}
	}

	for _, t := range n.Outputs() {
		if t == nil || t.ShapeOnly || t.IsZeroSized() {
			continue
		}
		replacement = append(replacement, g.NewMemset("", t))
	}
	klog.V(1).Infof("node %q (%s) with zero-sized operands removed, %d outputs cleared",
		n.Name(), n.Kind(), len(replacement))
	return replacement, true
}

// connectZeroSized makes output hold the contents of sub, the only meaningful operand of a removed node.
//
// The output becomes a view of sub. An output that is already a view of some other tensor, or whose storage is
// given by the user, is copied into with an identity instead.
func connectZeroSized(sub, output *graph.Tensor) []*graph.Node {
	if output.IsAliased() && output.RealTensor() == sub.RealTensor() {
		return nil
	}
	if output.IsAliased() || output.UserManaged {
		return []*graph.Node{output.Graph().NewIdentity("", sub, output)}
	}
	output.SetAlias(sub, nil)
	klog.V(2).Infof("%s aliased to %s", output, sub)
	return nil
}
