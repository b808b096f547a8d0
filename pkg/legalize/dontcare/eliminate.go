// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dontcare

import (
	"slices"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"k8s.io/klog/v2"
)

// cancellable returns the permutation of a transpose that can be cancelled with its inverse, or nil.
// Logical transposes realizing the permutation of a user tensor are never cancelled.
func cancellable(n *graph.Node) perm.Permutation {
	if n.State() == graph.NodeRemoved || !n.Kind().IsTransposeLike() || n.IsUserPermutationTranspose() {
		return nil
	}
	params, ok := n.Params().(graph.TransposeParams)
	if !ok {
		return nil
	}
	return params.Permutation
}

// EliminateRedundant replaces every transpose immediately followed by its own inverse with an identity.
//
// The intermediate tensor must have the second transpose as its only consumer and must not be managed by
// the user. It returns the new sequence and the identity nodes created.
func EliminateRedundant(nodes []*graph.Node) (result []*graph.Node, created []*graph.Node) {
	if len(nodes) == 0 {
		return nodes, nil
	}
	s := &sequence{g: nodes[0].Graph(), nodes: slices.Clone(nodes)}
	for changed := true; changed; {
		changed = false
		for _, second := range s.nodes {
			q := cancellable(second)
			if q == nil {
				continue
			}
			middle := second.Input(0)
			first := s.producer(middle)
			if first == nil {
				continue
			}
			p := cancellable(first)
			if p == nil || p.Rank() != q.Rank() || !perm.Compose(q, p).IsIdentity() {
				continue
			}
			if len(s.consumers(middle)) != 1 || !isRemovable(middle) {
				continue
			}
			identity := s.g.NewIdentity("", first.Input(0), second.Output(0))
			klog.V(1).Infof("transposes %q (%s) and %q (%s) cancel out, replaced by %q",
				first.Name(), p, second.Name(), q, identity.Name())
			s.replace(second, nil, identity, nil)
			s.remove(first)
			changed = true
			break
		}
	}
	created = slices.DeleteFunc(s.created, func(n *graph.Node) bool { return n.State() == graph.NodeRemoved })
	return s.nodes, created
}
