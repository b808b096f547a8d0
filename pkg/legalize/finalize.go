// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import (
	"slices"

	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/legalize/dontcare"
	"github.com/gomlx/legalizer/pkg/legalize/logicalops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Finalize runs the passes over the whole legalized sequence, once all user nodes were added:
//
//  1. The don't-care propagation moves transposes across nodes without layout preference, with the strategy
//     of Config.DontCarePropagation.
//  2. Transposes immediately followed by their inverse are replaced by identities.
//  3. The deferred logical nodes are executed, with copies injected where a view isn't possible.
//
// After Finalize only internal nodes can be added. Calling it again is a no-op.
func (e *Engine) Finalize() error {
	if e.finalized {
		return nil
	}
	if e.running {
		return errors.Wrap(ErrInternal, "Finalize called while a node is being legalized")
	}
	e.finalized = true
	numNodes := e.collector.Len()

	propagator := dontcare.NewPropagator(e.registry, e.config.DontCarePropagation)
	sequence, created := propagator.Propagate(e.collector.Nodes())
	sequence, eliminated := dontcare.EliminateRedundant(sequence)
	created = append(created, eliminated...)
	e.collector.SetNodes(slices.DeleteFunc(slices.Clone(sequence), func(n *graph.Node) bool {
		return n.State() == graph.NodeRemoved
	}))
	e.collector.Adopt(created)
	klog.V(1).Infof("whole-sequence passes of %s: %d nodes -> %d nodes (%d created)",
		e.g, numNodes, e.collector.Len(), len(created))

	if err := logicalops.NewScheduler(e.collector, e).Run(); err != nil {
		return withSentinel(ErrInternal, errors.WithMessagef(err, "execution of the logical nodes of %s", e.g))
	}
	return e.validate()
}

// validate checks the invariants of the final sequence: every node is accepted, and every physical node is
// assigned to an engine.
func (e *Engine) validate() error {
	for i, n := range e.collector.Nodes() {
		if n.State() != graph.NodeAccepted {
			return errors.Wrapf(ErrInternal, "node #%d %q (%s) of the final sequence is %s", i, n.Name(), n.Kind(), n.State())
		}
		if !n.IsLogical() && n.Engine() == graph.EngineNone {
			return errors.Wrapf(ErrInternal, "node #%d %q (%s) of the final sequence has no engine", i, n.Name(), n.Kind())
		}
	}
	return nil
}
