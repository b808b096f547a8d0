// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layouts decides whether, and how, the memory layout of the operands of a node must be adapted:
// Resolver finds the layouts a node requires and the permutation each operand must undergo, and
// Materializer turns those permutations into transpose nodes around the node.
package layouts

import (
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MinValidatedRank is the minimal rank of an operand whose required layout must be matched by an actual layout.
const MinValidatedRank = 4

// Requirements are the layouts required by a node for each of its inputs and outputs.
// Missing entries are don't-care.
type Requirements struct {
	Inputs, Outputs []perm.Layout
}

// Input returns the required layout of input i.
func (r Requirements) Input(i int) perm.Layout { return layoutAt(r.Inputs, i) }

// Output returns the required layout of output i.
func (r Requirements) Output(i int) perm.Layout { return layoutAt(r.Outputs, i) }

func layoutAt(list []perm.Layout, i int) perm.Layout {
	if i < 0 || i >= len(list) {
		return perm.DontCare()
	}
	return list[i]
}

// Requests are the permutations each operand must undergo. nil entries mean no adaptation.
//
// For inputs, the permutation transposes the actual tensor into the required layout. For outputs, the node
// produces the required layout and the permutation transposes it into the actual layout of the tensor.
type Requests struct {
	Inputs, Outputs []perm.Permutation
}

// IsEmpty returns whether no operand needs adaptation.
func (r Requests) IsEmpty() bool {
	for _, list := range [][]perm.Permutation{r.Inputs, r.Outputs} {
		for _, p := range list {
			if p != nil && !p.IsIdentity() {
				return false
			}
		}
	}
	return true
}

// convLayouts are the fixed layouts of the convolution family, by rank of the operands.
type convLayouts struct {
	activations, weights string
}

var convTable = map[int]convLayouts{
	4: {activations: "NHWC", weights: "RSCK"},
	5: {activations: "NDHWC", weights: "QRSCK"},
}

// Resolver finds the layouts required by nodes.
type Resolver struct {
	registry registry.KernelRegistry
}

// NewResolver creates a Resolver that queries reg for the kernels without a fixed layout.
func NewResolver(reg registry.KernelRegistry) *Resolver {
	return &Resolver{registry: reg}
}

// Resolve returns the layouts required by n: from the fixed table of the convolution family, or otherwise
// from the layouts the registry declares for the kernel of n.
func (r *Resolver) Resolve(n *graph.Node) (Requirements, error) {
	if req, found := fixedRequirements(n); found {
		return req, nil
	}
	if r.registry == nil {
		return Requirements{}, nil
	}
	inputs, outputs, found := r.registry.SupportedLayouts(n.GUID())
	if !found {
		return Requirements{}, nil
	}
	var req Requirements
	var err error
	if req.Inputs, err = perm.ParseLayouts(inputs...); err != nil {
		return Requirements{}, errors.WithMessagef(err, "kernel %q of node %q", n.GUID(), n.Name())
	}
	if req.Outputs, err = perm.ParseLayouts(outputs...); err != nil {
		return Requirements{}, errors.WithMessagef(err, "kernel %q of node %q", n.GUID(), n.Name())
	}
	return req, nil
}

func fixedRequirements(n *graph.Node) (Requirements, bool) {
	x := n.Input(0)
	if x == nil {
		return Requirements{}, false
	}
	table, found := convTable[x.Rank()]
	if !found {
		return Requirements{}, false
	}
	act := perm.MustParseLayout(table.activations)
	w := perm.MustParseLayout(table.weights)
	switch n.Kind() {
	case graph.KindConvolution:
		// x, w, [bias] -> y
		return Requirements{Inputs: []perm.Layout{act, w}, Outputs: []perm.Layout{act}}, true
	case graph.KindDeDx:
		// dy, w -> dx
		return Requirements{Inputs: []perm.Layout{act, w}, Outputs: []perm.Layout{act}}, true
	case graph.KindDeDw:
		// dy, x -> dw
		return Requirements{Inputs: []perm.Layout{act, act}, Outputs: []perm.Layout{w}}, true
	}
	return Requirements{}, false
}

// Validate checks that every operand of rank >= MinValidatedRank with a required layout has an actual
// layout given by the user.
func (r *Resolver) Validate(n *graph.Node) error {
	req, err := r.Resolve(n)
	if err != nil {
		return err
	}
	return validate(n, req)
}

func validate(n *graph.Node, req Requirements) error {
	check := func(kind string, i int, t *graph.Tensor, required, actual perm.Layout) error {
		if t == nil || required.IsDontCare() || t.Rank() < MinValidatedRank {
			return nil
		}
		if actual.IsDontCare() {
			return errors.Errorf("node %q (%s): %s #%d %s requires layout %s but no layout was given",
				n.Name(), n.GUID(), kind, i, t, required)
		}
		return nil
	}
	for i, t := range n.Inputs() {
		if err := check("input", i, t, req.Input(i), n.InputLayout(i)); err != nil {
			return err
		}
	}
	for i, t := range n.Outputs() {
		if err := check("output", i, t, req.Output(i), n.OutputLayout(i)); err != nil {
			return err
		}
	}
	return nil
}

// PermutationRequests resolves and validates the layouts of n and returns the permutation of each operand.
// Restricted operands are never permuted.
func (r *Resolver) PermutationRequests(n *graph.Node) (Requests, error) {
	req, err := r.Resolve(n)
	if err != nil {
		return Requests{}, err
	}
	if err := validate(n, req); err != nil {
		return Requests{}, err
	}
	var requests Requests
	requests.Inputs = make([]perm.Permutation, n.NumInputs())
	for i, t := range n.Inputs() {
		required, actual := req.Input(i), n.InputLayout(i)
		if t == nil || required.IsRestricted() {
			continue
		}
		p, err := actual.PermutationTo(required)
		if err != nil {
			return Requests{}, errors.WithMessagef(err, "node %q (%s) input #%d", n.Name(), n.GUID(), i)
		}
		if err := checkRank(t, p); err != nil {
			return Requests{}, errors.WithMessagef(err, "node %q (%s) input #%d", n.Name(), n.GUID(), i)
		}
		requests.Inputs[i] = p
	}
	requests.Outputs = make([]perm.Permutation, n.NumOutputs())
	for i, t := range n.Outputs() {
		required, actual := req.Output(i), n.OutputLayout(i)
		if t == nil || required.IsRestricted() {
			continue
		}
		p, err := required.PermutationTo(actual)
		if err != nil {
			return Requests{}, errors.WithMessagef(err, "node %q (%s) output #%d", n.Name(), n.GUID(), i)
		}
		if err := checkRank(t, p); err != nil {
			return Requests{}, errors.WithMessagef(err, "node %q (%s) output #%d", n.Name(), n.GUID(), i)
		}
		requests.Outputs[i] = p
	}
	if !requests.IsEmpty() {
		klog.V(2).Infof("layout requests for %q (%s): inputs=%v outputs=%v", n.Name(), n.GUID(),
			requests.Inputs, requests.Outputs)
	}
	return requests, nil
}

func checkRank(t *graph.Tensor, p perm.Permutation) error {
	if p != nil && p.Rank() != t.Rank() {
		return errors.Errorf("layout permutation %s doesn't match rank of %s", p, t)
	}
	return nil
}
