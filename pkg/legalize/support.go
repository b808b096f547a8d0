// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import (
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/pkg/errors"
)

// checkSupport fails nodes the incremental legalization can't handle. It never replaces the node.
func (e *Engine) checkSupport(item workItem) ([]workItem, bool, error) {
	if err := e.supported(item.node, item.user); err != nil {
		return nil, false, withSentinel(ErrUnsupported, err)
	}
	if item.user && !item.preprocessed && !item.node.HasActualLayouts() {
		if err := e.resolver.Validate(item.node); err != nil {
			return nil, false, withSentinel(ErrLayout, err)
		}
	}
	return nil, false, nil
}

// supported returns why n can't be legalized, or nil.
func (e *Engine) supported(n *graph.Node, user bool) error {
	kind := n.Kind()
	if kind <= graph.KindInvalid {
		return errors.Errorf("invalid kind %d", kind)
	}
	if kind.IsBlacklisted() {
		return errors.Errorf("operator %s is not supported by the incremental compilation", kind)
	}
	if n.IsDynamic() {
		return errors.New("dynamic shapes are not supported")
	}
	for _, t := range n.Operands() {
		if t.Residency == graph.ResidencyOnChip {
			return errors.Errorf("operand %s is in on-chip memory", t)
		}
	}

	switch kind {
	case graph.KindBroadcast:
		output := n.Output(0)
		if output == nil || n.Input(0) == nil {
			return errors.New("broadcast requires one input and one output")
		}
		if dtype := output.Shape().DType; !e.caps.BroadcastTypes.Has(dtype) {
			return errors.Errorf("broadcast of %s is not supported, supported types are %s", dtype, e.caps.BroadcastTypes)
		}
	case graph.KindMaskedBatchGEMM:
		return errors.New("masked batch gemm is not supported")
	case graph.KindTPC:
		if !e.tpcKernelAvailable(n, user) {
			return errors.Errorf("kernel %q doesn't exist for device %s", n.GUID(), e.g.DeviceKind())
		}
	}

	switch kind.Engine() {
	case graph.EngineVector:
		if count := n.NumOperands(); count > e.caps.MaxVectorOperands {
			return errors.Errorf("%d operands, above the limit of %d operands of a vector-compute node",
				count, e.caps.MaxVectorOperands)
		}
	case graph.EngineMatrix:
		outputs := 0
		for _, t := range n.Outputs() {
			if t != nil {
				outputs++
			}
		}
		if outputs > 1 {
			return errors.Errorf("matrix-multiply node with %d outputs, only one is supported", outputs)
		}
	}
	return nil
}

// tpcKernelAvailable returns whether the kernel of the vector-compute node n can be executed.
//
// 64 bits copies and broadcasts are supported through their 32 bits kernels, and nodes the composite-operator
// library or a WithExtractor decomposer will expand don't need a kernel of their own.
func (e *Engine) tpcKernelAvailable(n *graph.Node, user bool) bool {
	base, dtype, found := graph.SplitGUID(n.GUID())
	if found && dtype.Is64Bit() && (base == graph.GUIDMemcpyND || base == graph.GUIDBroadcastND) {
		return true
	}
	if e.registry != nil && e.registry.KernelExists(n.GUID(), e.g.DeviceKind()) {
		return true
	}
	for _, extractor := range e.customByKind[graph.KindTPC] {
		if extractor.CanHandle(n) {
			return true
		}
	}
	return e.wantsComplexGUID(n, user)
}
