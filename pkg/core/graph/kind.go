// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "github.com/pkg/errors"

// Engine is the hardware execution unit a node is assigned to.
type Engine int

const (
	// EngineNone is used by logical nodes (executed by re-describing memory) and by nodes not yet physicalized.
	EngineNone Engine = iota
	EngineVector
	EngineMatrix
	EngineDataMovement
)

// String implements fmt.Stringer.
func (e Engine) String() string {
	switch e {
	case EngineVector:
		return "TPC"
	case EngineMatrix:
		return "MME"
	case EngineDataMovement:
		return "DMA"
	default:
		return "none"
	}
}

// Kind is the operator kind of a node: a closed enumeration, with the static properties of each kind
// kept in a table (see the Kind methods).
type Kind int

const (
	KindInvalid Kind = iota

	// Vector-compute primitives. KindTPC is a generic kernel identified by its GUID.
	KindTPC
	KindTPCMemset
	KindTPCMemcpy
	KindTPCTranspose

	// Matrix-multiply primitives.
	KindGEMM
	KindBatchGEMM
	KindMaskedBatchGEMM
	KindConvolution
	KindDeDx
	KindDeDw
	KindMMETranspose

	// Data-movement primitives.
	KindDMAMemset
	KindDMAMemcpy
	KindDMATranspose

	// Logical operators: they only re-describe an existing tensor.
	KindReshape
	KindExpandDims
	KindSqueeze
	KindIdentity
	KindLogicalTranspose
	KindSlice
	KindSplit
	KindConcat
	KindReduction
	KindReinterpret
	KindStridedView

	// Operators that must be physicalized into one of the engine primitives.
	KindMemset
	KindMemcpy
	KindBroadcast

	// Composite operators, expanded into a fixed composition of primitives.
	KindTranspose
	KindLinear

	// Operators not supported by the incremental compilation mode.
	KindFusedBatchNormGrad
	KindMoments

	numKinds
)

// AliasDirection of a logical operator.
//
// In the forward direction the outputs are views (aliases) of the single input, which is the "real" tensor.
// In the backward direction the inputs are views of the single output, which is the "real" tensor.
type AliasDirection int

const (
	AliasForward AliasDirection = iota
	AliasBackward
)

// String implements fmt.Stringer.
func (d AliasDirection) String() string {
	if d == AliasBackward {
		return "backward"
	}
	return "forward"
}

type kindTraits struct {
	name   string
	engine Engine

	logical   bool
	direction AliasDirection
	swappable bool

	// multiNode kinds are a fixed composition of primitives.
	multiNode bool

	// layoutAgnostic kinds have no intrinsic axis order preference, they can be wrapped by a permutation.
	layoutAgnostic bool

	// axisKeyed kinds have an axis parameter that must be remapped when operands are permuted.
	axisKeyed bool

	// stridedOutput kinds can write into a strided (non-dense) view of a tensor.
	stridedOutput bool

	physicalTranspose bool
	blacklisted       bool
}

var kindsTable = [numKinds]kindTraits{
	KindInvalid: {name: "invalid"},

	KindTPC:          {name: "tpc", engine: EngineVector, layoutAgnostic: true, stridedOutput: true},
	KindTPCMemset:    {name: "tpc_memset", engine: EngineVector, stridedOutput: true},
	KindTPCMemcpy:    {name: "tpc_memcpy", engine: EngineVector, layoutAgnostic: true, stridedOutput: true},
	KindTPCTranspose: {name: "tpc_transpose", engine: EngineVector, stridedOutput: true, physicalTranspose: true},

	KindGEMM:            {name: "gemm", engine: EngineMatrix},
	KindBatchGEMM:       {name: "batch_gemm", engine: EngineMatrix},
	KindMaskedBatchGEMM: {name: "masked_batch_gemm", engine: EngineMatrix},
	KindConvolution:     {name: "convolution", engine: EngineMatrix},
	KindDeDx:            {name: "dedx", engine: EngineMatrix},
	KindDeDw:            {name: "dedw", engine: EngineMatrix},
	KindMMETranspose:    {name: "mme_transpose", engine: EngineMatrix, physicalTranspose: true},

	KindDMAMemset:    {name: "dma_memset", engine: EngineDataMovement, stridedOutput: true},
	KindDMAMemcpy:    {name: "dma_memcpy", engine: EngineDataMovement, layoutAgnostic: true, stridedOutput: true},
	KindDMATranspose: {name: "dma_transpose", engine: EngineDataMovement, stridedOutput: true, physicalTranspose: true},

	KindReshape:          {name: "reshape", logical: true, swappable: true},
	KindExpandDims:       {name: "expand_dims", logical: true, swappable: true},
	KindSqueeze:          {name: "squeeze", logical: true, swappable: true},
	KindIdentity:         {name: "identity", logical: true, swappable: true, layoutAgnostic: true},
	KindLogicalTranspose: {name: "logical_transpose", logical: true, swappable: true},
	KindSlice:            {name: "slice", logical: true},
	KindSplit:            {name: "split", logical: true, layoutAgnostic: true, axisKeyed: true},
	KindConcat:           {name: "concat", logical: true, direction: AliasBackward, layoutAgnostic: true, axisKeyed: true},
	KindReduction:        {name: "reduction", logical: true, direction: AliasBackward, layoutAgnostic: true},
	KindReinterpret:      {name: "reinterpret", logical: true, swappable: true},
	KindStridedView:      {name: "strided_view", logical: true},

	KindMemset:    {name: "memset"},
	KindMemcpy:    {name: "memcpy", layoutAgnostic: true},
	KindBroadcast: {name: "broadcast"},

	KindTranspose: {name: "transpose", multiNode: true},
	KindLinear:    {name: "linear", multiNode: true},

	KindFusedBatchNormGrad: {name: "fused_batch_norm_grad", blacklisted: true},
	KindMoments:            {name: "moments", blacklisted: true},
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, numKinds)
	for k := KindInvalid + 1; k < numKinds; k++ {
		m[kindsTable[k].name] = k
	}
	return m
}()

// ParseKind returns the Kind for the given name (as returned by Kind.String).
func ParseKind(name string) (Kind, error) {
	if k, found := kindByName[name]; found {
		return k, nil
	}
	return KindInvalid, errors.Errorf("unknown operator kind %q", name)
}

func (k Kind) traits() *kindTraits {
	if k < 0 || k >= numKinds {
		return &kindsTable[KindInvalid]
	}
	return &kindsTable[k]
}

// String implements fmt.Stringer.
func (k Kind) String() string { return k.traits().name }

// Engine the kind executes on, or EngineNone for logical and not yet physicalized kinds.
func (k Kind) Engine() Engine { return k.traits().engine }

// IsLogical returns whether the kind only re-describes existing tensors.
func (k Kind) IsLogical() bool { return k.traits().logical }

// DefaultAliasDirection of a logical kind.
func (k Kind) DefaultAliasDirection() AliasDirection { return k.traits().direction }

// CanSwapAliasDirection returns whether a logical kind may run in either direction.
func (k Kind) CanSwapAliasDirection() bool { return k.traits().swappable }

// IsMultiNode returns whether the kind is a fixed composition of primitives.
func (k Kind) IsMultiNode() bool { return k.traits().multiNode }

// IsLayoutAgnostic returns whether the kind has no intrinsic axis order preference.
func (k Kind) IsLayoutAgnostic() bool { return k.traits().layoutAgnostic }

// IsAxisKeyed returns whether the kind has an axis parameter (see AxisParams).
func (k Kind) IsAxisKeyed() bool { return k.traits().axisKeyed }

// HandlesStridedOutput returns whether nodes of this kind can write a strided view.
func (k Kind) HandlesStridedOutput() bool { return k.traits().stridedOutput }

// IsPhysicalTranspose returns whether the kind moves data to transpose it.
func (k Kind) IsPhysicalTranspose() bool { return k.traits().physicalTranspose }

// IsBlacklisted returns whether the kind is not supported in the incremental compilation mode.
func (k Kind) IsBlacklisted() bool { return k.traits().blacklisted }

// IsTransposeLike returns whether the kind transposes its input, physically or logically.
func (k Kind) IsTransposeLike() bool {
	return k.IsPhysicalTranspose() || k == KindLogicalTranspose || k == KindTranspose
}
