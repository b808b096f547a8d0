// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/legalizer/pkg/core/perm"
	"github.com/gomlx/legalizer/pkg/core/shapes"
)

// TensorId is the index of a tensor in the arena of its Graph.
type TensorId int32

// NoTensor is used where a TensorId is optional.
const NoTensor TensorId = -1

// Residency is the memory class where a tensor's storage lives.
type Residency int

const (
	// ResidencyDevice is the default device memory.
	ResidencyDevice Residency = iota

	// ResidencyOnChip is the fast on-chip scratch memory: not supported by the incremental compilation mode.
	ResidencyOnChip

	// ResidencyStatic is the storage of constant tensors.
	ResidencyStatic
)

// String implements fmt.Stringer.
func (r Residency) String() string {
	switch r {
	case ResidencyOnChip:
		return "on-chip"
	case ResidencyStatic:
		return "static"
	default:
		return "device"
	}
}

// ReduceOp is the combining operation of a reduction-enabled tensor.
type ReduceOp int

const (
	ReduceAdd ReduceOp = iota
	ReduceMax
	ReduceMin
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	default:
		return "add"
	}
}

// ReductionInfo marks a tensor written by several producers with combining (not overwriting) semantics.
type ReductionInfo struct {
	Enabled bool
	Op      ReduceOp
}

// Tensor is an operand of the graph. Tensors live in the arena of a Graph and are addressed by TensorId.
//
// The shape, permutation and alias relation are only changed through methods, which keep the invariants:
//
//   - A permuted tensor is dense once the permutation is applied.
//   - An aliased tensor has the same number of elements of its alias target (or of the region it views),
//     and alias chains never form a cycle.
type Tensor struct {
	graph *Graph
	id    TensorId
	name  string
	shape shapes.Shape

	// minDims is set for dynamic shapes only: the minimal dimensions of the tensor.
	minDims []int

	// permutation pending on the memory layout of the tensor, nil if none.
	permutation perm.Permutation

	// aliasOf is the tensor whose storage this tensor views, NoTensor if not aliased.
	aliasOf TensorId

	// strides in elements for the view of an aliased tensor, nil if dense.
	strides []int

	// Residency of the storage.
	Residency Residency

	// AllowPermutation marks a tensor whose layout may be permuted by the compiler.
	AllowPermutation bool

	// UserManaged tensors are persistent and externally managed: their storage is given by the user.
	UserManaged bool

	// EnforcedOutput tensors must be materialized even if no node consumes them.
	EnforcedOutput bool

	// ShapeOnly tensors only carry a shape, no data.
	ShapeOnly bool

	// Auxiliary tensors are private to a kernel (e.g. lookup tables).
	Auxiliary bool

	// Reduction is set on tensors accumulated by several producers.
	Reduction ReductionInfo

	// PartOfRMW marks tensors that are part of a read-modify-write section of a kernel.
	PartOfRMW bool

	// RealInLogical marks a tensor reused in place by a kernel: logical operators must not make it a view.
	RealInLogical bool

	// data of static constant tensors, nil otherwise.
	data []byte
}

// Graph owning the tensor.
func (t *Tensor) Graph() *Graph { return t.graph }

// Id of the tensor in its Graph.
func (t *Tensor) Id() TensorId { return t.id }

// Name of the tensor.
func (t *Tensor) Name() string { return t.name }

// Shape of the tensor: it shouldn't be changed.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Bytes returns the dense size of the tensor.
func (t *Tensor) Bytes() int64 { return t.shape.Bytes() }

// SetShape changes the shape of a tensor: only allowed for tensors that are not aliased.
// It resets the strides to dense.
func (t *Tensor) SetShape(shape shapes.Shape) {
	if t.IsAliased() {
		exceptions.Panicf("cannot change shape of aliased tensor %q to %s", t.name, shape)
	}
	t.shape = shape.Clone()
	t.strides = nil
}

// SetMinimalDimensions marks the tensor as dynamically shaped: its actual dimensions at execution time are
// between minDims and the shape dimensions.
func (t *Tensor) SetMinimalDimensions(minDims []int) {
	if len(minDims) != t.Rank() {
		exceptions.Panicf("minimal dimensions %v don't match rank of tensor %q %s", minDims, t.name, t.shape)
	}
	t.minDims = slices.Clone(minDims)
}

// IsDynamic returns whether the tensor has a dynamic shape.
func (t *Tensor) IsDynamic() bool {
	return t.minDims != nil && !slices.Equal(t.minDims, t.shape.Dimensions)
}

// Data returns the contents of a constant tensor, nil if the tensor has no known contents.
func (t *Tensor) Data() []byte { return t.data }

// IsConstant returns whether the contents of the tensor are known at compilation time.
func (t *Tensor) IsConstant() bool { return t.data != nil && t.Residency == ResidencyStatic }

// SetConstant binds the contents of the tensor: it becomes a static constant. data must be the dense
// little-endian storage of the tensor.
func (t *Tensor) SetConstant(data []byte) {
	if int64(len(data)) != t.Bytes() {
		exceptions.Panicf("constant data of %d bytes for tensor %q %s of %d bytes", len(data), t.name, t.shape, t.Bytes())
	}
	if t.IsAliased() {
		exceptions.Panicf("aliased tensor %q can't be bound to constant data", t.name)
	}
	t.data = slices.Clone(data)
	t.Residency = ResidencyStatic
}

// IsZeroSized returns whether the tensor has an axis of dimension 0.
func (t *Tensor) IsZeroSized() bool { return t.shape.IsZeroSized() }

// IsZeroSizedData returns whether the tensor is zero-sized and carries data (it is not shape-only).
func (t *Tensor) IsZeroSizedData() bool { return !t.ShapeOnly && t.IsZeroSized() }

// Permutation returns the pending permutation of the tensor, or nil.
func (t *Tensor) Permutation() perm.Permutation { return t.permutation }

// IsPermuted returns whether the tensor has a non-identity permutation.
func (t *Tensor) IsPermuted() bool {
	return t.permutation != nil && !t.permutation.IsIdentity()
}

// SetPermutation permutes the memory layout of the tensor. The tensor must allow permutations, must not have a
// permutation already and must be dense.
func (t *Tensor) SetPermutation(p perm.Permutation) {
	if t.permutation != nil {
		exceptions.Panicf("tensor %q already has permutation %s", t.name, t.permutation)
	}
	if !t.AllowPermutation {
		exceptions.Panicf("tensor %q doesn't allow permutations", t.name)
	}
	if !t.IsDense() {
		exceptions.Panicf("tensor %q can't be permuted, it has strides %v", t.name, t.strides)
	}
	if p.Rank() != t.Rank() {
		exceptions.Panicf("permutation %s doesn't match rank of tensor %q %s", p, t.name, t.shape)
	}
	t.permutation = p.Clone()
	t.strides = nil
}

// Strides of the tensor in elements. The returned slice is a copy.
func (t *Tensor) Strides() []int {
	if t.strides == nil {
		return t.shape.DenseStrides()
	}
	return slices.Clone(t.strides)
}

// IsDense returns whether the tensor is trivially strided.
func (t *Tensor) IsDense() bool { return t.shape.IsDense(t.strides) }

// AliasOf returns the tensor this one is a view of, or nil.
func (t *Tensor) AliasOf() *Tensor {
	if t.aliasOf == NoTensor {
		return nil
	}
	return t.graph.tensors[t.aliasOf]
}

// IsAliased returns whether the tensor is a view of another tensor.
func (t *Tensor) IsAliased() bool { return t.aliasOf != NoTensor }

// SetAlias makes t a view of target with the given strides (nil for dense).
//
// It panics if the alias would create a cycle, if target belongs to a different graph or if
// t is larger than the real tensor of target.
func (t *Tensor) SetAlias(target *Tensor, strides []int) {
	if target.graph != t.graph {
		exceptions.Panicf("cannot alias tensor %q to tensor %q of a different graph", t.name, target.name)
	}
	if t.IsAliased() {
		exceptions.Panicf("tensor %q is already an alias of %q", t.name, t.AliasOf().name)
	}
	for cur := target; cur != nil; cur = cur.AliasOf() {
		if cur == t {
			exceptions.Panicf("aliasing tensor %q to %q would create a cycle", t.name, target.name)
		}
	}
	if real := target.RealTensor(); t.shape.Size() > real.shape.Size() && t.shape.DType.Size() == real.shape.DType.Size() {
		exceptions.Panicf("tensor %q %s is larger than the real tensor %q %s it would alias",
			t.name, t.shape, real.name, real.shape)
	}
	if strides != nil && len(strides) != t.Rank() {
		exceptions.Panicf("strides %v don't match rank of tensor %q %s", strides, t.name, t.shape)
	}
	t.aliasOf = target.id
	t.strides = slices.Clone(strides)
}

// ClearAlias removes the alias relation: the tensor gets its own dense storage.
func (t *Tensor) ClearAlias() {
	t.aliasOf = NoTensor
	t.strides = nil
}

// RealTensor resolves the alias chain and returns the tensor that owns the storage.
// The chase is bounded by the number of tensors in the graph.
func (t *Tensor) RealTensor() *Tensor {
	cur := t
	for range len(t.graph.tensors) + 1 {
		if cur.aliasOf == NoTensor {
			return cur
		}
		cur = t.graph.tensors[cur.aliasOf]
	}
	exceptions.Panicf("alias chain of tensor %q doesn't terminate", t.name)
	return nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%s", t.name, t.shape)
	if t.IsPermuted() {
		fmt.Fprintf(&sb, " perm=%s", t.permutation)
	}
	if t.IsAliased() {
		fmt.Fprintf(&sb, " alias-of=%s", t.AliasOf().name)
	}
	if t.UserManaged {
		sb.WriteString(" user-managed")
	}
	if t.Residency != ResidencyDevice {
		fmt.Fprintf(&sb, " %s", t.Residency)
	}
	if t.Reduction.Enabled {
		fmt.Fprintf(&sb, " reduce=%s", t.Reduction.Op)
	}
	if t.shape.Ok() && t.shape.Size() > 0 {
		fmt.Fprintf(&sb, " (%s)", humanize.Bytes(uint64(t.Bytes())))
	}
	return sb.String()
}
