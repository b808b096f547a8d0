// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types supported by the accelerator engines.
//
// Besides sizes and names, it knows how element types are spelled in kernel signatures (see DType.Suffix)
// and provides Mask, a compact set of dtypes used to describe what each engine supports.
package dtypes

import (
	"strings"

	"github.com/pkg/errors"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters don't follow the specifications.
// In principle, it should never happen -- the same way nil-pointer panics should never happen.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

// MapOfNames maps names (the enum names, their lower-case version and kernel suffixes) to the DType.
var MapOfNames = map[string]DType{}

func init() {
	for _, dtype := range All() {
		MapOfNames[dtype.String()] = dtype
		MapOfNames[strings.ToLower(dtype.String())] = dtype
		MapOfNames[dtype.Suffix()] = dtype
	}
	MapOfNames["F32"] = Float32
	MapOfNames["BF16"] = BFloat16
	MapOfNames["F16"] = Float16
}

// FromName returns the DType for the given name, which can be the enum name (case-insensitive) or the
// kernel-signature suffix (e.g. "bf16").
func FromName(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// FromSuffix returns the DType of a kernel-signature suffix, e.g. "f32" -> Float32.
// It returns false if the suffix is not known.
func FromSuffix(suffix string) (DType, bool) {
	for _, dtype := range All() {
		if dtypeSuffixes[dtype] == suffix {
			return dtype, true
		}
	}
	return InvalidDType, false
}

// IsValid returns whether dtype is one of the known dtypes.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && dtype < numDTypes
}

// Size returns the number of bytes of one element of the dtype.
func (dtype DType) Size() int {
	if !dtype.IsValid() {
		panicf("Size() of invalid dtype %d", dtype)
	}
	return dtypeSizes[dtype]
}

// Bits returns the number of bits of one element of the dtype.
func (dtype DType) Bits() int {
	return 8 * dtype.Size()
}

// Suffix returns the name used for the dtype at the end of kernel signatures (e.g.: "relu_fwd_f32").
func (dtype DType) Suffix() string {
	if !dtype.IsValid() {
		panicf("Suffix() of invalid dtype %d", dtype)
	}
	return dtypeSuffixes[dtype]
}

// Is64Bit returns whether the dtype is wider than the native 32 bits machine width of the vector engine.
func (dtype DType) Is64Bit() bool {
	return dtype == Int64 || dtype == Uint64
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	switch dtype {
	case Float8E5M2, Float8E4M3, Float16, BFloat16, Float32, HBFloat32:
		return true
	default:
		return false
	}
}

// IsInt returns whether dtype is an integral type (signed or unsigned).
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int8, Uint8, Int16, Uint16, Int32, Uint32, Int64, Uint64:
		return true
	default:
		return false
	}
}

// Narrowed32 returns the 32 bits type used to reinterpret a 64 bits integer type:
// each 64 bits element becomes two Uint32 elements.
// For any other type it returns the dtype itself.
func (dtype DType) Narrowed32() DType {
	if dtype.Is64Bit() {
		return Uint32
	}
	return dtype
}

// Mask is a set of dtypes represented as a bit mask.
// It is used to describe the element types supported by one engine or kernel.
type Mask uint32

// MaskOf returns the Mask with the given dtypes set.
func MaskOf(dtypes ...DType) Mask {
	var m Mask
	for _, dtype := range dtypes {
		if !dtype.IsValid() {
			panicf("MaskOf(): invalid dtype %d", dtype)
		}
		m |= 1 << uint(dtype)
	}
	return m
}

// Has returns whether dtype is in the mask.
func (m Mask) Has(dtype DType) bool {
	if !dtype.IsValid() {
		return false
	}
	return m&(1<<uint(dtype)) != 0
}

// Union returns the union of both masks.
func (m Mask) Union(other Mask) Mask {
	return m | other
}

// DTypes lists the dtypes in the mask, in enum order.
func (m Mask) DTypes() []DType {
	var list []DType
	for _, dtype := range All() {
		if m.Has(dtype) {
			list = append(list, dtype)
		}
	}
	return list
}

// String implements fmt.Stringer.
func (m Mask) String() string {
	parts := make([]string, 0, len(m.DTypes()))
	for _, dtype := range m.DTypes() {
		parts = append(parts, dtype.Suffix())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
