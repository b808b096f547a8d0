// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum of the element types understood by the accelerator engines.
//
// The numbering is internal to the compiler and carries no meaning across process boundaries:
// serialized graphs refer to element types by name (see FromName).
type DType int32

const (
	// InvalidDType is the zero value: no element type was set.
	InvalidDType DType = iota

	// Bool is a one byte predicate.
	Bool

	// Int8 to Uint64 are signed and unsigned integral values of fixed width.
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64

	// Float8E5M2 is the 8-bit float with 5 bits of exponent and 2 bits of mantissa.
	Float8E5M2

	// Float8E4M3 is the 8-bit float with 4 bits of exponent and 3 bits of mantissa.
	Float8E4M3

	// Float16 is the IEEE half precision float.
	Float16

	// BFloat16 is the "brain float" with 8 bits of exponent.
	BFloat16

	// Float32 is the IEEE single precision float.
	Float32

	// HBFloat32 is the accelerator's internal single precision float used by the matrix engine accumulators.
	HBFloat32

	numDTypes
)

// Aliases.
const (
	F8E5M2 = Float8E5M2
	F8E4M3 = Float8E4M3
	F16    = Float16
	BF16   = BFloat16
	F32    = Float32
)

var dtypeNames = [numDTypes]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Uint8:        "Uint8",
	Int16:        "Int16",
	Uint16:       "Uint16",
	Int32:        "Int32",
	Uint32:       "Uint32",
	Int64:        "Int64",
	Uint64:       "Uint64",
	Float8E5M2:   "Float8E5M2",
	Float8E4M3:   "Float8E4M3",
	Float16:      "Float16",
	BFloat16:     "BFloat16",
	Float32:      "Float32",
	HBFloat32:    "HBFloat32",
}

// dtypeSuffixes are the names used at the end of kernel signatures, e.g. "relu_fwd_bf16".
var dtypeSuffixes = [numDTypes]string{
	InvalidDType: "",
	Bool:         "i1",
	Int8:         "i8",
	Uint8:        "u8",
	Int16:        "i16",
	Uint16:       "u16",
	Int32:        "i32",
	Uint32:       "u32",
	Int64:        "i64",
	Uint64:       "u64",
	Float8E5M2:   "f8_152",
	Float8E4M3:   "f8_143",
	Float16:      "f16",
	BFloat16:     "bf16",
	Float32:      "f32",
	HBFloat32:    "hf32",
}

var dtypeSizes = [numDTypes]int{
	InvalidDType: 0,
	Bool:         1,
	Int8:         1,
	Uint8:        1,
	Int16:        2,
	Uint16:       2,
	Int32:        4,
	Uint32:       4,
	Int64:        8,
	Uint64:       8,
	Float8E5M2:   1,
	Float8E4M3:   1,
	Float16:      2,
	BFloat16:     2,
	Float32:      4,
	HBFloat32:    4,
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || dtype >= numDTypes {
		return "UnknownDType"
	}
	return dtypeNames[dtype]
}

// All returns all valid dtypes, in enum order.
func All() []DType {
	all := make([]DType, 0, numDTypes-1)
	for dtype := Bool; dtype < numDTypes; dtype++ {
		all = append(all, dtype)
	}
	return all
}
