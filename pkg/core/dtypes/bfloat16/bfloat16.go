// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 implements the bfloat16 type, in the same manner as github.com/x448/float16 does for
// float16.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) is the upper half of an IEEE float32: 8 bits of exponent and 7 bits of
// mantissa. It is the native 16 bits type of the matrix engines.
type BFloat16 uint16

// Float32 returns the exact float32 value of f.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 converts x to a BFloat16, rounding to the nearest value (ties to even). NaN stays NaN.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x {
		// Keep a quiet NaN: rounding could carry into the exponent and give an infinity.
		return BFloat16(bits>>16 | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7fff + lsb
	return BFloat16(bits >> 16)
}

// FromBits converts the raw bits to a BFloat16.
func FromBits(bits uint16) BFloat16 { return BFloat16(bits) }

// Bits returns the raw bits of f.
func (f BFloat16) Bits() uint16 { return uint16(f) }

// String implements fmt.Stringer.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns an infinity with the sign of sign (positive for sign >= 0).
func Inf(sign int) BFloat16 {
	if sign >= 0 {
		return 0x7f80
	}
	return 0xff80
}

// SmallestNonzero is the smallest positive denormal BFloat16.
const SmallestNonzero = BFloat16(0x0001)
