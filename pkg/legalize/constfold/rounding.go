// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package constfold

import (
	"math"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/x448/float16"
)

// halfFormat converts between float32 and the bits of a 16 bits float format.
type halfFormat struct {
	fromFloat32 func(x float32) uint16
	toFloat32   func(bits uint16) float32
}

var halfFormats = map[dtypes.DType]halfFormat{
	dtypes.Float16: {
		fromFloat32: func(x float32) uint16 { return float16.Fromfloat32(x).Bits() },
		toFloat32:   func(bits uint16) float32 { return float16.Frombits(bits).Float32() },
	},
	dtypes.BFloat16: {
		fromFloat32: func(x float32) uint16 { return bfloat16.FromFloat32(x).Bits() },
		toFloat32:   func(bits uint16) float32 { return bfloat16.FromBits(bits).Float32() },
	},
}

const halfSignBit = 0x8000

// nextUp returns the bits of the next value towards +Inf. Both 16 bits formats are sign-magnitude encoded.
func nextUp(bits uint16) uint16 {
	switch {
	case bits == halfSignBit:
		return 1
	case bits&halfSignBit != 0:
		return bits - 1
	default:
		return bits + 1
	}
}

// nextDown returns the bits of the next value towards -Inf.
func nextDown(bits uint16) uint16 {
	switch {
	case bits == 0:
		return halfSignBit | 1
	case bits&halfSignBit != 0:
		return bits + 1
	default:
		return bits - 1
	}
}

// roundHalf converts x to the 16 bits float format with the rounding mode, and returns the converted value.
func roundHalf(format halfFormat, x float32, mode graph.RoundMode) float32 {
	bits := format.fromFloat32(x)
	nearest := format.toFloat32(bits)
	if nearest == x || x != x || math.IsInf(float64(nearest), 0) && math.IsInf(float64(x), 0) {
		return nearest
	}
	switch mode {
	case graph.RoundDown:
		if nearest > x {
			bits = nextDown(bits)
		}
	case graph.RoundUp:
		if nearest < x {
			bits = nextUp(bits)
		}
	case graph.RoundTowardZero:
		if math.Abs(float64(nearest)) > math.Abs(float64(x)) {
			if x > 0 {
				bits = nextDown(bits)
			} else {
				bits = nextUp(bits)
			}
		}
	case graph.RoundHalfAwayFromZero:
		// Differs from ties to even on ties only, when the even neighbor is the one closer to zero.
		if math.Abs(float64(nearest)) < math.Abs(float64(x)) {
			other := nextUp(bits)
			if x < 0 {
				other = nextDown(bits)
			}
			otherValue := format.toFloat32(other)
			if float64(otherValue)-float64(x) == float64(x)-float64(nearest) ||
				float64(x)-float64(otherValue) == float64(nearest)-float64(x) {
				bits = other
			}
		}
	}
	return format.toFloat32(bits)
}

// roundToIntegral rounds x to an integral value with the rounding mode.
func roundToIntegral(x float64, mode graph.RoundMode) float64 {
	switch mode {
	case graph.RoundHalfAwayFromZero:
		return math.Round(x)
	case graph.RoundDown:
		return math.Floor(x)
	case graph.RoundUp:
		return math.Ceil(x)
	case graph.RoundTowardZero:
		return math.Trunc(x)
	default:
		return math.RoundToEven(x)
	}
}

// intRange returns the range of values of the integer dtype.
func intRange(dtype dtypes.DType) (lo, hi float64) {
	bits := dtype.Bits()
	if isUnsigned(dtype) {
		return 0, math.Exp2(float64(bits)) - 1
	}
	return -math.Exp2(float64(bits - 1)), math.Exp2(float64(bits-1)) - 1
}

// clampToInt rounds x with the rounding mode and clamps it to the range of the integer dtype.
// NaN converts to 0.
func clampToInt(x float64, dtype dtypes.DType, mode graph.RoundMode) float64 {
	if math.IsNaN(x) {
		return 0
	}
	lo, hi := intRange(dtype)
	return max(lo, min(hi, roundToIntegral(x, mode)))
}

func isUnsigned(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}
