// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/legalizer/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// HasValues returns whether element values of the dtype can be encoded and decoded with EncodeValues and
// DecodeValue. The 8 bits floats can't.
func (dtype DType) HasValues() bool {
	return dtype.IsValid() && dtype != Float8E5M2 && dtype != Float8E4M3
}

// EncodeValues returns the little-endian storage of values converted to dtype.
//
// Floats are rounded to the nearest representable value (ties to even). Integers are truncated towards zero
// and wrapped to the width of the dtype: callers wanting clamping must clamp before.
func EncodeValues(dtype DType, values []float64) ([]byte, error) {
	if !dtype.HasValues() {
		return nil, errors.Errorf("values of dtype %s can't be encoded", dtype)
	}
	size := dtype.Size()
	data := make([]byte, size*len(values))
	for i, v := range values {
		b := data[i*size : (i+1)*size]
		switch dtype {
		case Bool:
			if v != 0 {
				b[0] = 1
			}
		case Int8, Uint8:
			b[0] = byte(int64(v))
		case Int16, Uint16:
			binary.LittleEndian.PutUint16(b, uint16(int64(v)))
		case Int32, Uint32:
			binary.LittleEndian.PutUint32(b, uint32(int64(v)))
		case Int64:
			binary.LittleEndian.PutUint64(b, uint64(int64(v)))
		case Uint64:
			binary.LittleEndian.PutUint64(b, uint64(v))
		case Float16:
			binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
		case BFloat16:
			binary.LittleEndian.PutUint16(b, bfloat16.FromFloat32(float32(v)).Bits())
		case Float32, HBFloat32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		}
	}
	return data, nil
}

// DecodeValue returns the value of element i of data, stored as dtype (little-endian).
func DecodeValue(dtype DType, data []byte, i int) (float64, error) {
	if !dtype.HasValues() {
		return 0, errors.Errorf("values of dtype %s can't be decoded", dtype)
	}
	size := dtype.Size()
	if i < 0 || (i+1)*size > len(data) {
		return 0, errors.Errorf("element %d out of range for %d bytes of %s", i, len(data), dtype)
	}
	b := data[i*size : (i+1)*size]
	switch dtype {
	case Bool, Uint8:
		return float64(b[0]), nil
	case Int8:
		return float64(int8(b[0])), nil
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b))), nil
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b)), nil
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b))), nil
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b)), nil
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b))), nil
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b)), nil
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()), nil
	case BFloat16:
		return float64(bfloat16.FromBits(binary.LittleEndian.Uint16(b)).Float32()), nil
	default:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	}
}
