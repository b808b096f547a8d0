// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"strings"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
)

// Well known kernel names, without the dtype suffix.
const (
	GUIDMemcpyND       = "memcpy_nd"
	GUIDBroadcastND    = "broadcast_nd_fwd"
	GUIDCast           = "cast"
	GUIDConstant       = "constant"
	GUIDAdd            = "add_fwd"
	GUIDBatchNormFwd   = "batch_norm_fwd"
	GUIDBatchNormBwd   = "batch_norm_bwd"
	GUIDBatchNormStage = "batch_norm_stage"
)

// SplitGUID separates the dtype suffix of a kernel name: "relu_fwd_bf16" -> ("relu_fwd", BFloat16, true).
// If the name has no known dtype suffix, it returns (guid, InvalidDType, false).
func SplitGUID(guid string) (base string, dtype dtypes.DType, found bool) {
	bestLen := 0
	for _, dt := range dtypes.All() {
		suffix := "_" + dt.Suffix()
		if len(suffix) > bestLen && strings.HasSuffix(guid, suffix) {
			bestLen = len(suffix)
			dtype = dt
		}
	}
	if bestLen == 0 {
		return guid, dtypes.InvalidDType, false
	}
	return guid[:len(guid)-bestLen], dtype, true
}

// GUIDBase returns the kernel name without the dtype suffix.
func GUIDBase(guid string) string {
	base, _, _ := SplitGUID(guid)
	return base
}

// GUIDWithDType returns base + "_" + dtype suffix.
func GUIDWithDType(base string, dtype dtypes.DType) string {
	return base + "_" + dtype.Suffix()
}

// CastGUID returns the kernel name converting from one dtype to another: "cast_f32_to_bf16".
func CastGUID(from, to dtypes.DType) string {
	return GUIDCast + "_" + from.Suffix() + "_to_" + to.Suffix()
}

// ParseCastGUID returns the dtypes of a plain cast kernel name, "cast_<from>_to_<to>". Specialized flavors
// (e.g. "cast_tf_f32_to_i32") are not plain casts.
func ParseCastGUID(guid string) (from, to dtypes.DType, ok bool) {
	rest, found := strings.CutPrefix(guid, GUIDCast+"_")
	if !found {
		return
	}
	fromSuffix, toSuffix, found := strings.Cut(rest, "_to_")
	if !found {
		return
	}
	if from, ok = dtypes.FromSuffix(fromSuffix); !ok {
		return
	}
	to, ok = dtypes.FromSuffix(toSuffix)
	return
}

// IsConstantGUID returns whether guid is a "constant" kernel of some dtype.
func IsConstantGUID(guid string) bool {
	base, _, found := SplitGUID(guid)
	return found && base == GUIDConstant
}
