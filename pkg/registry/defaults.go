// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package registry

import (
	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
)

func suffixes(mask dtypes.Mask) []string {
	var list []string
	for _, dtype := range mask.DTypes() {
		list = append(list, dtype.Suffix())
	}
	return list
}

// NewDefaultKernelDB returns a KernelDB with the kernels the legalization itself generates (ND copies,
// broadcasts, casts, additions and batch normalization stages) plus a few common element-wise kernels.
func NewDefaultKernelDB(caps *graph.HardwareCapabilities) *KernelDB {
	floats := dtypes.MaskOf(dtypes.Float16, dtypes.BFloat16, dtypes.Float32)
	numbers := floats.Union(dtypes.MaskOf(dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Uint8, dtypes.Uint16, dtypes.Uint32))
	broadcastTypes := dtypes.MaskOf()
	for _, dtype := range caps.BroadcastTypes.DTypes() {
		if !dtype.Is64Bit() {
			broadcastTypes = broadcastTypes.Union(dtypes.MaskOf(dtype))
		}
	}
	// Element-wise kernels work on any memory layout.
	unary := []string{"*"}
	binary := []string{"*", "*"}
	db := NewKernelDB()
	db.MustRegister(
		KernelSpec{GUID: graph.GUIDMemcpyND, DTypes: suffixes(caps.MemcpyNDTypes), Shape: "unary",
			InputLayouts: unary, OutputLayouts: unary},
		KernelSpec{GUID: graph.GUIDBroadcastND, DTypes: suffixes(broadcastTypes)},
		KernelSpec{GUID: graph.GUIDAdd, DTypes: suffixes(numbers), Shape: "binary",
			InputLayouts: binary, OutputLayouts: unary, Reuse: []ReuseBinding{{Output: 0, Input: 0}}},
		KernelSpec{GUID: "mult_fwd", DTypes: suffixes(numbers), Shape: "binary",
			InputLayouts: binary, OutputLayouts: unary},
		KernelSpec{GUID: "div_fwd", DTypes: suffixes(floats), Shape: "binary",
			InputLayouts: binary, OutputLayouts: unary},
		KernelSpec{GUID: "relu_fwd", DTypes: suffixes(floats), Shape: "unary",
			InputLayouts: unary, OutputLayouts: unary, Reuse: []ReuseBinding{{Output: 0, Input: 0}}},
		KernelSpec{GUID: "relu_bwd", DTypes: suffixes(floats), Shape: "binary",
			InputLayouts: binary, OutputLayouts: unary},
		KernelSpec{GUID: "gelu_fwd", DTypes: suffixes(floats), Shape: "unary",
			InputLayouts: unary, OutputLayouts: unary},
		KernelSpec{GUID: "exp_fwd", DTypes: suffixes(floats), Shape: "unary",
			Auxiliary: []AuxiliarySpec{{Name: "lut", DType: "f32", Dimensions: []int{256}}}},
		KernelSpec{GUID: "reduce_sum_fwd", DTypes: suffixes(floats), PreClearOutputs: []int{0}},
		KernelSpec{GUID: "conv_weight_packing_fwd", DTypes: suffixes(floats)},
	)
	for _, stage := range []string{"stage1", "stage2"} {
		for _, base := range []string{graph.GUIDBatchNormFwd, graph.GUIDBatchNormBwd} {
			db.MustRegister(KernelSpec{
				GUID:   base + "_" + stage,
				DTypes: []string{"bf16", "f32"},
			})
		}
	}
	db.MustRegister(KernelSpec{GUID: graph.GUIDBatchNormFwd, DTypes: []string{"bf16", "f32"}})
	db.MustRegister(KernelSpec{GUID: graph.GUIDBatchNormBwd, DTypes: []string{"bf16", "f32"}})

	for _, dtype := range numbers.DTypes() {
		db.MustRegister(KernelSpec{GUID: graph.GUIDWithDType(graph.GUIDConstant, dtype)})
	}

	castTypes := floats.Union(dtypes.MaskOf(dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Uint8, dtypes.HBFloat32,
		dtypes.Float8E4M3, dtypes.Float8E5M2))
	for _, from := range castTypes.DTypes() {
		for _, to := range castTypes.DTypes() {
			if from != to {
				db.MustRegister(KernelSpec{GUID: graph.CastGUID(from, to)})
			}
		}
	}
	return db
}
