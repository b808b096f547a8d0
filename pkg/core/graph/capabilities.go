// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DeviceKind identifies the generation of the accelerator the graph is compiled for.
type DeviceKind int

const (
	DeviceInvalid DeviceKind = iota
	DeviceGen2
	DeviceGen3
)

// String implements fmt.Stringer.
func (d DeviceKind) String() string {
	switch d {
	case DeviceGen2:
		return "gen2"
	case DeviceGen3:
		return "gen3"
	default:
		return "invalid"
	}
}

// ParseDeviceKind converts the name of a device ("gen2", "gen3") to a DeviceKind.
func ParseDeviceKind(name string) (DeviceKind, error) {
	switch name {
	case "gen2":
		return DeviceGen2, nil
	case "gen3":
		return DeviceGen3, nil
	}
	return DeviceInvalid, errors.Errorf("unknown device kind %q, valid values are \"gen2\" and \"gen3\"", name)
}

// HardwareCapabilities describes the limits of the engines of a device, as far as legalization is concerned.
type HardwareCapabilities struct {
	// MaxTensorRank is the maximum rank of an operand of a vector-compute kernel.
	MaxTensorRank int

	// DMAMaxRank is the maximum rank the data-movement engine (and the non-ND vector kernels) handle.
	// Larger ranks require the "_nd" kernel variants.
	DMAMaxRank int

	// MaxVectorOperands is the ceiling on inputs+outputs of one vector-compute node.
	MaxVectorOperands int

	// NumMMEEngines and MMECoresPerEngine give the number of matrix-multiply compute units.
	NumMMEEngines, MMECoresPerEngine int

	// MMETotalOutputSize is the number of output elements all matrix-multiply units produce at once.
	MMETotalOutputSize int64

	// DenseTransferLimit is the maximum size in bytes of a dense operand of the matrix and data-movement engines.
	DenseTransferLimit int64

	// NumDMAEngines available for internal data movement. 0 means data-movement nodes can't be used.
	NumDMAEngines int

	// ConstantKernelBytes is the largest output a constant-filling node writes in one launch. Constant nodes
	// with larger outputs are executed instead of folded into static storage.
	ConstantKernelBytes int64

	// Element types supported by the various primitive kernels.
	VectorMemsetTypes    dtypes.Mask
	VectorMemcpyTypes    dtypes.Mask
	MemcpyNDTypes        dtypes.Mask
	BroadcastTypes       dtypes.Mask
	VectorTransposeTypes dtypes.Mask
	DMATransposeTypes    dtypes.Mask
	MMETransposeTypes    dtypes.Mask
}

// TotalMMECores returns the number of matrix-multiply cores of the device.
func (c *HardwareCapabilities) TotalMMECores() int {
	return c.NumMMEEngines * c.MMECoresPerEngine
}

var (
	vectorTypes = dtypes.MaskOf(dtypes.Int8, dtypes.Uint8, dtypes.Int16, dtypes.Uint16, dtypes.Int32, dtypes.Uint32,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32)
	fp8Types = dtypes.MaskOf(dtypes.Float8E5M2, dtypes.Float8E4M3)
)

// Gen2 returns the capabilities of the second generation device.
func Gen2() *HardwareCapabilities {
	return &HardwareCapabilities{
		MaxTensorRank:        8,
		DMAMaxRank:           5,
		MaxVectorOperands:    15,
		NumMMEEngines:        2,
		MMECoresPerEngine:    1,
		MMETotalOutputSize:   2 * 256 * 256,
		DenseTransferLimit:   1 << 32,
		NumDMAEngines:        2,
		ConstantKernelBytes:  512,
		VectorMemsetTypes:    vectorTypes.Union(fp8Types),
		VectorMemcpyTypes:    vectorTypes.Union(fp8Types),
		MemcpyNDTypes:        vectorTypes.Union(fp8Types),
		BroadcastTypes:       vectorTypes.Union(fp8Types).Union(dtypes.MaskOf(dtypes.Int64, dtypes.Uint64)),
		VectorTransposeTypes: vectorTypes,
		DMATransposeTypes:    dtypes.MaskOf(dtypes.Int8, dtypes.Uint8, dtypes.Int16, dtypes.Uint16, dtypes.Float16, dtypes.BFloat16),
	}
}

// Gen3 returns the capabilities of the third generation device.
// The matrix engines of this generation also execute transposes.
func Gen3() *HardwareCapabilities {
	c := Gen2()
	c.NumMMEEngines = 2
	c.MMECoresPerEngine = 4
	c.MMETotalOutputSize = 8 * 256 * 256
	c.NumDMAEngines = 0
	c.MMETransposeTypes = dtypes.MaskOf(dtypes.Float16, dtypes.BFloat16, dtypes.Float32)
	return c
}

// CapabilitiesFor returns the default capabilities for the device kind.
func CapabilitiesFor(device DeviceKind) (*HardwareCapabilities, error) {
	switch device {
	case DeviceGen2:
		return Gen2(), nil
	case DeviceGen3:
		return Gen3(), nil
	}
	return nil, errors.Errorf("no capabilities known for device %s", device)
}
