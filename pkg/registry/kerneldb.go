// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/graph"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AuxiliarySpec describes a constant tensor private to a kernel, e.g. a lookup table.
type AuxiliarySpec struct {
	Name       string `toml:"name"`
	DType      string `toml:"dtype"`
	Dimensions []int  `toml:"dimensions"`
}

// KernelSpec describes one kernel (or one family of kernels, one per dtype) in a KernelDB.
type KernelSpec struct {
	// GUID is the full kernel name, or the base name when DTypes is set.
	GUID string `toml:"guid"`

	// DTypes lists the dtype suffixes ("f32", "bf16", ...) for which "<GUID>_<suffix>" kernels exist.
	DTypes []string `toml:"dtypes"`

	// Devices lists the devices ("gen2", "gen3") where the kernel exists. Empty means all.
	Devices []string `toml:"devices"`

	InputLayouts  []string `toml:"input_layouts"`
	OutputLayouts []string `toml:"output_layouts"`

	Reuse           []ReuseBinding  `toml:"reuse"`
	PreClearOutputs []int           `toml:"pre_clear_outputs"`
	Auxiliary       []AuxiliarySpec `toml:"auxiliary"`

	// Shape names a registered shape inference function, see RegisterShapeInference.
	Shape string `toml:"shape"`
}

type kernelEntry struct {
	spec    *KernelSpec
	devices map[graph.DeviceKind]bool
}

// KernelDB is an in-memory KernelRegistry.
//
// It is safe for concurrent use: registration takes a write lock and queries a read lock.
type KernelDB struct {
	mu      sync.RWMutex
	kernels map[string]*kernelEntry
}

var _ KernelRegistry = (*KernelDB)(nil)

// NewKernelDB returns an empty KernelDB.
func NewKernelDB() *KernelDB {
	return &KernelDB{kernels: make(map[string]*kernelEntry)}
}

// Register adds the kernel (or family of kernels) described by spec.
func (db *KernelDB) Register(spec KernelSpec) error {
	if spec.GUID == "" {
		return errors.New("kernel spec without guid")
	}
	entry := &kernelEntry{spec: &spec}
	if len(spec.Devices) > 0 {
		entry.devices = make(map[graph.DeviceKind]bool, len(spec.Devices))
		for _, name := range spec.Devices {
			device, err := graph.ParseDeviceKind(name)
			if err != nil {
				return errors.WithMessagef(err, "kernel %q", spec.GUID)
			}
			entry.devices[device] = true
		}
	}
	if spec.Shape != "" {
		if _, found := lookupShapeInference(spec.Shape); !found {
			return errors.Errorf("kernel %q: unknown shape inference %q", spec.GUID, spec.Shape)
		}
	}
	guids := []string{spec.GUID}
	if len(spec.DTypes) > 0 {
		guids = guids[:0]
		for _, suffix := range spec.DTypes {
			dtype, found := dtypes.FromSuffix(suffix)
			if !found {
				return errors.Errorf("kernel %q: unknown dtype suffix %q", spec.GUID, suffix)
			}
			guids = append(guids, graph.GUIDWithDType(spec.GUID, dtype))
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for _, guid := range guids {
		if _, found := db.kernels[guid]; found {
			klog.V(1).Infof("KernelDB: kernel %q registered again, overriding previous definition", guid)
		}
		db.kernels[guid] = entry
	}
	return nil
}

// MustRegister is like Register, but panics on errors.
func (db *KernelDB) MustRegister(specs ...KernelSpec) *KernelDB {
	for _, spec := range specs {
		if err := db.Register(spec); err != nil {
			panic(err)
		}
	}
	return db
}

// catalog is the format of the kernel catalog files.
type catalog struct {
	Kernels []KernelSpec `toml:"kernel"`
}

// LoadCatalog reads a TOML catalog of kernels, with one [[kernel]] table per KernelSpec, and registers them.
func (db *KernelDB) LoadCatalog(r io.Reader) error {
	var c catalog
	md, err := toml.NewDecoder(r).Decode(&c)
	if err != nil {
		return errors.Wrap(err, "failed to parse kernel catalog")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("kernel catalog has unknown keys %v", undecoded)
	}
	for _, spec := range c.Kernels {
		if err := db.Register(spec); err != nil {
			return err
		}
	}
	klog.V(1).Infof("KernelDB: loaded %d kernel specs from catalog", len(c.Kernels))
	return nil
}

// GUIDs returns the sorted list of registered kernel names.
func (db *KernelDB) GUIDs() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return slices.Sorted(maps.Keys(db.kernels))
}

func (db *KernelDB) lookup(guid string) *kernelEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.kernels[guid]
}

// KernelExists implements KernelRegistry.
func (db *KernelDB) KernelExists(guid string, device graph.DeviceKind) bool {
	entry := db.lookup(guid)
	if entry == nil {
		return false
	}
	return entry.devices == nil || entry.devices[device]
}

// SupportedLayouts implements KernelRegistry.
func (db *KernelDB) SupportedLayouts(guid string) (inputs, outputs []string, found bool) {
	entry := db.lookup(guid)
	if entry == nil || (len(entry.spec.InputLayouts) == 0 && len(entry.spec.OutputLayouts) == 0) {
		return nil, nil, false
	}
	return slices.Clone(entry.spec.InputLayouts), slices.Clone(entry.spec.OutputLayouts), true
}

// ReusableInputBinding implements KernelRegistry.
func (db *KernelDB) ReusableInputBinding(guid string) []ReuseBinding {
	entry := db.lookup(guid)
	if entry == nil {
		return nil
	}
	return slices.Clone(entry.spec.Reuse)
}

// ShapeInference implements KernelRegistry.
func (db *KernelDB) ShapeInference(guid string) (ShapeInferenceFn, bool) {
	entry := db.lookup(guid)
	if entry == nil || entry.spec.Shape == "" {
		return nil, false
	}
	return lookupShapeInference(entry.spec.Shape)
}

// LoadKernel implements KernelRegistry.
func (db *KernelDB) LoadKernel(n *graph.Node) (*Kernel, error) {
	guid := n.GUID()
	g := n.Graph()
	entry := db.lookup(guid)
	if entry == nil || !(entry.devices == nil || entry.devices[g.DeviceKind()]) {
		return nil, errors.Errorf("kernel %q not found for device %s (node %q)", guid, g.DeviceKind(), n.Name())
	}
	spec := entry.spec
	for _, idx := range spec.PreClearOutputs {
		if n.Output(idx) == nil {
			return nil, errors.Errorf("kernel %q requests pre-clear of output #%d, but node %q has no such output",
				guid, idx, n.Name())
		}
	}
	for _, binding := range spec.Reuse {
		if binding.Input < 0 || binding.Input >= n.NumInputs() || binding.Output < 0 || binding.Output >= n.NumOutputs() {
			return nil, errors.Errorf("kernel %q reuse binding %+v out of range for node %q", guid, binding, n.Name())
		}
	}
	kernel := &Kernel{
		GUID:            guid,
		PreClearOutputs: slices.Clone(spec.PreClearOutputs),
		Reuse:           slices.Clone(spec.Reuse),
	}
	for i, aux := range spec.Auxiliary {
		dtype, found := dtypes.FromSuffix(aux.DType)
		if !found {
			var err error
			dtype, err = dtypes.FromName(aux.DType)
			if err != nil {
				return nil, errors.WithMessagef(err, "kernel %q auxiliary tensor #%d", guid, i)
			}
		}
		name := aux.Name
		if name == "" {
			name = fmt.Sprintf("aux%d", i)
		}
		t := g.NewTensor(fmt.Sprintf("%s_%s", n.Name(), name), shapes.Make(dtype, aux.Dimensions...))
		t.Auxiliary = true
		t.Residency = graph.ResidencyStatic
		n.AppendInput(t)
		kernel.Auxiliary = append(kernel.Auxiliary, t)
	}
	return kernel, nil
}
