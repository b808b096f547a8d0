// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/legalizer/pkg/legalize/dontcare"
	"github.com/pkg/errors"
)

// ConfigEnvVar is the environment variable with the configuration used by ConfigFromEnv, in the format
// accepted by ParseConfig.
const ConfigEnvVar = "LEGALIZER_CONFIG"

// ComplexGUIDMode selects which user nodes are expanded by the composite-operator library.
type ComplexGUIDMode int

const (
	ComplexGUIDDisabled ComplexGUIDMode = iota

	// ComplexGUIDEnabled expands every node the library asks for.
	ComplexGUIDEnabled

	// ComplexGUIDNonZeroOnly only expands the "non_zero_v2_i8" kernel.
	ComplexGUIDNonZeroOnly
)

// nonZeroGUID is the only kernel expanded in the ComplexGUIDNonZeroOnly mode.
const nonZeroGUID = "non_zero_v2_i8"

var complexGUIDNames = []string{"disabled", "enabled", "non_zero_only"}

// String implements fmt.Stringer.
func (m ComplexGUIDMode) String() string {
	if m < 0 || int(m) >= len(complexGUIDNames) {
		return "ComplexGUIDMode(" + strconv.Itoa(int(m)) + ")"
	}
	return complexGUIDNames[m]
}

// MarshalText implements encoding.TextMarshaler.
func (m ComplexGUIDMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ComplexGUIDMode) UnmarshalText(text []byte) error {
	name := strings.ReplaceAll(strings.ToLower(string(text)), "-", "_")
	for i, known := range complexGUIDNames {
		if name == known {
			*m = ComplexGUIDMode(i)
			return nil
		}
	}
	// Numeric values, as in the original configuration knob.
	if value, err := strconv.Atoi(name); err == nil && value >= 0 && value < len(complexGUIDNames) {
		*m = ComplexGUIDMode(value)
		return nil
	}
	return errors.Errorf("unknown complex guid mode %q, valid values are %q", string(text), complexGUIDNames)
}

// Config holds the options of the legalization. The zero value disables every optional rewrite; use
// DefaultConfig for the defaults.
type Config struct {
	// NodeDisplacementOptimizations enables the optional rewrites of the special-operator table
	// (e.g. BatchNormSplit).
	NodeDisplacementOptimizations bool `toml:"node_displacement_optimizations"`
	BatchNormSplit                bool `toml:"batch_norm_split"`

	// ArchOptimizations enables the device-specific rewrites: BatchConcurrency, MMEConcurrency, ConvPacking,
	// and the folding of constant (ConstantFolding) and cast (CastFolding) nodes into static tensors.
	ArchOptimizations bool `toml:"arch_optimizations"`
	BatchConcurrency  bool `toml:"batch_concurrency"`
	MMEConcurrency    bool `toml:"mme_concurrency"`
	ConvPacking       bool `toml:"conv_packing"`
	ConstantFolding   bool `toml:"constant_folding"`
	CastFolding       bool `toml:"cast_folding"`

	ComplexGUID ComplexGUIDMode `toml:"complex_guid"`

	// DontCarePropagation is the strategy of the whole-sequence layout propagation run by Finalize.
	DontCarePropagation dontcare.Strategy `toml:"dont_care_propagation"`

	// ReuseAdaptations lets transposes of an input be shared by the nodes requesting the same permutation.
	ReuseAdaptations bool `toml:"reuse_adaptations"`

	// AllowPermutationOnUserTranspose lets the layout adaptation permute user tensors that allow it,
	// instead of copying them.
	AllowPermutationOnUserTranspose bool `toml:"allow_permutation_on_user_transpose"`

	// MaxRewriteSteps bounds the number of nodes processed by one AddNode call.
	MaxRewriteSteps int `toml:"max_rewrite_steps"`

	// DebugBudgetBytes is the size of node dumps logged (at verbosity 3) per graph.
	DebugBudgetBytes int64 `toml:"debug_budget_bytes"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		NodeDisplacementOptimizations:   true,
		BatchNormSplit:                  true,
		ArchOptimizations:               true,
		BatchConcurrency:                true,
		MMEConcurrency:                  true,
		ConvPacking:                     true,
		ConstantFolding:                 true,
		CastFolding:                     true,
		ComplexGUID:                     ComplexGUIDEnabled,
		DontCarePropagation:             dontcare.TwoSweep,
		AllowPermutationOnUserTranspose: true,
		MaxRewriteSteps:                 100_000,
		DebugBudgetBytes:                1 << 20,
	}
}

type configSetter func(c *Config, value string) error

func boolSetter(field func(c *Config) *bool) configSetter {
	return func(c *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

var configSetters = map[string]configSetter{
	"node_displacement_optimizations": boolSetter(func(c *Config) *bool { return &c.NodeDisplacementOptimizations }),
	"batch_norm_split":                boolSetter(func(c *Config) *bool { return &c.BatchNormSplit }),
	"arch_optimizations":              boolSetter(func(c *Config) *bool { return &c.ArchOptimizations }),
	"batch_concurrency":               boolSetter(func(c *Config) *bool { return &c.BatchConcurrency }),
	"mme_concurrency":                 boolSetter(func(c *Config) *bool { return &c.MMEConcurrency }),
	"conv_packing":                    boolSetter(func(c *Config) *bool { return &c.ConvPacking }),
	"constant_folding":                boolSetter(func(c *Config) *bool { return &c.ConstantFolding }),
	"cast_folding":                    boolSetter(func(c *Config) *bool { return &c.CastFolding }),
	"reuse_adaptations":               boolSetter(func(c *Config) *bool { return &c.ReuseAdaptations }),
	"allow_permutation_on_user_transpose": boolSetter(func(c *Config) *bool {
		return &c.AllowPermutationOnUserTranspose
	}),
	"complex_guid": func(c *Config, value string) error {
		return c.ComplexGUID.UnmarshalText([]byte(value))
	},
	"dont_care_propagation": func(c *Config, value string) error {
		return c.DontCarePropagation.UnmarshalText([]byte(value))
	},
	"max_rewrite_steps": func(c *Config, value string) (err error) {
		c.MaxRewriteSteps, err = strconv.Atoi(value)
		return
	},
	"debug_budget_bytes": func(c *Config, value string) error {
		bytes, err := humanize.ParseBytes(value)
		if err != nil {
			return err
		}
		c.DebugBudgetBytes = int64(bytes)
		return nil
	},
}

// ParseConfig returns DefaultConfig changed by the comma-separated options in config.
//
// Each option is "key=value", or the name of a boolean key to set it, or "!key" to clear it. E.g.:
// "conv_packing,!batch_norm_split,dont_care_propagation=bfs,debug_budget_bytes=64KiB".
func ParseConfig(config string) (Config, error) {
	c := DefaultConfig()
	if err := c.Apply(config); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Apply changes the configuration with the options in config, see ParseConfig.
func (c *Config) Apply(config string) error {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			value = "true"
			if strings.HasPrefix(key, "!") {
				key, value = key[1:], "false"
			}
		}
		key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
		setter, ok := configSetters[key]
		if !ok {
			return errors.Errorf("unknown legalization configuration option %q", key)
		}
		if err := setter(c, strings.TrimSpace(value)); err != nil {
			return errors.WithMessagef(err, "legalization configuration option %q", part)
		}
	}
	return nil
}

// ConfigFromEnv returns the configuration in the environment variable LEGALIZER_CONFIG (see ParseConfig),
// or DefaultConfig if it is not set.
func ConfigFromEnv() (Config, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if !found {
		return DefaultConfig(), nil
	}
	c, err := ParseConfig(config)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "environment variable %s", ConfigEnvVar)
	}
	return c, nil
}

// LoadConfigFile returns DefaultConfig changed by the values in the TOML file at path.
// Unknown keys are reported as errors.
func LoadConfigFile(path string) (Config, error) {
	c := DefaultConfig()
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to load legalization configuration from %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown keys %v in legalization configuration %q", undecoded, path)
	}
	return c, nil
}
