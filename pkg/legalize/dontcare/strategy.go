// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dontcare

import (
	"strings"

	"github.com/pkg/errors"
)

// Strategy of the whole-sequence propagation.
type Strategy int

const (
	// None disables the whole-sequence propagation.
	None Strategy = iota

	// TwoSweep makes a reverse sweep over the sequence, harvesting permutations from consumer transposes,
	// followed by a forward sweep harvesting permutations from producer transposes.
	TwoSweep

	// BFS traverses the undirected adjacency of the sequence, starting from its transposes.
	BFS
)

var strategyNames = []string{"none", "two_sweep", "bfs"}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "unknown"
	}
	return strategyNames[s]
}

// ParseStrategy converts a name ("none", "two_sweep" or "bfs") to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	for i, known := range strategyNames {
		if name == known {
			return Strategy(i), nil
		}
	}
	return None, errors.Errorf("unknown don't-care propagation strategy %q, valid values are %q", name, strategyNames)
}

// MarshalText implements encoding.TextMarshaler, used by configuration files.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by configuration files.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
