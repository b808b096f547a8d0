// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package legalize

import "github.com/pkg/errors"

var (
	// ErrUnsupported is returned when a user node can't be legalized. The caller may fall back to another
	// compilation mode for it.
	ErrUnsupported = errors.New("node not supported by the incremental legalization")

	// ErrLayout is returned when the layouts of a node can't be resolved or validated.
	ErrLayout = errors.New("invalid layout")

	// ErrDecomposition is returned when a node can't be decomposed into supported nodes.
	ErrDecomposition = errors.New("decomposition failed")

	// ErrInternal is returned when a node created by the legalization itself fails: a bug in the compiler.
	ErrInternal = errors.New("internal legalization error")
)

// IsUnsupported returns whether err reports a user node that can't be legalized, as opposed to a
// compiler failure.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported) && !errors.Is(err, ErrInternal)
}

// causeError wraps an error with a sentinel, keeping both reachable by errors.Is.
type causeError struct {
	sentinel error
	err      error
}

func (e *causeError) Error() string { return e.sentinel.Error() + ": " + e.err.Error() }

func (e *causeError) Unwrap() []error { return []error{e.sentinel, e.err} }

// withSentinel returns err marked with the sentinel error, unless it is already.
func withSentinel(sentinel, err error) error {
	if err == nil || errors.Is(err, sentinel) {
		return err
	}
	return &causeError{sentinel: sentinel, err: err}
}
