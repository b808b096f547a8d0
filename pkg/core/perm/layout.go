// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perm

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	// DontCareMarker is used by kernels to pad layouts, and an all-marker layout means "don't-care".
	DontCareMarker = '*'

	// RestrictedMarker at the start of a layout marks the operand as "restricted": it has no known valid
	// permutation, and it must not be permuted.
	RestrictedMarker = '#'
)

// Layout names the order of the axes of an operand, from the outermost to the innermost axis.
//
// The zero value is the "don't-care" layout: any axis order is acceptable.
type Layout struct {
	axes       string
	restricted bool
}

// DontCare returns the don't-care layout. Same as Layout{}.
func DontCare() Layout { return Layout{} }

// Restricted returns a don't-care layout marked as restricted.
func Restricted() Layout { return Layout{restricted: true} }

// ParseLayout normalizes a layout description:
//
//   - DontCareMarker characters are dropped: "NHWC*" is the same as "NHWC", and "*****" is don't-care.
//   - A layout shorter than two characters (e.g. "", "C" or a lone "#") is don't-care.
//   - Otherwise a leading RestrictedMarker returns the Restricted layout.
//   - A layout with fewer than two distinct axes (e.g. "AAAA") carries no ordering information and is
//     don't-care.
//
// Layouts with repeated axes are otherwise invalid.
func ParseLayout(description string) (Layout, error) {
	axes := strings.Map(func(r rune) rune {
		if r == DontCareMarker {
			return -1
		}
		return r
	}, description)
	if len(axes) < 2 {
		return DontCare(), nil
	}
	if axes[0] == RestrictedMarker {
		return Restricted(), nil
	}
	distinct := make(map[rune]bool, len(axes))
	for _, r := range axes {
		distinct[r] = true
	}
	if len(distinct) < 2 {
		return DontCare(), nil
	}
	if len(distinct) != len(axes) {
		return DontCare(), errors.Errorf("invalid layout %q: repeated axes", description)
	}
	return Layout{axes: axes}, nil
}

// MustParseLayout is like ParseLayout but panics on invalid layouts. Used for static tables.
func MustParseLayout(description string) Layout {
	l, err := ParseLayout(description)
	if err != nil {
		panic(err)
	}
	return l
}

// ParseLayouts parses a list of layouts.
func ParseLayouts(descriptions ...string) ([]Layout, error) {
	layouts := make([]Layout, len(descriptions))
	for i, description := range descriptions {
		var err error
		layouts[i], err = ParseLayout(description)
		if err != nil {
			return nil, err
		}
	}
	return layouts, nil
}

// IsDontCare returns whether the layout accepts any axis order.
func (l Layout) IsDontCare() bool { return l.axes == "" }

// IsRestricted returns whether the operand must not be permuted.
func (l Layout) IsRestricted() bool { return l.restricted }

// Rank returns the number of axes named by the layout, 0 for don't-care.
func (l Layout) Rank() int { return len(l.axes) }

// Axes returns the axis names, outermost first.
func (l Layout) Axes() string { return l.axes }

// Equal returns whether both layouts are the same.
func (l Layout) Equal(other Layout) bool {
	return l.axes == other.axes && l.restricted == other.restricted
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	if l.restricted {
		return string(RestrictedMarker)
	}
	if l.IsDontCare() {
		return string(DontCareMarker)
	}
	return l.axes
}

// PermutationTo returns the permutation that transposes an operand stored with layout l into the target
// layout: target.Axes()[i] == l.Axes()[p[i]].
//
// It returns a nil permutation if either layout is don't-care, and an error if the layouts don't
// name the same axes.
func (l Layout) PermutationTo(target Layout) (Permutation, error) {
	if l.IsDontCare() || target.IsDontCare() {
		return nil, nil
	}
	if len(l.axes) != len(target.axes) {
		return nil, errors.Errorf("layouts %q and %q have different ranks", l.axes, target.axes)
	}
	p := make(Permutation, len(target.axes))
	for i, r := range target.axes {
		idx := strings.IndexRune(l.axes, r)
		if idx < 0 {
			return nil, errors.Errorf("axis %q of layout %q is not in layout %q", r, target.axes, l.axes)
		}
		p[i] = idx
	}
	return p, nil
}

// Permute returns the layout of an operand with layout l after a transposition by p.
// Don't-care layouts are returned unchanged.
func (l Layout) Permute(p Permutation) Layout {
	if l.IsDontCare() || len(p) != len(l.axes) {
		return l
	}
	return Layout{axes: string(Apply(p, []byte(l.axes)))}
}
