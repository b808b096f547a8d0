// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perm

import (
	"testing"

	"github.com/gomlx/legalizer/pkg/core/dtypes"
	"github.com/gomlx/legalizer/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allPermutations generates every permutation of rank r with Heap's algorithm.
func allPermutations(r int) []Permutation {
	var result []Permutation
	p := Identity(r)
	var generate func(k int)
	generate = func(k int) {
		if k <= 1 {
			result = append(result, p.Clone())
			return
		}
		generate(k - 1)
		for i := 0; i < k-1; i++ {
			if k%2 == 0 {
				p[i], p[k-1] = p[k-1], p[i]
			} else {
				p[0], p[k-1] = p[k-1], p[0]
			}
			generate(k - 1)
		}
	}
	generate(r)
	return result
}

func TestComposeWithInverseIsIdentity(t *testing.T) {
	for rank := 0; rank <= 6; rank++ {
		perms := allPermutations(rank)
		require.Len(t, perms, factorial(rank))
		for _, p := range perms {
			require.NoError(t, p.Validate())
			inv := p.Inverse()
			require.True(t, Compose(p, inv).Equal(Identity(rank)), "p=%s, inv=%s", p, inv)
			require.True(t, Compose(inv, p).Equal(Identity(rank)), "p=%s, inv=%s", p, inv)
		}
	}
}

func factorial(n int) int {
	if n <= 1 {
		return 1
	}
	return n * factorial(n-1)
}

func TestComposeOrder(t *testing.T) {
	dims := []int{2, 3, 5, 7}
	for _, p := range allPermutations(4) {
		for _, q := range allPermutations(4)[:6] {
			// Compose(p, q) applies q first, then p.
			want := Apply(p, Apply(q, dims))
			assert.Equal(t, want, Apply(Compose(p, q), dims), "p=%s q=%s", p, q)
		}
	}
}

func TestValidate(t *testing.T) {
	_, err := New(0, 2, 1)
	require.NoError(t, err)
	_, err = New(0, 0, 1)
	require.Error(t, err)
	_, err = New(0, 3, 1)
	require.Error(t, err)
	require.Panics(t, func() { Must(1, 1) })
	require.Panics(t, func() { Compose(Identity(2), Identity(3)) })
}

func TestPermutationHelpers(t *testing.T) {
	p := Must(2, 0, 1)
	assert.False(t, p.IsIdentity())
	assert.True(t, Identity(4).IsIdentity())
	assert.True(t, Permutation(nil).IsIdentity())
	assert.True(t, Must(0).IsDontCare())
	assert.False(t, p.IsDontCare())
	assert.Equal(t, 1, p.IndexOf(0))
	assert.Equal(t, 0, p.IndexOf(2))
	assert.Equal(t, -1, p.IndexOf(5))
	assert.Equal(t, "[2 0 1]", p.String())

	s := shapes.Make(dtypes.Float32, 4, 5, 6)
	assert.Equal(t, []int{6, 4, 5}, p.ApplyToShape(s).Dimensions)
	assert.Equal(t, s.Dimensions, p.Inverse().ApplyToShape(p.ApplyToShape(s)).Dimensions)

	// Only unit axes move: equivalent to a reshape.
	assert.True(t, Must(1, 0, 2).MovesOnlyUnitAxes([]int{1, 7, 9}))
	assert.False(t, Must(1, 0, 2).MovesOnlyUnitAxes([]int{3, 7, 9}))
	assert.True(t, Must(0, 2, 1).MovesOnlyUnitAxes([]int{3, 1, 9}))
}

func TestParseLayout(t *testing.T) {
	testCases := []struct {
		description          string
		dontCare, restricted bool
		axes                 string
	}{
		{"", true, false, ""},
		{"*****", true, false, ""},
		{"C", true, false, ""},
		{"CCCC", true, false, ""},
		{"NHWC*", false, false, "NHWC"},
		{"####", true, true, ""},
		{"#", true, false, ""},
		{"#*", true, false, ""},
		{"#NC", true, true, ""},
		{"NCHW", false, false, "NCHW"},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			l, err := ParseLayout(tc.description)
			require.NoError(t, err)
			assert.Equal(t, tc.dontCare, l.IsDontCare())
			assert.Equal(t, tc.restricted, l.IsRestricted())
			assert.Equal(t, tc.axes, l.Axes())
		})
	}
	_, err := ParseLayout("NHHC")
	require.Error(t, err)
}

func TestLayoutPermutation(t *testing.T) {
	nchw := MustParseLayout("NCHW")
	nhwc := MustParseLayout("NHWC")
	p, err := nchw.PermutationTo(nhwc)
	require.NoError(t, err)
	assert.Equal(t, Must(0, 2, 3, 1), p)
	assert.True(t, nchw.Permute(p).Equal(nhwc))

	// Transposing the dimensions gives the target order.
	dims := []int{8, 3, 32, 16} // N=8, C=3, H=32, W=16
	assert.Equal(t, []int{8, 32, 16, 3}, Apply(p, dims))

	back, err := nhwc.PermutationTo(nchw)
	require.NoError(t, err)
	assert.True(t, back.Equal(p.Inverse()))

	_, err = nchw.PermutationTo(MustParseLayout("NDHWC"))
	require.Error(t, err)
	_, err = nchw.PermutationTo(MustParseLayout("NXHW"))
	require.Error(t, err)
}

func TestDontCareLayoutsHaveNoPermutation(t *testing.T) {
	actuals := []Layout{DontCare(), Restricted(), MustParseLayout("NHWC"), MustParseLayout("AB")}
	for _, actual := range actuals {
		for _, dc := range []Layout{DontCare(), MustParseLayout("****"), MustParseLayout("X")} {
			p, err := dc.PermutationTo(actual)
			require.NoError(t, err)
			assert.Nil(t, p)
			p, err = actual.PermutationTo(dc)
			require.NoError(t, err)
			assert.Nil(t, p)
		}
	}
}
