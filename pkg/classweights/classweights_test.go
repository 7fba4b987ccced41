// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classweights

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	testCases := []struct {
		name       string
		labels     []int
		numClasses int
	}{
		{"balanced", []int{0, 1, 0, 1}, 2},
		{"minority positive", []int{0, 0, 0, 1}, 2},
		{"minority negative", []int{1, 1, 1, 1, 1, 0, 0}, 2},
		{"three classes", []int{2, 0, 1, 1, 2, 2}, 3},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := Compute(tc.labels, tc.numClasses)
			require.NoError(t, err)
			require.Len(t, w, tc.numClasses)
			counts := make([]int, tc.numClasses)
			for _, l := range tc.labels {
				counts[l]++
			}
			for class := range tc.numClasses {
				assert.Greater(t, w.ForClass(class), 0.0)
				assert.InDelta(t, float64(len(tc.labels)), w[class]*float64(counts[class]), 1e-9)
			}
		})
	}
}

func TestComputeIndexIsLabel(t *testing.T) {
	// Class 1 is the majority: its weight must be the smaller one, at index 1.
	w, err := Compute([]int{1, 1, 1, 0}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, w[0], 1e-9)
	assert.InDelta(t, 4.0/3.0, w[1], 1e-9)
	assert.Equal(t, []float32{4, float32(4.0 / 3.0)}, w.Float32())
	assert.Equal(t, "[class 0: 4.0000, class 1: 1.3333]", w.String())
}

func TestComputeErrors(t *testing.T) {
	_, err := Compute([]int{1, 1, 1}, 2)
	var emptyErr *EmptyClassError
	require.True(t, errors.As(err, &emptyErr), "expected EmptyClassError, got %v", err)
	assert.Equal(t, 0, emptyErr.Class)

	_, err = Compute(nil, 2)
	require.Error(t, err)
	_, err = Compute([]int{0, 2}, 2)
	require.Error(t, err)
	_, err = Compute([]int{0}, 0)
	require.Error(t, err)
}
