// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classweights computes the inverse-frequency class weights used to rebalance the
// cross-entropy loss of a split.
//
// The weight of class c is stored at index c: the mapping from numeric label to weight index
// is the identity, and doesn't depend on the order in which classes are counted.
package classweights

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Weights holds one positive weight per class, indexed by the numeric class label.
type Weights []float64

// EmptyClassError is returned by Compute when a class has no samples in the split.
// It's a configuration error: the weight total/count would be a division by zero.
type EmptyClassError struct {
	Class      int
	NumClasses int
}

// Error implements error.
func (e *EmptyClassError) Error() string {
	return fmt.Sprintf("class %d has no samples in the split (%d classes expected): can't compute its weight",
		e.Class, e.NumClasses)
}

// Compute returns weight[c] = len(labels) / count(labels == c), for c in [0, numClasses).
//
// It returns an *EmptyClassError if a class doesn't appear in labels, and an error for empty
// labels or labels outside [0, numClasses).
func Compute(labels []int, numClasses int) (Weights, error) {
	if numClasses < 1 {
		return nil, errors.Errorf("invalid number of classes %d", numClasses)
	}
	if len(labels) == 0 {
		return nil, errors.New("no labels given to compute class weights")
	}
	counts := make([]int, numClasses)
	for ii, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, errors.Errorf("label #%d is %d, out of range [0, %d)", ii, label, numClasses)
		}
		counts[label]++
	}
	return FromCounts(counts)
}

// FromCounts returns the weights for the given per-class counts, indexed by class.
func FromCounts(counts []int) (Weights, error) {
	total := 0
	for _, count := range counts {
		total += count
	}
	weights := make(Weights, len(counts))
	for class, count := range counts {
		if count == 0 {
			return nil, errors.WithStack(&EmptyClassError{Class: class, NumClasses: len(counts)})
		}
		weights[class] = float64(total) / float64(count)
	}
	return weights, nil
}

// ForClass returns the weight of the given class.
func (w Weights) ForClass(class int) float64 { return w[class] }

// NumClasses returns the number of classes.
func (w Weights) NumClasses() int { return len(w) }

// Float32 returns the weights converted to float32, the dtype used by the models.
func (w Weights) Float32() []float32 {
	out := make([]float32, len(w))
	for ii, v := range w {
		out[ii] = float32(v)
	}
	return out
}

// String implements fmt.Stringer.
func (w Weights) String() string {
	parts := make([]string, len(w))
	for class, v := range w {
		parts[class] = fmt.Sprintf("class %d: %.4f", class, v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
