// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package auc computes the area under the ROC (receiver operating characteristic) curve of
// a binary classifier, from the true labels and the scores given to the positive class.
package auc

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrSingleClass is returned when the labels hold only one class: the ROC curve,
	// and hence its area, is undefined.
	ErrSingleClass = errors.New("AUC undefined: labels contain a single class")

	// ErrEmpty is returned when there are no labels.
	ErrEmpty = errors.New("AUC undefined: no labels")

	// ErrLengthMismatch is returned when labels and scores have different lengths.
	ErrLengthMismatch = errors.New("AUC: labels and scores have different lengths")
)

// ROC returns the area under the ROC curve for the given labels and scores, where
// samples with label == positive are positives and all others negatives.
//
// Tied scores are grouped under one threshold, so ties between a positive and a negative count
// as half a correct ordering. The result is in [0, 1]; metric errors (ErrSingleClass, ErrEmpty,
// ErrLengthMismatch) are returned wrapped instead of a NaN.
func ROC(labels []int, scores []float64, positive int) (float64, error) {
	if len(labels) != len(scores) {
		return 0, errors.Wrapf(ErrLengthMismatch, "%d labels, %d scores", len(labels), len(scores))
	}
	if len(labels) == 0 {
		return 0, errors.WithStack(ErrEmpty)
	}
	y := make([]float64, len(scores))
	classes := make([]bool, len(labels))
	var numPositives int
	for ii, label := range labels {
		if math.IsNaN(scores[ii]) {
			return 0, errors.Errorf("AUC: score #%d is NaN", ii)
		}
		y[ii] = scores[ii]
		classes[ii] = label == positive
		if classes[ii] {
			numPositives++
		}
	}
	if numPositives == 0 || numPositives == len(labels) {
		return 0, errors.Wrapf(ErrSingleClass, "%d samples, all with label %d", len(labels), labels[0])
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}

// FromProbabilities is like ROC, taking float32 probability vectors (one per sample, as produced
// by a softmax) and using the probability of the positive class as score.
func FromProbabilities(labels []int, probabilities [][]float32, positive int) (float64, error) {
	scores := make([]float64, len(probabilities))
	for ii, probs := range probabilities {
		if positive < 0 || positive >= len(probs) {
			return 0, errors.Errorf("AUC: positive class %d not in probabilities of sample #%d (%d classes)",
				positive, ii, len(probs))
		}
		scores[ii] = float64(probs[positive])
	}
	return ROC(labels, scores, positive)
}
