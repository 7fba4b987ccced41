// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildEntry(epoch int) *Entry {
	e := NewEntry(epoch)
	e.SetScalar(Key("train", SuffixLoss), 1.0/float64(epoch))
	e.SetScalar(Key("valid", SuffixAUC), 0.5+0.1*float64(epoch))
	e.SetInts(Key("valid", SuffixPreds), []int{0, 1, epoch % 2})
	e.SetProbabilities(Key("valid", SuffixProbas), [][]float32{{0.25, 0.75}, {0.5, 0.5}, {1, 0}})
	return e
}

func buildRecord(t *testing.T) *Record {
	r := New()
	for epoch := 1; epoch <= 2; epoch++ {
		require.NoError(t, r.Append(buildEntry(epoch)))
	}
	return r
}

func TestRecord(t *testing.T) {
	r := buildRecord(t)
	assert.Equal(t, []int{1, 2}, r.Epochs)
	assert.Equal(t, []float64{1, 0.5}, r.Scalar("train_loss"))
	assert.Equal(t, 2, r.Len("valid_preds_list"))
	assert.Equal(t, []float64{0, 1, 0}, r.List("valid_preds_list")[1])
	assert.Equal(t, 2, r.Len("valid_probas_list"))
	assert.Equal(t, [][]float64{{0.25, 0.75}, {0.5, 0.5}, {1, 0}}, r.Probas("valid_probas_list")[0])
	assert.Equal(t, []string{"train_loss", "valid_auc_score", "valid_preds_list", "valid_probas_list"}, r.Keys())
}

func TestAppendKeepsEpochsAligned(t *testing.T) {
	r := buildRecord(t)

	// An epoch missing keys is rejected, and the record is left unchanged.
	partial := NewEntry(3)
	partial.SetScalar(Key("train", SuffixLoss), 0.3)
	require.ErrorContains(t, r.Append(partial), "epoch 3 has keys")

	// Epochs must increase.
	require.ErrorContains(t, r.Append(buildEntry(2)), "appended after epoch 2")

	assert.Equal(t, []int{1, 2}, r.Epochs)
	for _, key := range r.Keys() {
		assert.Equal(t, len(r.Epochs), r.Len(key), "key %q", key)
	}

	require.NoError(t, r.Append(buildEntry(3)))
	assert.Equal(t, []int{1, 2, 3}, r.Epochs)
	assert.Equal(t, 3, r.Len("valid_probas_list"))
}

func TestSaveLoad(t *testing.T) {
	for _, name := range []string{"history.gob", "history.json"} {
		t.Run(name, func(t *testing.T) {
			r := buildRecord(t)
			path := filepath.Join(t.TempDir(), "out", name)
			require.NoError(t, r.Save(path))
			assert.True(t, r.IsSealed())

			err := r.Append(buildEntry(3))
			require.True(t, errors.Is(err, ErrSealed), "got %v", err)
			require.True(t, errors.Is(r.Save(path), ErrSealed))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, r.Scalars, loaded.Scalars)
			assert.Equal(t, r.Lists, loaded.Lists)
			assert.Equal(t, r.Probabilities, loaded.Probabilities)
			assert.Equal(t, r.Epochs, loaded.Epochs)
			assert.True(t, loaded.IsSealed())
		})
	}
}

func TestPlot(t *testing.T) {
	r := buildRecord(t)
	path := filepath.Join(t.TempDir(), "plots", "curves.png")
	require.NoError(t, r.Plot(path, "training", "train_loss", "valid_auc_score", "valid_loss"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	require.Error(t, r.Plot(path, "nothing", "test_loss"))
}
