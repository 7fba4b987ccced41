// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/chestxray/pkg/classweights"
	"github.com/gomlx/chestxray/pkg/history"
	"github.com/gomlx/chestxray/pkg/steps"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
)

// emptyDataset only exists to be passed around: the fake stepper never reads it.
type emptyDataset struct{ name string }

func (d emptyDataset) Name() string { return d.name }
func (d emptyDataset) Reset()       {}
func (d emptyDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return nil, nil, nil, io.EOF
}

var _ train.Dataset = emptyDataset{}

// fakeStepper returns the scripted validation losses, one per epoch.
type fakeStepper struct {
	evalLosses []float64
	numTrain   int
	numEval    int
	evaluated  []string
	weights    map[string]classweights.Weights

	// failEval, if > 0, is the evaluation call (counting from 1) that fails.
	failEval int
}

func (s *fakeStepper) TrainEpoch(ds train.Dataset, weights classweights.Weights, onBatch steps.BatchFn) (steps.TrainResult, error) {
	s.numTrain++
	s.weights[ds.Name()] = weights
	if onBatch != nil {
		onBatch(4)
	}
	return steps.TrainResult{Loss: 2.0 / float64(s.numTrain), Accuracy: 0.5, NumSamples: 4}, nil
}

func (s *fakeStepper) Evaluate(ds train.Dataset, weights classweights.Weights, onBatch steps.BatchFn) (steps.EvalResult, error) {
	if s.failEval == s.numEval+1 {
		s.numEval++
		return steps.EvalResult{}, errors.New("corrupt image")
	}
	loss := s.evalLosses[s.numEval]
	s.numEval++
	s.evaluated = append(s.evaluated, ds.Name())
	s.weights[ds.Name()] = weights
	if onBatch != nil {
		onBatch(2)
	}
	return steps.EvalResult{
		Loss:          loss,
		Accuracy:      0.5,
		Predictions:   []int{0, 1},
		Labels:        []int{1, 1},
		Probabilities: [][]float32{{0.7, 0.3}, {0.2, 0.8}},
		AUC:           0.75,
	}, nil
}

type savedCheckpoint struct {
	epoch int
	best  bool
}

type fakeCheckpoints struct {
	saved []savedCheckpoint
}

func (c *fakeCheckpoints) Save(epoch int, best bool) error {
	c.saved = append(c.saved, savedCheckpoint{epoch, best})
	return nil
}

func testSplits() map[string]Split {
	return map[string]Split{
		TrainSplit: {Dataset: emptyDataset{TrainSplit}, Labels: []int{0, 1, 1, 1}},
		ValidSplit: {Dataset: emptyDataset{ValidSplit}, Labels: []int{0, 1}},
		TestSplit:  {Dataset: emptyDataset{TestSplit}, Labels: []int{0, 0, 1}},
	}
}

func TestTrainAndValidate(t *testing.T) {
	stepper := &fakeStepper{evalLosses: []float64{1.0, 0.5, 0.8}, weights: make(map[string]classweights.Weights)}
	ckpts := &fakeCheckpoints{}
	historyPath := filepath.Join(t.TempDir(), "history.json")
	d, err := New(Config{Mode: TrainAndValidate, StartEpoch: 1, NumEpochs: 3, HistoryPath: historyPath},
		stepper, ckpts, 2, testSplits())
	require.NoError(t, err)
	var out bytes.Buffer
	d.Output = &out
	progressCalls := make(map[string]int)
	d.Progress = func(split string, epoch int) steps.BatchFn {
		progressCalls[split]++
		return nil
	}

	record, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stepper.numTrain)
	assert.Equal(t, []string{ValidSplit, ValidSplit, ValidSplit}, stepper.evaluated)
	assert.Equal(t, map[string]int{TrainSplit: 3, ValidSplit: 3}, progressCalls)

	// Every epoch saved, best only when strictly improving.
	assert.Equal(t, []savedCheckpoint{{1, true}, {2, true}, {3, false}}, ckpts.saved)
	bestEpoch, bestLoss := d.Summary()
	assert.Equal(t, 2, bestEpoch)
	assert.Equal(t, 0.5, bestLoss)

	// Class weights computed from the split labels.
	assert.InDeltaSlice(t, []float64{4, 4.0 / 3}, []float64(stepper.weights[TrainSplit]), 1e-9)
	assert.InDeltaSlice(t, []float64{2, 2}, []float64(stepper.weights[ValidSplit]), 1e-9)

	assert.Equal(t, []int{1, 2, 3}, record.Epochs)
	assert.Equal(t, []float64{1.0, 0.5, 0.8}, record.Scalar("valid_loss"))
	assert.Equal(t, []float64{2, 1, 2.0 / 3}, record.Scalar("train_loss"))
	for _, key := range []string{"train_acc", "valid_acc", "valid_auc_score", "valid_preds_list",
		"valid_truelabels_list", "valid_probas_list"} {
		assert.Equal(t, 3, record.Len(key), "key %q", key)
	}
	assert.True(t, record.IsSealed())

	saved, err := history.Load(historyPath)
	require.NoError(t, err)
	assert.Equal(t, record.Scalars, saved.Scalars)

	assert.Contains(t, out.String(), "Epoch 2/3")
	assert.Contains(t, out.String(), "training: loss=1.0000 acc=0.5000")
	assert.Contains(t, out.String(), "validation: loss=0.5000 acc=0.5000 auc=0.7500")
	assert.Contains(t, out.String(), "Total time elapsed")
}

func TestEvaluateOnly(t *testing.T) {
	stepper := &fakeStepper{evalLosses: []float64{0.3, 0.2}, weights: make(map[string]classweights.Weights)}
	ckpts := &fakeCheckpoints{}
	d, err := New(Config{Mode: EvaluateOnly, StartEpoch: 4, NumEpochs: 5}, stepper, ckpts, 2,
		map[string]Split{TestSplit: testSplits()[TestSplit]})
	require.NoError(t, err)
	d.Output = io.Discard

	record, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stepper.numTrain)
	assert.Equal(t, []string{TestSplit, TestSplit}, stepper.evaluated)
	assert.Empty(t, ckpts.saved)
	assert.Equal(t, []int{4, 5}, record.Epochs)
	assert.Equal(t, []float64{0.3, 0.2}, record.Scalar("test_loss"))
	assert.Equal(t, 2, record.Len("test_probas_list"))
	assert.Zero(t, record.Len("valid_loss"))
	assert.Zero(t, record.Len("train_loss"))
	bestEpoch, bestLoss := d.Summary()
	assert.Zero(t, bestEpoch)
	assert.True(t, math.IsInf(bestLoss, 1))
}

func TestRunCancelled(t *testing.T) {
	stepper := &fakeStepper{evalLosses: []float64{1}, weights: make(map[string]classweights.Weights)}
	historyPath := filepath.Join(t.TempDir(), "history.gob")
	d, err := New(Config{Mode: TrainAndValidate, StartEpoch: 1, NumEpochs: 10, HistoryPath: historyPath},
		stepper, nil, 2, testSplits())
	require.NoError(t, err)
	d.Output = io.Discard

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Zero(t, stepper.numTrain)
	_, err = os.Stat(historyPath)
	require.NoError(t, err, "history should be saved even when interrupted")
}

func TestRunFailedEpoch(t *testing.T) {
	stepper := &fakeStepper{evalLosses: []float64{1, 0.5, 0.2}, weights: make(map[string]classweights.Weights), failEval: 2}
	ckpts := &fakeCheckpoints{}
	historyPath := filepath.Join(t.TempDir(), "history.gob")
	d, err := New(Config{Mode: TrainAndValidate, StartEpoch: 1, NumEpochs: 3, HistoryPath: historyPath},
		stepper, ckpts, 2, testSplits())
	require.NoError(t, err)
	d.Output = io.Discard

	_, err = d.Run(context.Background())
	require.ErrorContains(t, err, "epoch 2: corrupt image")
	assert.Equal(t, 2, stepper.numTrain)
	assert.Equal(t, []savedCheckpoint{{1, true}}, ckpts.saved)

	// Only the completed epoch is in the saved history, with one entry in every key.
	saved, err := history.Load(historyPath)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, saved.Epochs)
	assert.Len(t, saved.Keys(), 8)
	for _, key := range saved.Keys() {
		assert.Equal(t, 1, saved.Len(key), "key %q", key)
	}
	assert.Equal(t, [][]float64{{0.7, 0.3}, {0.2, 0.8}}, roundProbas(saved.Probas("valid_probas_list")[0]))
}

// roundProbas rounds the probabilities converted from float32, for comparison.
func roundProbas(probas [][]float64) [][]float64 {
	rounded := make([][]float64, len(probas))
	for ii, row := range probas {
		rounded[ii] = make([]float64, len(row))
		for jj, p := range row {
			rounded[ii][jj] = math.Round(p*1e6) / 1e6
		}
	}
	return rounded
}

func TestNewErrors(t *testing.T) {
	stepper := &fakeStepper{}
	_, err := New(Config{Mode: TrainAndValidate, StartEpoch: 0, NumEpochs: 3}, stepper, nil, 2, testSplits())
	require.Error(t, err)
	_, err = New(Config{Mode: TrainAndValidate, StartEpoch: 4, NumEpochs: 3}, stepper, nil, 2, testSplits())
	require.Error(t, err)
	_, err = New(Config{Mode: TrainAndValidate, StartEpoch: 1, NumEpochs: 3}, stepper, nil, 2,
		map[string]Split{TrainSplit: testSplits()[TrainSplit]})
	require.ErrorContains(t, err, `"valid"`)
	_, err = New(Config{Mode: EvaluateOnly, StartEpoch: 1, NumEpochs: 1}, stepper, nil, 2,
		map[string]Split{TrainSplit: testSplits()[TrainSplit]})
	require.ErrorContains(t, err, `"test"`)

	// An empty class in a split fails at the start of the run.
	splits := testSplits()
	splits[ValidSplit] = Split{Dataset: emptyDataset{ValidSplit}, Labels: []int{1, 1}}
	d, err := New(Config{Mode: TrainAndValidate, StartEpoch: 1, NumEpochs: 1}, stepper, nil, 2, splits)
	require.NoError(t, err)
	d.Output = io.Discard
	_, err = d.Run(context.Background())
	var emptyErr *classweights.EmptyClassError
	require.True(t, errors.As(err, &emptyErr), "got %v", err)
	assert.Zero(t, stepper.numTrain)
}

func TestParseMode(t *testing.T) {
	for name, want := range map[string]Mode{
		"train_and_validate": TrainAndValidate,
		"train":              TrainAndValidate,
		"evaluate_only":      EvaluateOnly,
		"EVAL":               EvaluateOnly,
	} {
		got, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		roundTrip, err := ParseMode(got.String())
		require.NoError(t, err)
		assert.Equal(t, want, roundTrip)
	}
	_, err := ParseMode("predict")
	require.Error(t, err)
}

func TestGoMLXCheckpoints(t *testing.T) {
	outputDir := t.TempDir()
	ctx := mlctx.New()
	v := ctx.In("classifier").VariableWithValue("weights", []float32{1, 2, 3})
	ckpts := NewGoMLXCheckpoints(ctx, outputDir)
	require.NoError(t, ckpts.Save(1, false))
	v.MustSetValue(tensors.FromValue([]float32{4, 5, 6}))
	require.NoError(t, ckpts.Save(2, true))

	for _, dir := range []string{
		filepath.Join(outputDir, ModelsDir, "epoch_0001"),
		filepath.Join(outputDir, ModelsDir, "epoch_0002"),
		filepath.Join(outputDir, BestModelsDir, "epoch_0002"),
	} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err, "checkpoint %q", dir)
		assert.NotEmpty(t, entries, "checkpoint %q", dir)
	}
	_, err := os.Stat(filepath.Join(outputDir, BestModelsDir, "epoch_0001"))
	assert.True(t, os.IsNotExist(err))

	// Overwriting a checkpoint doesn't load its old values into the context.
	v.MustSetValue(tensors.FromValue([]float32{7, 8, 9}))
	require.NoError(t, ckpts.Save(1, false))
	assert.Equal(t, []float32{7, 8, 9}, tensors.MustCopyFlatData[float32](v.MustValue()))

	// Resuming from the best checkpoint.
	newCtx := mlctx.New()
	require.NoError(t, LoadWeights(newCtx, filepath.Join(outputDir, BestModelsDir, "epoch_0002")))
	loaded := newCtx.GetVariableByScopeAndName("/classifier", "weights")
	require.NotNil(t, loaded)
	assert.Equal(t, []float32{4, 5, 6}, tensors.MustCopyFlatData[float32](loaded.MustValue()))

	require.Error(t, LoadWeights(mlctx.New(), filepath.Join(outputDir, "missing")))
}
