// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	gocontext "context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/chestxray/pkg/dataset/datasettest"
	"github.com/gomlx/chestxray/pkg/driver"
	"github.com/gomlx/chestxray/pkg/history"
	"github.com/gomlx/chestxray/pkg/model"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestData writes train, valid and test splits to dataDir, with the images under dataDir/images.
func writeTestData(t *testing.T, dataDir string) {
	t.Helper()
	datasettest.WriteSplit(t, dataDir, "train", []int{0, 1, 1, 0, 1, 1}, 24, 24)
	datasettest.WriteSplit(t, dataDir, "valid", []int{1, 0, 1}, 24, 24)
	datasettest.WriteSplit(t, dataDir, "test", []int{0, 1}, 24, 24)
}

func testOptions(dataDir string, mode driver.Mode) options {
	return options{
		mode:          mode,
		dataDir:       dataDir,
		imagesDir:     filepath.Join(dataDir, "images"),
		outputDir:     filepath.Join(dataDir, "output"),
		trainCSV:      "train.csv",
		validCSV:      "valid.csv",
		testCSV:       "test.csv",
		backendConfig: "go",
		plot:          true,
	}
}

func testContext(t *testing.T, settings string) (*context.Context, []string) {
	t.Helper()
	ctx := createDefaultContext()
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	require.NoError(t, err)
	return ctx, paramsSet
}

func TestRunTrainThenEvaluate(t *testing.T) {
	dataDir := t.TempDir()
	writeTestData(t, dataDir)
	const settings = "backbone=linear;batch_size=4;num_epochs=2;image_size=20;crop_size=16;learning_rate=0.01"

	// Train.
	ctx, paramsSet := testContext(t, settings)
	opts := testOptions(dataDir, driver.TrainAndValidate)
	summary, err := run(gocontext.Background(), ctx, paramsSet, opts)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Contains(t, summary.Table(), "Best epoch")

	historyPath := filepath.Join(opts.outputDir, "history_linear.gob")
	record, err := history.Load(historyPath)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, record.Epochs)
	assert.Equal(t, 2, record.Len("train_loss"))
	assert.Equal(t, 2, record.Len("valid_auc_score"))
	for _, epochDir := range []string{"epoch_0001", "epoch_0002"} {
		_, err = os.Stat(filepath.Join(opts.outputDir, driver.ModelsDir, epochDir))
		require.NoError(t, err)
	}
	_, err = os.Stat(filepath.Join(opts.outputDir, driver.BestModelsDir, "epoch_0001"))
	require.NoError(t, err, "the first epoch always improves on +Inf")
	for _, plotFile := range []string{"history_linear_loss.png", "history_linear_metrics.png"} {
		_, err = os.Stat(filepath.Join(opts.outputDir, plotFile))
		require.NoError(t, err)
	}

	// Evaluate the last checkpoint on the test split.
	ctx, paramsSet = testContext(t, settings+";num_epochs=1")
	opts = testOptions(dataDir, driver.EvaluateOnly)
	opts.resumeDir = filepath.Join(dataDir, "output", driver.ModelsDir, "epoch_0002")
	opts.historyPath = filepath.Join(dataDir, "output", "test_history.json")
	summary, err = run(gocontext.Background(), ctx, paramsSet, opts)
	require.NoError(t, err)
	assert.Contains(t, summary.Table(), "test AUC")
	record, err = history.Load(opts.historyPath)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, record.Epochs)
	assert.Equal(t, 1, record.Len("test_loss"))
	assert.Equal(t, [][]float64{{0, 1}}, record.List("test_truelabels_list"))
	assert.Zero(t, record.Len("train_loss"))
	assert.Equal(t, "linear", context.GetParamOr(ctx, model.ParamBackbone, ""))
}

func TestRunErrors(t *testing.T) {
	dataDir := t.TempDir()
	writeTestData(t, dataDir)

	ctx, paramsSet := testContext(t, "backbone=linear")
	_, err := run(gocontext.Background(), ctx, paramsSet, testOptions(dataDir, driver.EvaluateOnly))
	require.ErrorContains(t, err, "--resume")

	ctx, paramsSet = testContext(t, "backbone=linear")
	opts := testOptions(dataDir, driver.TrainAndValidate)
	opts.trainCSV = "missing.csv"
	_, err = run(gocontext.Background(), ctx, paramsSet, opts)
	require.ErrorContains(t, err, "missing.csv")
}

func TestNewBackendFallback(t *testing.T) {
	backend, err := newBackend("no_such_backend")
	require.NoError(t, err)
	defer backend.Finalize()
	assert.NotEmpty(t, backend.Name())
}
