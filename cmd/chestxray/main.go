// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// chestxray trains a binary chest X-ray classifier (e.g. normal vs. pneumonia), or evaluates a
// trained one on a test split.
//
// The data directory holds one CSV table per split (columns "image" and "class" by default),
// with image paths relative to the images directory. Example:
//
//	chestxray --data=~/work/xray --output=~/work/xray/runs/googlenet \
//	  --hf_repo=<owner>/<model> --hf_file=model.onnx \
//	  -set="batch_size=10;num_epochs=100;learning_rate=0.001"
//
// Evaluating the best model of a previous run on the test split:
//
//	chestxray --data=~/work/xray --mode=evaluate_only \
//	  --resume=~/work/xray/runs/googlenet/best_models/epoch_0012
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/chestxray/pkg/dataset"
	"github.com/gomlx/chestxray/pkg/driver"
	"github.com/gomlx/chestxray/pkg/history"
	"github.com/gomlx/chestxray/pkg/model"
	"github.com/gomlx/chestxray/pkg/steps"
	"github.com/gomlx/chestxray/pkg/table"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters and run settings kept in the context, besides those of the model and optimizer packages.
const (
	ParamBatchSize  = "batch_size"
	ParamNumEpochs  = "num_epochs"
	ParamStartEpoch = "start_epoch"
	ParamImageSize  = "image_size"
	ParamCropSize   = "crop_size"
	ParamNumWorkers = "num_workers"
	ParamSeed       = "seed"
)

// FallbackBackend is used when the configured backend fails to start.
const FallbackBackend = "go"

var (
	flagData    = flag.String("data", ".", "Base directory of the split tables.")
	flagTrain   = flag.String("train", "train.csv", "Table of the training split, relative to --data.")
	flagValid   = flag.String("valid", "valid.csv", "Table of the validation split, relative to --data.")
	flagTest    = flag.String("test", "test.csv", "Table of the test split, relative to --data.")
	flagImages  = flag.String("images", "", "Root directory of the images. Defaults to --data.")
	flagOutput  = flag.String("output", "", "Directory where checkpoints and history are saved. Defaults to --data.")
	flagMode    = flag.String("mode", "train_and_validate", "Either \"train_and_validate\" or \"evaluate_only\" (on the test split).")
	flagResume  = flag.String("resume", "", "Checkpoint directory to load the model weights from. Required for --mode=evaluate_only.")
	flagBackend = flag.String("backend", "", "Backend configuration, e.g. \"xla:cuda\" or \"go\". "+
		"Defaults to $GOMLX_BACKEND. If it fails to start, the pure Go backend is used.")
	flagONNX        = flag.String("onnx", "", "ONNX model used as pretrained backbone. Implies -set=\"backbone=onnx\".")
	flagHFRepo      = flag.String("hf_repo", "", "HuggingFace repository to download the ONNX backbone from, if --onnx is not set.")
	flagHFFile      = flag.String("hf_file", "model.onnx", "File in --hf_repo with the ONNX model.")
	flagHistory     = flag.String("history", "", "File where the history of metrics is saved: \".json\" for JSON, gob otherwise. Defaults to <output>/history_<backbone>[_test].gob.")
	flagImageColumn = flag.String("image_column", table.DefaultImageColumn, "Column of the tables with the image path.")
	flagLabelColumn = flag.String("label_column", table.DefaultLabelColumn, "Column of the tables with the class label.")
	flagProgress    = flag.Bool("progress", true, "Display progress bars.")
	flagPlot        = flag.Bool("plot", true, "Plot the loss and metrics curves next to the history file, as PNG images.")
)

// createDefaultContext sets the default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamBatchSize:  10,
		ParamNumEpochs:  100,
		ParamStartEpoch: 1,
		ParamImageSize:  dataset.DefaultResizeSize,
		ParamCropSize:   dataset.DefaultCropSize,
		ParamNumWorkers: 0,
		ParamSeed:       int64(42),

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,

		model.ParamNumClasses:        2,
		model.ParamBackbone:          "cnn",
		model.ParamHeadDropout:       0.0,
		model.ParamCNNNumBlocks:      4,
		model.ParamCNNChannels:       16,
		model.ParamCNNNormalization:  "layer",
		model.ParamONNXFeatures:      "",
		model.ParamONNXChannelsFirst: true,
		model.ParamFreezeBackbone:    false,
	})
	return ctx
}

// options of a run, collected from the flags.
type options struct {
	mode                          driver.Mode
	dataDir, imagesDir, outputDir string
	trainCSV, validCSV, testCSV   string
	imageColumn, labelColumn      string
	resumeDir, backendConfig      string
	onnxPath, hfRepo, hfFile      string
	historyPath                   string
	progress, plot                bool
}

func optionsFromFlags() (opts options, err error) {
	opts.mode, err = driver.ParseMode(*flagMode)
	if err != nil {
		return
	}
	opts.dataDir = fsutil.MustReplaceTildeInDir(*flagData)
	opts.imagesDir = opts.dataDir
	if *flagImages != "" {
		opts.imagesDir = fsutil.MustReplaceTildeInDir(*flagImages)
	}
	opts.outputDir = opts.dataDir
	if *flagOutput != "" {
		opts.outputDir = fsutil.MustReplaceTildeInDir(*flagOutput)
	}
	opts.outputDir = must.M1(filepath.Abs(opts.outputDir))
	opts.trainCSV, opts.validCSV, opts.testCSV = *flagTrain, *flagValid, *flagTest
	opts.imageColumn, opts.labelColumn = *flagImageColumn, *flagLabelColumn
	if *flagResume != "" {
		opts.resumeDir = fsutil.MustReplaceTildeInDir(*flagResume)
	}
	if *flagONNX != "" {
		opts.onnxPath = fsutil.MustReplaceTildeInDir(*flagONNX)
	}
	opts.backendConfig = *flagBackend
	opts.hfRepo, opts.hfFile = *flagHFRepo, *flagHFFile
	opts.historyPath = *flagHistory
	opts.progress = *flagProgress
	opts.plot = *flagPlot
	return
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Fatalf("Failed to parse context settings: %+v", err)
	}
	opts, err := optionsFromFlags()
	if err != nil {
		klog.Fatalf("%+v", err)
	}

	runCtx, stop := signal.NotifyContext(gocontext.Background(), os.Interrupt)
	defer stop()
	summary, err := run(runCtx, ctx, paramsSet, opts)
	if summary != nil {
		fmt.Println()
		fmt.Println(summary.Table())
	}
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// newBackend creates the backend for config (or the default one, if config is empty). If it
// fails, it falls back to FallbackBackend.
func newBackend(config string) (backends.Backend, error) {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() {
		var err error
		if config == "" {
			backend, err = backends.New()
		} else {
			backend, err = backends.NewWithConfig(config)
		}
		if err != nil {
			panic(err)
		}
	})
	if err == nil {
		return backend, nil
	}
	klog.Warningf("Failed to start backend %q, falling back to %q: %v", config, FallbackBackend, err)
	backend, err = backends.NewWithConfig(FallbackBackend)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to start fallback backend %q", FallbackBackend)
	}
	return backend, nil
}

// loadedSplit is a split ready to be fed to the driver.
type loadedSplit struct {
	provider *dataset.BatchProvider
	table    *table.Table
}

// loadSplit reads the table of a split and creates its batch provider. Only the train split is
// shuffled and augmented.
func loadSplit(ctx *context.Context, opts options, name, csvFile string) (*loadedSplit, error) {
	numClasses := context.GetParamOr(ctx, model.ParamNumClasses, 2)
	tbl, err := table.Load(filepath.Join(opts.dataDir, csvFile), table.Config{
		ImageColumn: opts.imageColumn,
		LabelColumn: opts.labelColumn,
		NumClasses:  numClasses,
	})
	if err != nil {
		return nil, err
	}
	klog.Infof("%s", tbl.Summary(numClasses))

	resizeSize := context.GetParamOr(ctx, ParamImageSize, dataset.DefaultResizeSize)
	cropSize := context.GetParamOr(ctx, ParamCropSize, dataset.DefaultCropSize)
	transform := dataset.NewEvalTransform(resizeSize, cropSize)
	isTrain := name == driver.TrainSplit
	if isTrain {
		transform = dataset.NewTrainTransform(resizeSize, cropSize)
	}
	ds := dataset.New(tbl, opts.imagesDir, transform)
	provider, err := dataset.NewBatchProvider(name, ds,
		context.GetParamOr(ctx, ParamBatchSize, 10), isTrain,
		context.GetParamOr(ctx, ParamSeed, int64(42)))
	if err != nil {
		return nil, err
	}
	provider.WithParallelism(context.GetParamOr(ctx, ParamNumWorkers, 0))
	return &loadedSplit{provider: provider, table: tbl}, nil
}

// onnxModelPath returns the path to the ONNX backbone, downloading it from HuggingFace if needed.
// It returns "" if no ONNX model was configured.
func onnxModelPath(opts options) (string, error) {
	if opts.onnxPath != "" || opts.hfRepo == "" {
		return opts.onnxPath, nil
	}
	repo := hub.New(opts.hfRepo).WithProgressBar(opts.progress)
	path, err := repo.DownloadFile(opts.hfFile)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download %q from HuggingFace repository %q", opts.hfFile, opts.hfRepo)
	}
	klog.Infof("ONNX backbone downloaded to %q", path)
	return path, nil
}

// run a training or evaluation, as configured by the context parameters and the options.
// The summary is returned even on error, if the driver ran.
func run(runCtx gocontext.Context, ctx *context.Context, paramsSet []string, opts options) (*runSummary, error) {
	if opts.mode == driver.EvaluateOnly && opts.resumeDir == "" {
		return nil, errors.Errorf("mode %s requires a checkpoint to evaluate, set it with --resume", opts.mode)
	}

	// Data.
	splitFiles := map[string]string{driver.TrainSplit: opts.trainCSV, driver.ValidSplit: opts.validCSV}
	if opts.mode == driver.EvaluateOnly {
		splitFiles = map[string]string{driver.TestSplit: opts.testCSV}
	}
	splits := make(map[string]driver.Split, len(splitFiles))
	numSamples := make(map[string]int, len(splitFiles))
	for name, csvFile := range splitFiles {
		s, err := loadSplit(ctx, opts, name, csvFile)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading split %q", name)
		}
		splits[name] = driver.Split{Dataset: s.provider, Labels: s.table.Labels()}
		numSamples[name] = s.provider.NumSamples()
	}

	// Model.
	onnxPath, err := onnxModelPath(opts)
	if err != nil {
		return nil, err
	}
	if onnxPath != "" && !slices.Contains(paramsSet, model.ParamBackbone) {
		ctx.SetParam(model.ParamBackbone, "onnx")
	}
	backbone, err := model.BackboneFromContext(ctx, onnxPath)
	if err != nil {
		return nil, err
	}
	if closer, ok := backbone.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				klog.Warningf("%+v", err)
			}
		}()
	}
	// Loaded after the backbone, so the checkpoint overwrites the pretrained weights.
	if opts.resumeDir != "" {
		if err = driver.LoadWeights(ctx, opts.resumeDir); err != nil {
			return nil, err
		}
	}
	fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))

	backend, err := newBackend(opts.backendConfig)
	if err != nil {
		return nil, err
	}
	defer backend.Finalize()
	klog.Infof("Backend: %s", backend.Description())

	m := model.New(ctx, backbone)
	trainer, err := steps.NewTrainer(backend, ctx, m, optimizers.FromContext(ctx))
	if err != nil {
		return nil, err
	}

	// Driver.
	historyPath := opts.historyPath
	if historyPath == "" {
		suffix := ""
		if opts.mode == driver.EvaluateOnly {
			suffix = "_test"
		}
		historyPath = filepath.Join(opts.outputDir, fmt.Sprintf("history_%s%s.gob", backbone.Name(), suffix))
	}
	config := driver.Config{
		Mode:        opts.mode,
		StartEpoch:  context.GetParamOr(ctx, ParamStartEpoch, 1),
		NumEpochs:   context.GetParamOr(ctx, ParamNumEpochs, 100),
		HistoryPath: historyPath,
	}
	var ckpts driver.CheckpointWriter
	if opts.mode == driver.TrainAndValidate {
		ckpts = driver.NewGoMLXCheckpoints(ctx, opts.outputDir)
	}
	d, err := driver.New(config, trainer, ckpts, m.NumClasses(), splits)
	if err != nil {
		return nil, err
	}
	if opts.progress {
		d.Progress = newProgressFn(numSamples, config.NumEpochs)
	}
	record, err := d.Run(runCtx)
	if opts.plot && record != nil && len(record.Epochs) > 0 {
		plotHistory(record, historyPath, opts.mode)
	}
	summary := newRunSummary(opts, d, record, historyPath)
	return summary, err
}

// plotHistory saves the loss curves to <history>_loss.png and the accuracy and AUC curves to
// <history>_metrics.png. Failures are only logged.
func plotHistory(record *history.Record, historyPath string, mode driver.Mode) {
	base := strings.TrimSuffix(historyPath, filepath.Ext(historyPath))
	splits := []string{driver.TrainSplit, driver.ValidSplit}
	if mode == driver.EvaluateOnly {
		splits = []string{driver.TestSplit}
	}
	var lossKeys, metricKeys []string
	for _, split := range splits {
		lossKeys = append(lossKeys, history.Key(split, history.SuffixLoss))
		metricKeys = append(metricKeys, history.Key(split, history.SuffixAccuracy), history.Key(split, history.SuffixAUC))
	}
	for _, plot := range []struct {
		suffix, title string
		keys          []string
	}{
		{"_loss.png", "Loss", lossKeys},
		{"_metrics.png", "Accuracy and AUC", metricKeys},
	} {
		path := base + plot.suffix
		if err := record.Plot(path, plot.title, plot.keys...); err != nil {
			klog.Warningf("Failed to plot history: %+v", err)
			continue
		}
		klog.V(1).Infof("Plot saved to %q", path)
	}
}
