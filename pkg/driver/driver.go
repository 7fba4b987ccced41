// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package driver runs the epoch loop: training and validating (or only evaluating) the
// classifier for a range of epochs, keeping track of the best validation loss, writing
// checkpoints and accumulating the metrics history.
package driver

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/gomlx/chestxray/pkg/classweights"
	"github.com/gomlx/chestxray/pkg/history"
	"github.com/gomlx/chestxray/pkg/steps"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mode of the driver.
type Mode int

const (
	// TrainAndValidate trains on the train split and evaluates on the validation split every epoch.
	TrainAndValidate Mode = iota

	// EvaluateOnly evaluates the model on the test split every epoch, without training.
	EvaluateOnly
)

// String implements fmt.Stringer, with the names accepted by ParseMode.
func (m Mode) String() string {
	switch m {
	case TrainAndValidate:
		return "train_and_validate"
	case EvaluateOnly:
		return "evaluate_only"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts the mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(name) {
	case "train_and_validate", "train":
		return TrainAndValidate, nil
	case "evaluate_only", "eval", "evaluate":
		return EvaluateOnly, nil
	}
	return 0, errors.Errorf("unknown mode %q, valid values are %q and %q", name, TrainAndValidate, EvaluateOnly)
}

// Split names, used as prefixes of the history keys.
const (
	TrainSplit = "train"
	ValidSplit = "valid"
	TestSplit  = "test"
)

// Config of a Driver run.
type Config struct {
	Mode Mode

	// StartEpoch and NumEpochs define the range of epochs, both inclusive. Epochs are numbered from 1.
	StartEpoch, NumEpochs int

	// HistoryPath where the history is saved at the end of the run. If empty, it's not saved.
	HistoryPath string
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.StartEpoch < 1 {
		return errors.Errorf("start epoch must be >= 1, got %d", c.StartEpoch)
	}
	if c.NumEpochs < c.StartEpoch {
		return errors.Errorf("number of epochs (%d) must be >= start epoch (%d)", c.NumEpochs, c.StartEpoch)
	}
	return nil
}

// Stepper runs one pass of training or evaluation over a split. steps.Trainer implements it.
type Stepper interface {
	TrainEpoch(ds train.Dataset, weights classweights.Weights, onBatch steps.BatchFn) (steps.TrainResult, error)
	Evaluate(ds train.Dataset, weights classweights.Weights, onBatch steps.BatchFn) (steps.EvalResult, error)
}

// CheckpointWriter saves the model parameters at the end of an epoch.
// When best is true, the epoch improved the best validation loss.
type CheckpointWriter interface {
	Save(epoch int, best bool) error
}

// Split is one of the dataset splits the driver iterates over.
type Split struct {
	Dataset train.Dataset

	// Labels of all samples, used to compute the class weights.
	Labels []int
}

// ProgressFn is called at the start of each pass over a split, and returns the function
// called after each batch (it can return nil). It is used to display progress bars.
type ProgressFn func(split string, epoch int) steps.BatchFn

// Driver runs the epoch loop.
type Driver struct {
	config     Config
	stepper    Stepper
	checkpoint CheckpointWriter
	splits     map[string]Split
	required   []string
	numClasses int

	// Output is where per-epoch lines are printed. Defaults to os.Stdout.
	Output io.Writer

	// Progress, if set, is called at the start of each pass.
	Progress ProgressFn

	bestEpoch int
	bestLoss  float64
}

// New creates a Driver.
//
// In TrainAndValidate mode the splits TrainSplit and ValidSplit are required; in EvaluateOnly
// mode only TestSplit. The checkpoint writer can be nil, in which case no checkpoints are saved.
func New(config Config, stepper Stepper, checkpoint CheckpointWriter, numClasses int, splits map[string]Split) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var required []string
	switch config.Mode {
	case TrainAndValidate:
		required = []string{TrainSplit, ValidSplit}
	case EvaluateOnly:
		required = []string{TestSplit}
	default:
		return nil, errors.Errorf("invalid mode %s", config.Mode)
	}
	for _, name := range required {
		if s, found := splits[name]; !found || s.Dataset == nil {
			return nil, errors.Errorf("mode %s requires the %q split", config.Mode, name)
		}
	}
	return &Driver{
		config:     config,
		stepper:    stepper,
		checkpoint: checkpoint,
		splits:     splits,
		required:   required,
		numClasses: numClasses,
		Output:     os.Stdout,
		bestLoss:   math.Inf(1),
	}, nil
}

// Summary returns the epoch with the lowest validation loss so far, and its loss.
// The epoch is 0 (and the loss +Inf) if no epoch was validated.
func (d *Driver) Summary() (bestEpoch int, bestLoss float64) {
	return d.bestEpoch, d.bestLoss
}

func (d *Driver) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(d.Output, format, args...)
}

func (d *Driver) progress(split string, epoch int) steps.BatchFn {
	if d.Progress == nil {
		return nil
	}
	return d.Progress(split, epoch)
}

// Run executes the epochs, and returns the history of metrics.
//
// The class weights of each split used by the mode are computed once, at the start. The ctx is checked for
// cancellation between epochs. An epoch's metrics are only added to the history once the epoch
// completes: an interrupted or failed run still saves the history of the epochs completed, and
// returns the error.
func (d *Driver) Run(ctx context.Context) (*history.Record, error) {
	weights := make(map[string]classweights.Weights, len(d.required))
	for _, name := range d.required {
		w, err := classweights.Compute(d.splits[name].Labels, d.numClasses)
		if err != nil {
			return nil, errors.WithMessagef(err, "class weights of split %q", name)
		}
		klog.V(1).Infof("class weights of %q: %s", name, w)
		weights[name] = w
	}

	record := history.New()
	runStart := time.Now()
	var runErr error
	for epoch := d.config.StartEpoch; epoch <= d.config.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			runErr = errors.Wrapf(err, "interrupted before epoch %d", epoch)
			break
		}
		epochStart := time.Now()
		d.printf("Epoch %d/%d\n", epoch, d.config.NumEpochs)
		entry := history.NewEntry(epoch)
		var err error
		if d.config.Mode == TrainAndValidate {
			err = d.trainAndValidate(epoch, weights, entry)
		} else {
			err = d.evaluate(epoch, TestSplit, weights[TestSplit], entry)
		}
		if err == nil {
			err = record.Append(entry)
		}
		if err != nil {
			runErr = errors.WithMessagef(err, "epoch %d", epoch)
			break
		}
		d.printf("time elapsed: %s\n", commandline.FormatDuration(time.Since(epochStart)))
	}

	if d.config.HistoryPath != "" {
		if err := record.Save(d.config.HistoryPath); err != nil {
			if runErr == nil {
				return record, err
			}
			klog.Errorf("failed to save history to %q: %+v", d.config.HistoryPath, err)
		} else {
			klog.Infof("history saved to %q", d.config.HistoryPath)
		}
	}
	d.printf("Total time elapsed: %s\n", commandline.FormatDuration(time.Since(runStart)))
	return record, runErr
}

// trainAndValidate runs one epoch of TrainAndValidate mode.
func (d *Driver) trainAndValidate(epoch int, weights map[string]classweights.Weights, entry *history.Entry) error {
	trainResult, err := d.stepper.TrainEpoch(d.splits[TrainSplit].Dataset, weights[TrainSplit], d.progress(TrainSplit, epoch))
	if err != nil {
		return err
	}
	d.printf("training: loss=%.4f acc=%.4f\n", trainResult.Loss, trainResult.Accuracy)
	entry.SetScalar(history.Key(TrainSplit, history.SuffixLoss), trainResult.Loss)
	entry.SetScalar(history.Key(TrainSplit, history.SuffixAccuracy), trainResult.Accuracy)

	if err = d.evaluate(epoch, ValidSplit, weights[ValidSplit], entry); err != nil {
		return err
	}
	loss := entry.Scalars[history.Key(ValidSplit, history.SuffixLoss)]
	improved := loss < d.bestLoss
	if d.checkpoint != nil {
		if err = d.checkpoint.Save(epoch, improved); err != nil {
			return errors.WithMessage(err, "saving checkpoint")
		}
	}
	if improved {
		klog.V(1).Infof("epoch %d: validation loss improved from %g to %g", epoch, d.bestLoss, loss)
		d.bestEpoch, d.bestLoss = epoch, loss
	}
	return nil
}

// evaluate runs the evaluation of one split and sets its metrics in the entry.
func (d *Driver) evaluate(epoch int, split string, weights classweights.Weights, entry *history.Entry) error {
	result, err := d.stepper.Evaluate(d.splits[split].Dataset, weights, d.progress(split, epoch))
	if err != nil {
		return err
	}
	name := "validation"
	if split == TestSplit {
		name = "test"
	}
	d.printf("%s: loss=%.4f acc=%.4f auc=%.4f\n", name, result.Loss, result.Accuracy, result.AUC)
	entry.SetScalar(history.Key(split, history.SuffixLoss), result.Loss)
	entry.SetScalar(history.Key(split, history.SuffixAccuracy), result.Accuracy)
	entry.SetScalar(history.Key(split, history.SuffixAUC), result.AUC)
	entry.SetInts(history.Key(split, history.SuffixPreds), result.Predictions)
	entry.SetInts(history.Key(split, history.SuffixTrueLabels), result.Labels)
	entry.SetProbabilities(history.Key(split, history.SuffixProbas), result.Probabilities)
	return nil
}
