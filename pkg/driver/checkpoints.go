// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ModelsDir is the subdirectory of the output directory with one checkpoint per epoch.
	ModelsDir = "models"

	// BestModelsDir is the subdirectory of the output directory with the checkpoints of the
	// epochs that improved the validation loss.
	BestModelsDir = "best_models"
)

// EpochDir returns the name of the checkpoint directory of an epoch, e.g. "epoch_0007".
func EpochDir(epoch int) string { return fmt.Sprintf("epoch_%04d", epoch) }

// GoMLXCheckpoints writes the model variables (and hyperparameters) of the context as gomlx
// checkpoints: every epoch to <outputDir>/models/epoch_NNNN, and, if the epoch improved the
// validation loss, also to <outputDir>/best_models/epoch_NNNN. Old checkpoints are never removed.
type GoMLXCheckpoints struct {
	ctx       *context.Context
	outputDir string
}

var _ CheckpointWriter = (*GoMLXCheckpoints)(nil)

// NewGoMLXCheckpoints creates the checkpoint writer for the variables in ctx.
func NewGoMLXCheckpoints(ctx *context.Context, outputDir string) *GoMLXCheckpoints {
	return &GoMLXCheckpoints{ctx: ctx, outputDir: outputDir}
}

// Save implements CheckpointWriter.
func (c *GoMLXCheckpoints) Save(epoch int, best bool) error {
	dirs := []string{filepath.Join(c.outputDir, ModelsDir, EpochDir(epoch))}
	if best {
		dirs = append(dirs, filepath.Join(c.outputDir, BestModelsDir, EpochDir(epoch)))
	}
	for _, dir := range dirs {
		if err := c.saveTo(dir); err != nil {
			return err
		}
	}
	return nil
}

func (c *GoMLXCheckpoints) saveTo(dir string) error {
	// A checkpoint left by a previous run in the same directory would be loaded into the
	// context when the handler is created: remove it first.
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to remove old checkpoint in %q", dir)
	}
	handler, err := checkpoints.Build(c.ctx).Dir(dir).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", dir)
	}
	if klog.V(1).Enabled() {
		klog.Infof("saved checkpoint to %q (%s)", dir, humanize.Bytes(dirSize(dir)))
	}
	return nil
}

// dirSize returns the total size of the regular files in dir, ignoring errors.
func dirSize(dir string) uint64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total uint64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		total += uint64(info.Size())
	}
	return total
}

// LoadWeights loads the variables of the checkpoint in dir into ctx, overwriting the
// variables already there. The hyperparameters saved in the checkpoint are ignored: the
// ones configured in ctx are kept.
//
// dir can be the directory of one epoch (e.g.: "<output>/best_models/epoch_0012").
func LoadWeights(ctx *context.Context, dir string) error {
	_, err := checkpoints.Load(ctx).Dir(dir).ExcludeAllParams().Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	klog.Infof("loaded model weights from %q", dir)
	return nil
}
