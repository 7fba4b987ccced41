// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/gomlx/chestxray/pkg/driver"
	"github.com/gomlx/chestxray/pkg/steps"
	"github.com/schollz/progressbar/v3"
)

// newProgressFn returns a driver.ProgressFn that displays one progress bar (counting samples)
// per split and epoch.
func newProgressFn(numSamples map[string]int, numEpochs int) driver.ProgressFn {
	return func(split string, epoch int) steps.BatchFn {
		bar := progressbar.NewOptions(numSamples[split],
			progressbar.OptionSetDescription(fmt.Sprintf("%-5s %d/%d", split, epoch, numEpochs)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionClearOnFinish(),
		)
		return func(batchSize int) {
			_ = bar.Add(batchSize)
		}
	}
}
