// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/chestxray/pkg/driver"
	"github.com/gomlx/chestxray/pkg/history"
)

var (
	headerStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	rowStyle = lipgloss.NewStyle().
			PaddingLeft(1).PaddingRight(1)
	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// runSummary is printed at the end of a run.
type runSummary struct {
	rows      [][2]string
	highlight map[int]bool
}

func (s *runSummary) add(highlight bool, name, value string) {
	if highlight {
		s.highlight[len(s.rows)] = true
	}
	s.rows = append(s.rows, [2]string{name, value})
}

// newRunSummary collects the final metrics of the run. record may be nil.
func newRunSummary(opts options, d *driver.Driver, record *history.Record, historyPath string) *runSummary {
	s := &runSummary{highlight: make(map[int]bool)}
	s.add(false, "Mode", opts.mode.String())
	if record == nil || len(record.Epochs) == 0 {
		s.add(true, "Epochs", "none completed")
		return s
	}
	s.add(false, "Epochs", fmt.Sprintf("%d to %d", record.Epochs[0], record.Epochs[len(record.Epochs)-1]))

	split := driver.ValidSplit
	if opts.mode == driver.EvaluateOnly {
		split = driver.TestSplit
	} else {
		s.add(false, "Train loss (last)", lastValue(record, history.Key(driver.TrainSplit, history.SuffixLoss)))
		s.add(false, "Train accuracy (last)", lastValue(record, history.Key(driver.TrainSplit, history.SuffixAccuracy)))
	}
	s.add(false, fmt.Sprintf("%s loss (last)", split), lastValue(record, history.Key(split, history.SuffixLoss)))
	s.add(false, fmt.Sprintf("%s accuracy (last)", split), lastValue(record, history.Key(split, history.SuffixAccuracy)))
	s.add(false, fmt.Sprintf("%s AUC (last)", split), lastValue(record, history.Key(split, history.SuffixAUC)))
	if opts.mode == driver.TrainAndValidate {
		bestEpoch, bestLoss := d.Summary()
		if bestEpoch > 0 {
			s.add(true, "Best epoch", fmt.Sprintf("%d (valid loss %.4f)", bestEpoch, bestLoss))
			s.add(false, "Best checkpoint", filepath.Join(opts.outputDir, driver.BestModelsDir, driver.EpochDir(bestEpoch)))
		}
	}
	if record.IsSealed() {
		s.add(false, "History", historyPath)
	}
	return s
}

func lastValue(record *history.Record, key string) string {
	values := record.Scalar(key)
	if len(values) == 0 || math.IsNaN(values[len(values)-1]) {
		return "-"
	}
	return fmt.Sprintf("%.4f", values[len(values)-1])
}

// Table renders the summary.
func (s *runSummary) Table() string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Summary", "").
		StyleFunc(func(row, col int) lipgloss.Style {
			var style lipgloss.Style
			switch {
			case row < 0:
				style = headerStyle
			case s.highlight[row]:
				style = highlightStyle
			default:
				style = rowStyle
			}
			if col == 0 {
				return style.Align(lipgloss.Left)
			}
			return style.Align(lipgloss.Right)
		})
	for _, row := range s.rows {
		table.Row(row[0], row[1])
	}
	return table.String()
}
