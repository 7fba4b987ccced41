// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package table loads the labeled sample tables: one CSV row per image, with the image
// identifier (a path relative to the image root directory) and its integer class label.
package table

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

const (
	// DefaultImageColumn is the default name of the column with the image identifier.
	DefaultImageColumn = "image"

	// DefaultLabelColumn is the default name of the column with the class label.
	DefaultLabelColumn = "class"
)

// Config of the table loader.
type Config struct {
	// ImageColumn and LabelColumn name the columns to read. Empty uses the defaults.
	ImageColumn, LabelColumn string

	// NumClasses, if > 0, makes Load reject labels outside [0, NumClasses).
	NumClasses int
}

// Sample is one row of the table.
type Sample struct {
	ImageID string
	Label   int
}

// Table is an immutable list of samples read from one split file.
type Table struct {
	// Split is the name of the split, taken from the file base name (e.g.: "train").
	Split   string
	Samples []Sample
}

// Load reads the CSV file in path.
//
// All errors returned are configuration errors: the run can't start with a broken table.
func Load(path string, cfg Config) (*Table, error) {
	if cfg.ImageColumn == "" {
		cfg.ImageColumn = DefaultImageColumn
	}
	if cfg.LabelColumn == "" {
		cfg.LabelColumn = DefaultLabelColumn
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open table %q", path)
	}
	defer func() { _ = f.Close() }()

	// Both columns are read as strings: labels are parsed here, so errors can point to the row.
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			cfg.ImageColumn: series.String,
			cfg.LabelColumn: series.String,
		}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse table %q", path)
	}
	for _, colName := range []string{cfg.ImageColumn, cfg.LabelColumn} {
		if !hasColumn(df, colName) {
			return nil, errors.Errorf("table %q has no column %q (columns: %q)", path, colName, df.Names())
		}
	}

	images := df.Col(cfg.ImageColumn).Records()
	labels := df.Col(cfg.LabelColumn).Records()
	t := &Table{
		Split:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Samples: make([]Sample, len(images)),
	}
	for row, imageID := range images {
		imageID = strings.TrimSpace(imageID)
		if imageID == "" {
			return nil, errors.Errorf("table %q, row %d: empty value in column %q", path, row+1, cfg.ImageColumn)
		}
		label, err := parseLabel(labels[row])
		if err != nil {
			return nil, errors.WithMessagef(err, "table %q, row %d, column %q", path, row+1, cfg.LabelColumn)
		}
		if cfg.NumClasses > 0 && (label < 0 || label >= cfg.NumClasses) {
			return nil, errors.Errorf("table %q, row %d: label %d out of range [0, %d)", path, row+1, label, cfg.NumClasses)
		}
		t.Samples[row] = Sample{ImageID: imageID, Label: label}
	}
	return t, nil
}

func hasColumn(df dataframe.DataFrame, name string) bool {
	for _, n := range df.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// parseLabel accepts integers, and floats with an integral value ("1.0"), which is how
// labels often come out of spreadsheets.
func parseLabel(value string) (int, error) {
	value = strings.TrimSpace(value)
	if label, err := strconv.Atoi(value); err == nil {
		return label, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errors.Errorf("label %q is not an integer", value)
	}
	return int(f), nil
}

// Len returns the number of samples.
func (t *Table) Len() int { return len(t.Samples) }

// Labels returns the label column.
func (t *Table) Labels() []int {
	labels := make([]int, len(t.Samples))
	for ii, s := range t.Samples {
		labels[ii] = s.Label
	}
	return labels
}

// ClassCounts returns the number of samples per class, indexed by label.
// Labels outside [0, numClasses) are not counted.
func (t *Table) ClassCounts(numClasses int) []int {
	counts := make([]int, numClasses)
	for _, s := range t.Samples {
		if s.Label >= 0 && s.Label < numClasses {
			counts[s.Label]++
		}
	}
	return counts
}

// Summary returns a one-line description of the table, e.g. `train: 5,216 samples, class 0: 1,341, class 1: 3,875`.
func (t *Table) Summary(numClasses int) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s: %s samples", t.Split, humanize.Comma(int64(t.Len())))
	for class, count := range t.ClassCounts(numClasses) {
		_, _ = fmt.Fprintf(&sb, ", class %d: %s", class, humanize.Comma(int64(count)))
	}
	return sb.String()
}
