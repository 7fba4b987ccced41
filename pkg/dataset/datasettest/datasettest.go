// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasettest writes small synthetic splits (PNG images plus a CSV table) for tests of
// packages that consume the chest X-ray datasets.
package datasettest

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/chestxray/pkg/table"
	"github.com/stretchr/testify/require"
)

// WriteSplit writes one gray-scale PNG image per label under dir/images and a table
// dir/<split>.csv referencing them. Images of class 1 are bright with a dark border and images
// of class 0 are dark, so a model can separate them.
//
// It returns the path to the CSV file and the image root directory.
func WriteSplit(t testing.TB, dir, split string, labels []int, width, height int) (csvPath, rootDir string) {
	t.Helper()
	rootDir = filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(filepath.Join(rootDir, split), 0o755))
	var sb strings.Builder
	sb.WriteString("image,class\n")
	for ii, label := range labels {
		imageID := fmt.Sprintf("%s/img_%04d.png", split, ii)
		WriteImage(t, filepath.Join(rootDir, filepath.FromSlash(imageID)), label, width, height)
		_, _ = fmt.Fprintf(&sb, "%s,%d\n", imageID, label)
	}
	csvPath = filepath.Join(dir, split+".csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(sb.String()), 0o644))
	return
}

// WriteImage writes a synthetic PNG for the given label to path.
func WriteImage(t testing.TB, path string, label, width, height int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			v := uint8(40 + (x+y)%16)
			if label == 1 {
				v = 220 - uint8((x*y)%16)
				if x == 0 || y == 0 || x == width-1 || y == height-1 {
					v = 10
				}
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

// LoadSplit writes a split with WriteSplit and loads its table.
func LoadSplit(t testing.TB, dir, split string, labels []int, width, height int) (tbl *table.Table, rootDir string) {
	t.Helper()
	csvPath, rootDir := WriteSplit(t, dir, split, labels, width, height)
	tbl, err := table.Load(csvPath, table.Config{NumClasses: 2})
	require.NoError(t, err)
	return tbl, rootDir
}
