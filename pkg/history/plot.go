// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Plot saves a line plot of the scalar metrics keys per epoch to path. The image format is
// taken from the extension (".png", ".svg", ".pdf", ...). Keys without values are skipped, and
// it's an error if none of the keys has values.
func (r *Record) Plot(path, title string, keys ...string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Legend.Top = true

	var lines []any
	for _, key := range keys {
		values := r.Scalars[key]
		if len(values) == 0 {
			continue
		}
		points := make(plotter.XYs, len(values))
		for ii, v := range values {
			points[ii].X = float64(ii + 1)
			if ii < len(r.Epochs) {
				points[ii].X = float64(r.Epochs[ii])
			}
			points[ii].Y = v
		}
		lines = append(lines, key, points)
	}
	if len(lines) == 0 {
		return errors.Errorf("no values to plot for keys %q", keys)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrapf(err, "failed to plot %q", keys)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for plot %q", path)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}
