// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report generates the figures and tables summarizing the cats vs dogs training:
// a grid of sample images, the comparison of the models' validation metrics
// (PNG with gonum/plot and SVG with Margaid) and a terminal table.
package report

import (
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/catsvsdogs/pkg/fit"
	"github.com/gomlx/catsvsdogs/pkg/models"
	"github.com/gomlx/catsvsdogs/pkg/petimages"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	// SampleGridSize is the maximum number of rows and columns of the sample grid.
	SampleGridSize = 3

	// SampleGridFileName is the default file name of the grid of sample images.
	SampleGridFileName = "samples.png"

	// ComparisonFileName is the default file name of the comparison of the models.
	ComparisonFileName = "comparison.png"

	sampleTileSize = 2.5 * vg.Inch
)

// SampleGrid plots up to SampleGridSize x SampleGridSize of the preprocessed gray images
// (each with size x size pixels), titled with their labels, and saves it as a PNG in filePath.
func SampleGrid(filePath string, images [][]byte, labels []petimages.Label, size int) error {
	if len(images) != len(labels) {
		return errors.Errorf("SampleGrid got %d images but %d labels", len(images), len(labels))
	}
	n := min(len(images), SampleGridSize*SampleGridSize)
	if n == 0 {
		return errors.New("SampleGrid requires at least one image")
	}
	cols := min(n, SampleGridSize)
	rows := (n + cols - 1) / cols

	plots := make([][]*plot.Plot, rows)
	for row := range rows {
		plots[row] = make([]*plot.Plot, cols)
		for col := range cols {
			idx := row*cols + col
			if idx >= n {
				continue
			}
			if len(images[idx]) != size*size {
				return errors.Errorf("SampleGrid image #%d has %d pixels, expected %d (%dx%d)",
					idx, len(images[idx]), size*size, size, size)
			}
			p := plot.New()
			p.Title.Text = labels[idx].String()
			p.HideAxes()
			p.Add(plotter.NewImage(petimages.PixelsToImage(images[idx], size), 0, 0, float64(size), float64(size)))
			plots[row][col] = p
		}
	}
	return savePlotsGrid(filePath, plots, vg.Length(cols)*sampleTileSize, vg.Length(rows)*sampleTileSize)
}

// savePlotsGrid draws the plots aligned in a grid, and saves them as one PNG.
func savePlotsGrid(filePath string, plots [][]*plot.Plot, width, height vg.Length) error {
	img := vgimg.New(width, height)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: len(plots),
		Cols: len(plots[0]),
		PadX: vg.Millimeter * 2,
		PadY: vg.Millimeter * 2,
	}
	canvases := plot.Align(plots, tiles, dc)
	for row := range plots {
		for col, p := range plots[row] {
			if p != nil {
				p.Draw(canvases[row][col])
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	png := vgimg.PngCanvas{Canvas: img}
	if _, err = png.WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write PNG to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// metricPanel describes one panel of the comparison.
type metricPanel struct {
	title, yLabel string
	values        func(h *fit.History) []float64
}

var comparisonPanels = []metricPanel{
	{title: "Validation Accuracy", yLabel: "accuracy", values: (*fit.History).ValAccuracies},
	{title: "Validation Loss", yLabel: "loss", values: (*fit.History).ValLosses},
}

// epochsXYs converts per-epoch values to points, with epochs starting at 1. Non-finite values are skipped.
func epochsXYs(values []float64) plotter.XYs {
	xys := make(plotter.XYs, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(i + 1), Y: v})
	}
	return xys
}

// Comparison plots side by side the validation accuracy and validation loss per epoch of each model,
// and saves it as a PNG in filePath.
func Comparison(filePath string, histories []*fit.History) error {
	if len(histories) == 0 {
		return errors.New("Comparison requires at least one history")
	}
	row := make([]*plot.Plot, len(comparisonPanels))
	for ii, panel := range comparisonPanels {
		p := plot.New()
		p.Title.Text = panel.title
		p.X.Label.Text = "epoch"
		p.Y.Label.Text = panel.yLabel
		p.Add(plotter.NewGrid())
		p.Legend.Top = panel.yLabel == "loss"
		var lines []any
		for _, h := range histories {
			if len(h.Epochs) == 0 {
				continue
			}
			lines = append(lines, models.DisplayName(h.Model), epochsXYs(panel.values(h)))
		}
		if err := plotutil.AddLinePoints(p, lines...); err != nil {
			return errors.Wrapf(err, "failed to plot %s", panel.title)
		}
		row[ii] = p
	}
	return savePlotsGrid(filePath, [][]*plot.Plot{row}, 12*vg.Inch, 4*vg.Inch)
}
