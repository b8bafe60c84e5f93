// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	"github.com/MetalBlueberry/go-plotly/pkg/offline"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/gomlx/catsvsdogs/pkg/fit"
	"github.com/gomlx/catsvsdogs/pkg/models"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// comparisonFigs creates one Plotly figure per comparison panel, with one trace per model.
func comparisonFigs(histories []*fit.History) []*grob.Fig {
	figs := make([]*grob.Fig, 0, len(comparisonPanels))
	for _, panel := range comparisonPanels {
		fig := &grob.Fig{
			Layout: &grob.Layout{
				Title: &grob.LayoutTitle{
					Text: ptypes.S(panel.title),
				},
				Xaxis: &grob.LayoutXaxis{
					Showgrid: ptypes.B(true),
				},
				Yaxis: &grob.LayoutYaxis{
					Showgrid: ptypes.B(true),
				},
				Legend: &grob.LayoutLegend{},
			},
		}
		for _, h := range histories {
			var xs, ys []float64
			for i, v := range panel.values(h) {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				xs = append(xs, float64(i+1))
				ys = append(ys, v)
			}
			if len(xs) == 0 {
				continue
			}
			fig.Data = append(fig.Data, &grob.Scatter{
				Name: ptypes.S(models.DisplayName(h.Model)),
				Line: &grob.ScatterLine{
					Shape: grob.ScatterLineShapeLinear,
				},
				Mode: "lines+markers",
				X:    ptypes.DataArray(xs),
				Y:    ptypes.DataArray(ys),
			})
		}
		figs = append(figs, fig)
	}
	return figs
}

// ComparisonHTML writes one interactive Plotly chart per validation metric (comparison_accuracy.html and
// comparison_loss.html) in dir, with one trace per model. It returns the files written.
// The pages load plotly.js from its CDN.
func ComparisonHTML(dir string, histories []*fit.History) ([]string, error) {
	if len(histories) == 0 {
		return nil, errors.New("ComparisonHTML requires at least one history")
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %q", dir)
	}
	var files []string
	for ii, fig := range comparisonFigs(histories) {
		filePath := filepath.Join(dir, fmt.Sprintf("comparison_%s.html", comparisonPanels[ii].yLabel))
		_ = os.Remove(filePath)
		offline.ToHtml(fig, filePath)
		if !fsutil.MustFileExists(filePath) {
			return files, errors.Errorf("failed to write plotly chart %q to %q", comparisonPanels[ii].title, filePath)
		}
		files = append(files, filePath)
	}
	return files, nil
}
