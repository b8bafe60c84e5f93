// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/catsvsdogs/pkg/fit"
	"github.com/gomlx/catsvsdogs/pkg/models"
	"github.com/pkg/errors"
)

// SVG dimensions of the comparison charts.
var (
	SVGWidth  = 1024
	SVGHeight = 400
)

// ComparisonSVG writes one SVG line chart per validation metric (comparison_accuracy.svg and
// comparison_loss.svg) in dir, with one series per model. It returns the files written.
func ComparisonSVG(dir string, histories []*fit.History) ([]string, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %q", dir)
	}
	var files []string
	for _, panel := range comparisonPanels {
		svg, err := metricSVG(panel, histories)
		if err != nil {
			return files, err
		}
		filePath := filepath.Join(dir, fmt.Sprintf("comparison_%s.svg", panel.yLabel))
		if err = os.WriteFile(filePath, svg, 0666); err != nil {
			return files, errors.Wrapf(err, "failed to write %q", filePath)
		}
		files = append(files, filePath)
	}
	return files, nil
}

// metricSVG renders one chart with one series per model.
func metricSVG(panel metricPanel, histories []*fit.History) ([]byte, error) {
	allPoints := mg.NewSeries()
	var allSeries []*mg.Series
	for _, h := range histories {
		s := mg.NewSeries(mg.Titled(models.DisplayName(h.Model)))
		var count int
		for i, v := range panel.values(h) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			value := mg.MakeValue(float64(i+1), v)
			s.Add(value)
			allPoints.Add(value)
			count++
		}
		if count > 0 {
			allSeries = append(allSeries, s)
		}
	}
	if len(allSeries) == 0 {
		return nil, errors.Errorf("no values to plot for %s", panel.title)
	}

	diagram := mg.New(SVGWidth, SVGHeight,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "epoch")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, panel.yLabel)
	diagram.Frame()
	diagram.Title(panel.title)
	diagram.Legend(mg.BottomLeft)

	buf := bytes.NewBuffer(nil)
	if err := diagram.Render(buf); err != nil {
		return nil, errors.Wrapf(err, "failed to render SVG for %s", panel.title)
	}
	return buf.Bytes(), nil
}
