// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/catsvsdogs/pkg/fit"
	"github.com/gomlx/catsvsdogs/pkg/models"
	"github.com/muesli/termenv"
)

var summaryHeaders = []string{"Model", "Parameters", "Epochs", "Best Epoch", "Val Loss", "Val Accuracy", "Time", "Saved To"}

var summaryAlignments = []lipgloss.Position{
	lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right,
	lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left,
}

// SummaryTable renders a table with the results of each trained model, styled for w.
// If plain is set, no colors or other terminal attributes are used.
func SummaryTable(w io.Writer, histories []*fit.History, plain bool) string {
	renderer := lipgloss.NewRenderer(w)
	if plain {
		renderer.SetColorProfile(termenv.Ascii)
	}
	headerRowStyle := renderer.NewStyle().Reverse(true).
		Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle := renderer.NewStyle().Faint(false).
		PaddingLeft(1).PaddingRight(1)
	evenRowStyle := renderer.NewStyle().Faint(true).
		PaddingLeft(1).PaddingRight(1)

	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(summaryHeaders...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col < len(summaryAlignments) {
				s = s.Align(summaryAlignments[col])
			}
			return
		})
	for _, h := range histories {
		table.Row(summaryRow(h)...)
	}
	return table.String()
}

func summaryRow(h *fit.History) []string {
	var total time.Duration
	for _, e := range h.Epochs {
		total += e.Duration
	}
	bestEpoch, valLoss, valAcc := "-", "-", "-"
	if best, ok := h.Best(); ok {
		bestEpoch = fmt.Sprintf("%d", h.BestEpoch)
		if h.RestoredBest {
			bestEpoch += " (restored)"
		}
		valLoss = fmt.Sprintf("%.4f", best.ValLoss)
		valAcc = fmt.Sprintf("%.2f%%", 100*best.ValAccuracy)
	}
	epochs := fmt.Sprintf("%d", len(h.Epochs))
	if h.StoppedEarly {
		epochs += " (early stop)"
	}
	savedTo := h.Dir
	if savedTo == "" {
		savedTo = "-"
	}
	return []string{
		models.DisplayName(h.Model),
		humanize.Comma(int64(h.NumParameters)),
		epochs,
		bestEpoch,
		valLoss,
		valAcc,
		total.Round(time.Second).String(),
		savedTo,
	}
}
