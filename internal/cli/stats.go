// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// stats.go - Per-model statistics.
//
// Command: stats [--days N]
package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jeranaias/astrobro/internal/telemetry"
)

// HandleStats runs the stats command.
func HandleStats(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	return app.Stats(args)
}

// Stats prints model statistics of the last args.Days days.
func (a *App) Stats(args Args) error {
	if args.Days < 1 {
		return usageErrorf("--days N with N >= 1", "invalid window %d", args.Days)
	}
	rec, err := a.OpenRecorder()
	if err != nil {
		return err
	}
	trends, err := rec.Trends(args.Days)
	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("stats", trends).Write(a.Stdout)
	}

	title := fmt.Sprintf("Model statistics, last %d day(s)", args.Days)
	fmt.Fprintln(a.Stdout, TitleStyle.Render(title))
	if len(trends.Models) == 0 {
		fmt.Fprintln(a.Stdout, DimStyle.Render("No attempts recorded."))
		return nil
	}
	printModelStats(a, trends.Models)
	fmt.Fprintf(a.Stdout, "\n%s %d\n", RenderLabel("Failovers"), trends.Failovers)
	return nil
}

func printModelStats(a *App, models []telemetry.ModelStats) {
	tw := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tATTEMPTS\tOK\tRETRYABLE\tFAILED\tCANCELED\tSUCCESS\tFIRST TOKEN")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.0f%%\t%s\n",
			m.Model, m.Attempts, m.Successes, m.Retryable, m.Failed, m.Canceled,
			m.SuccessRate()*100, m.MeanFirstFragment().Round(time.Millisecond))
	}
	tw.Flush()
}
