// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// charts.go - Saved charts in the archive.
//
// Command: charts --email EMAIL [list|show HASH|delete HASH --confirm]
//
// Flags:
//   --type TYPE        Only charts of this type
//   --search QUERY     Match names and cities, ignoring case and accents
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/jeranaias/astrobro/internal/archive"
	"github.com/jeranaias/astrobro/internal/util"
)

// HandleCharts runs the charts command.
func HandleCharts(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	return app.Charts(context.Background(), args)
}

// Charts lists, shows or deletes the charts of args.Email.
func (a *App) Charts(ctx context.Context, args Args) error {
	if args.Email == "" {
		return usageErrorf("astrobro charts --email you@example.com", "--email is required")
	}
	db, err := a.OpenArchive(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	switch args.Subcommand {
	case "", "list", "ls":
		var charts []archive.Chart
		if args.Query != "" {
			charts, err = db.SearchCharts(ctx, args.Email, args.Query)
		} else {
			charts, err = db.ListCharts(ctx, args.Email, args.ChartType)
		}
		if err != nil {
			return err
		}
		if args.JSON {
			if charts == nil {
				charts = []archive.Chart{}
			}
			return NewJSONResponse("charts", charts).Write(a.Stdout)
		}
		a.printCharts(charts)
		return nil

	case "show":
		hash, err := chartHash(args)
		if err != nil {
			return err
		}
		chart, err := db.LoadChart(ctx, args.Email, hash)
		if err != nil {
			return err
		}
		if args.JSON {
			return NewJSONResponse("charts", chart).Write(a.Stdout)
		}
		data, err := json.MarshalIndent(chart.Snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(a.Stdout, string(data))
		return nil

	case "delete", "rm":
		hash, err := chartHash(args)
		if err != nil {
			return err
		}
		if !args.Confirm {
			return usageErrorf("add --confirm", "refusing to delete chart %s", hash)
		}
		if err := db.DeleteChart(ctx, args.Email, hash); err != nil {
			return err
		}
		if !args.Quiet {
			fmt.Fprintf(a.Stdout, "%s chart %s\n", SuccessStyle.Render("Deleted"), hash)
		}
		return nil

	default:
		return usageErrorf("list, show or delete", "unknown charts subcommand %q", args.Subcommand)
	}
}

func chartHash(args Args) (string, error) {
	if len(args.Rest) == 0 {
		return "", usageErrorf("astrobro charts "+args.Subcommand+" HASH --email E", "a chart hash is required")
	}
	return args.Rest[0], nil
}

func (a *App) printCharts(charts []archive.Chart) {
	if len(charts) == 0 {
		fmt.Fprintln(a.Stdout, DimStyle.Render("No saved charts."))
		return
	}
	tw := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tTYPE\tNAME\tCITY\tBORN\tSAVED")
	for _, c := range charts {
		p := c.Snapshot.Person1
		name := p.Name
		if c.Snapshot.Person2 != nil {
			name += " & " + c.Snapshot.Person2.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			util.TruncateRunesNoEllipsis(c.Hash, 12),
			c.Snapshot.ChartType,
			util.TruncateWidth(name, 30),
			util.TruncateWidth(p.City, 24),
			p.DateTime,
			c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}
