// astrobro - chat with an astrologer model about a chart.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"io"
	"log"
	"os"

	"github.com/jeranaias/astrobro/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse(os.Args[1:])

	// Event logs are for the server; the interactive commands keep them
	// out of the terminal unless asked.
	if cmd != cli.CmdServe && !args.Verbose {
		log.SetOutput(io.Discard)
	}

	var err error
	switch cmd {
	case cli.CmdServe:
		err = cli.HandleServe(args)
	case cli.CmdAsk:
		err = cli.HandleAsk(args)
	case cli.CmdChat:
		err = cli.HandleChat(args)
	case cli.CmdModels:
		err = cli.HandleModels(args)
	case cli.CmdQuestions:
		err = cli.HandleQuestions(args)
	case cli.CmdCharts:
		err = cli.HandleCharts(args)
	case cli.CmdStats:
		err = cli.HandleStats(args)
	case cli.CmdSessions:
		err = cli.HandleSessions(args)
	case cli.CmdConfig:
		err = cli.HandleConfig(args)
	case cli.CmdVersion:
		if args.JSON {
			err = cli.NewJSONResponse("version", cli.VersionData{
				Version:   Version,
				GitCommit: GitCommit,
				BuildDate: BuildDate,
			}).Write(os.Stdout)
		} else {
			cli.PrintVersion(os.Stdout)
		}
	default:
		cli.PrintUsage(os.Stdout)
		if args.Subcommand != "" {
			err = &cli.UsageError{Reason: "unknown command: " + args.Subcommand}
		}
	}

	if err != nil {
		out := os.Stderr
		if args.JSON {
			out = os.Stdout
		}
		cli.DisplayError(out, cmd.String(), err, args.JSON)
		os.Exit(cli.ExitCode(err))
	}
}
