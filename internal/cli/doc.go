// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the astrobro commands.
//
// Every command loads the TOML configuration, builds what it needs (the
// OpenRouter client, the chart archive, the transcript store, the
// statistics recorder) and writes to the App's output streams. Replies are
// streamed as they arrive; on a terminal they are rendered as markdown
// once complete.
//
// # Key Types
//
//   - Command, Args: parsed command line
//   - App: loaded configuration and output streams
//   - ChatCLI: liner-backed line editing for the chat REPL
//   - JSONResponse: envelope of --json output
//
// # Usage
//
//	cmd, args := cli.Parse(os.Args[1:])
//	switch cmd {
//	case cli.CmdAsk:
//	    err = cli.HandleAsk(args)
//	case cli.CmdServe:
//	    err = cli.HandleServe(args)
//	// ... other commands
//	}
//	if err != nil {
//	    os.Exit(cli.ExitCode(err))
//	}
//
// # Commands
//
//   - serve: HTTP API with config hot reload
//   - ask: one question about a chart
//   - chat: interactive chat (/help, /history, /clear, /models, /questions, /quit)
//   - models, questions: candidate models and suggested questions
//   - charts: saved charts of one user
//   - sessions: saved chat transcripts (list, show, delete, prune, clear)
//   - stats: per-model statistics
//   - config: show, get and set configuration
package cli
