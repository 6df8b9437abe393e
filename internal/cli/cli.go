// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command parsing, usage and version output for astrobro.
package cli

import (
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdServe
	CmdAsk
	CmdChat
	CmdModels
	CmdQuestions
	CmdCharts
	CmdStats
	CmdSessions
	CmdConfig
	CmdVersion
)

// commandNames maps command words and aliases to commands.
var commandNames = map[string]Command{
	"serve":     CmdServe,
	"server":    CmdServe,
	"ask":       CmdAsk,
	"chat":      CmdChat,
	"models":    CmdModels,
	"questions": CmdQuestions,
	"q":         CmdQuestions,
	"charts":    CmdCharts,
	"stats":     CmdStats,
	"sessions":  CmdSessions,
	"config":    CmdConfig,
	"version":   CmdVersion,
	"help":      CmdHelp,
}

// boolFlags never take a value.
var boolFlags = []string{"json", "quiet", "q", "verbose", "v", "remote", "plain", "help", "h", "version", "confirm"}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	JSON       bool
	Quiet      bool
	Verbose    bool
	Plain      bool // never render markdown

	// Chat flags
	Model     string
	Lang      string
	ChartFile string
	ChartType string

	// Archive flags
	Email string
	Query string

	Days    int
	Remote  bool
	Addr    string
	Confirm bool

	// Subcommand and the positionals after it, e.g. "config set chat.models a,b".
	Subcommand string
	Rest       []string

	// Prompt is the joined positional text of ask.
	Prompt string
}

const usageText = `astrobro - chat with an astrologer model about a chart

Usage:
  astrobro serve                    Run the HTTP API
  astrobro ask --chart FILE "..."   Ask one question about a chart
  astrobro chat --chart FILE        Interactive chat about a chart
  astrobro models                   List candidate models
  astrobro questions                Suggested questions for a chart type
  astrobro charts --email E         List saved charts
  astrobro stats [--days N]         Per-model statistics
  astrobro sessions [list|show|delete|prune|clear]
  astrobro config [show|get|set|path|keys]
  astrobro version

Chat Flags:
  -c, --chart FILE   Chart data: a JSON list of tables or plain text
  -t, --type TYPE    natal, synastry, transit or solar_return (default natal)
  -l, --lang LANG    Reply language: en or zh-TW (default en)
  -m, --model NAME   Try this model first
  --plain            Print replies without markdown rendering

Other Flags:
  --config FILE      Config file (default ~/.astrobro/config.toml)
  --json             Machine-readable output
  --email EMAIL      Owner of charts and sessions
  --search QUERY     Search charts by name or city, sessions by text
  --days N           Statistics window in days (stats)
  --remote           List models from the completion endpoint (models)
  --addr HOST:PORT   Listen address (serve)
  -q, --quiet        Minimal output
  -v, --verbose      Debug output

Examples:
  astrobro ask --chart me.json "What does my Moon say about my career?"
  astrobro chat --chart me.json --lang zh-TW
  astrobro charts --email me@example.com --search taipei
  astrobro config set chat.models deepseek/deepseek-chat-v3-0324:free,openrouter/auto

Version: %s
`

// PrintUsage writes the usage text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "astrobro version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Parse parses argv (without the program name) into a command and its args.
// An unknown command word is reported as CmdHelp with Subcommand set to it.
func Parse(argv []string) (Command, Args) {
	p := NewArgParser(argv, boolFlags...)

	args := Args{
		ConfigPath: p.Flag("config"),
		JSON:       p.BoolFlag("json"),
		Quiet:      p.BoolFlag("quiet", "q"),
		Verbose:    p.BoolFlag("verbose", "v"),
		Plain:      p.BoolFlag("plain"),
		Model:      p.Flag("model", "m"),
		Lang:       p.Flag("lang", "l"),
		ChartFile:  p.Flag("chart", "c"),
		ChartType:  p.Flag("type", "t"),
		Email:      p.Flag("email", "e"),
		Query:      p.Flag("search", "s"),
		Days:       p.FlagIntOrDefault("days", 1),
		Remote:     p.BoolFlag("remote"),
		Addr:       p.Flag("addr"),
		Confirm:    p.BoolFlag("confirm"),
	}

	if p.BoolFlag("version") {
		return CmdVersion, args
	}

	word := strings.ToLower(p.Positional(0))
	if word == "" || p.BoolFlag("help", "h") {
		return CmdHelp, args
	}
	cmd, ok := commandNames[word]
	if !ok {
		args.Subcommand = word
		return CmdHelp, args
	}

	switch cmd {
	case CmdAsk:
		args.Prompt = strings.TrimSpace(strings.Join(p.PositionalFrom(1), " "))
	default:
		args.Subcommand = strings.ToLower(p.Positional(1))
		if p.PositionalCount() > 2 {
			args.Rest = p.PositionalFrom(2)
		}
	}
	return cmd, args
}

// String returns the command word.
func (c Command) String() string {
	switch c {
	case CmdServe:
		return "serve"
	case CmdAsk:
		return "ask"
	case CmdChat:
		return "chat"
	case CmdModels:
		return "models"
	case CmdQuestions:
		return "questions"
	case CmdCharts:
		return "charts"
	case CmdStats:
		return "stats"
	case CmdSessions:
		return "sessions"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	default:
		return "help"
	}
}
