// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat about a chart.
//
// Command: chat --chart FILE
//
// Slash commands:
//   /help        Show commands
//   /history     Show the conversation so far
//   /clear       Start over with a fresh session
//   /models      Show the candidate models, active one marked
//   /questions   Suggested questions for this chart type
//   /quit        Exit (also /exit, Ctrl+D)
//
// Ctrl+C while a reply streams cancels that reply; the question is
// removed from the conversation.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/prompt"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// LineReader reads one line of input after printing a prompt.
type LineReader interface {
	Prompt(prompt string) (string, error)
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI whose history lives in dir.
func NewChatCLI(dir string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(dir, "chat_history"),
	}
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// Prompt reads a line of input, adding non-empty lines to the history.
func (c *ChatCLI) Prompt(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history (0600) and restores the terminal.
func (c *ChatCLI) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// =============================================================================
// COMMAND
// =============================================================================

// HandleChat runs the interactive chat command.
func HandleChat(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	if args.ChartFile == "-" {
		return usageErrorf("astrobro chat --chart FILE", "chat reads questions from stdin, so the chart must be a file")
	}
	data, err := loadChartData(args.ChartFile, nil)
	if err != nil {
		return err
	}

	input := NewChatCLI(filepath.Dir(app.ConfigPath))
	defer input.Close()
	return app.Chat(context.Background(), args, data, input)
}

// chatState is one interactive conversation.
type chatState struct {
	app  *App
	args Args
	data string
	opts []chat.Option

	session *chat.Session
	info    chartInfo
}

// Chat runs the REPL until the input ends or the user quits.
func (a *App) Chat(ctx context.Context, args Args, data string, in LineReader) error {
	cs := &chatState{app: a, args: args, data: data}
	if rec, err := a.OpenRecorder(); err == nil {
		defer rec.Flush()
		cs.opts = append(cs.opts, chat.WithAttemptHook(rec.Record), chat.WithFailoverHook(rec.RecordFailover))
	}
	if err := cs.reset(); err != nil {
		return err
	}

	if !args.Quiet {
		fmt.Fprintln(a.Stdout, TitleStyle.Render("astrobro: "+cs.info.ChartType.Label()+" chart"))
		fmt.Fprintln(a.Stdout, DimStyle.Render("Type a question, /help for commands, /quit to exit."))
		fmt.Fprintln(a.Stdout, RenderSeparatorAdaptive())
	}

	for {
		line, err := in.Prompt(PromptStyle.Render("astro> "))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(a.Stdout)
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "/"):
			quit, err := cs.command(line)
			if err != nil {
				fmt.Fprintf(a.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if quit {
				return nil
			}
		case strings.EqualFold(line, "exit"), strings.EqualFold(line, "quit"):
			return nil
		default:
			cs.send(ctx, line)
		}
	}
}

// reset starts a fresh session about the chart.
func (cs *chatState) reset() error {
	s, info, err := newChartSession(cs.app.Client(), cs.args, cs.data, cs.app.Config.Chat.Models, cs.opts...)
	if err != nil {
		return err
	}
	cs.session, cs.info = s, info
	return nil
}

// send streams the reply to one question. Ctrl+C cancels the reply.
func (cs *chatState) send(ctx context.Context, question string) {
	a := cs.app
	sendCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	st := cs.session.Send(sendCtx, question)
	defer st.Close()

	reply, err := a.streamReply(st, a.Markdown == nil, cs.args.Quiet)
	switch {
	case chat.IsCanceled(err):
		fmt.Fprintln(a.Stderr, WarningStyle.Render("[Cancelled]"))
	case err != nil:
		a.printFailure(err, cs.info.Lang)
		if cs.args.Verbose {
			fmt.Fprintf(a.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
	default:
		if a.Markdown != nil {
			fmt.Fprint(a.Stdout, a.Markdown.Render(reply.Content))
		}
		if !cs.args.Quiet {
			fmt.Fprintln(a.Stderr, DimStyle.Render("("+reply.Model+")"))
		}
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

const chatHelp = `Commands:
  /help        Show this help
  /history     Show the conversation so far
  /clear       Start over with a fresh session
  /models      Show the candidate models
  /questions   Suggested questions for this chart
  /quit        Exit`

// command runs a slash command and reports whether to quit.
func (cs *chatState) command(line string) (bool, error) {
	a := cs.app
	name, _, _ := strings.Cut(strings.ToLower(line), " ")

	switch name {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help", "/?":
		fmt.Fprintln(a.Stdout, chatHelp)

	case "/history":
		turns := 0
		for _, m := range cs.session.Transcript() {
			if m.Role == chat.RoleSystem {
				continue
			}
			turns++
			label := SuccessStyle.Render("You")
			if m.Role == chat.RoleAssistant {
				label = ModelStyle.Render("Astrologer")
			}
			fmt.Fprintf(a.Stdout, "%s\n%s\n\n", label, WrapText(m.Content, GetTerminalWidth()))
		}
		if turns == 0 {
			fmt.Fprintln(a.Stdout, DimStyle.Render("No messages yet."))
		}

	case "/clear", "/new":
		if err := cs.reset(); err != nil {
			return false, err
		}
		fmt.Fprintln(a.Stdout, DimStyle.Render("Started a new conversation."))

	case "/models":
		active := cs.session.ActiveModel()
		for _, m := range prompt.Catalog(cs.session.Candidates()) {
			marker := "  "
			if m.ID == active {
				marker = SuccessStyle.Render("* ")
			}
			fmt.Fprintf(a.Stdout, "%s%s  %s\n", marker, m.ID, DimStyle.Render(m.Describe(cs.info.Lang)))
		}

	case "/questions":
		qs := prompt.Questions(cs.info.ChartType, cs.info.Lang, nil)
		if len(qs) == 0 {
			fmt.Fprintln(a.Stdout, DimStyle.Render("No suggestions for this chart type."))
		}
		for i, q := range qs {
			fmt.Fprintf(a.Stdout, "%2d. %s\n", i+1, q)
		}

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}
