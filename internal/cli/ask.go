// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One question about a chart, answered on stdout.
//
// Command: ask --chart FILE [question]
//
// Examples:
//   astrobro ask --chart me.json "What does my Moon say about my career?"
//   astrobro ask --chart me.txt --type transit --lang zh-TW "這個月要注意什麼？"
//   cat me.json | astrobro ask --chart - --json "Summarize my chart"
//
// Flags:
//   -c, --chart FILE   Chart data ("-" reads stdin)
//   -t, --type TYPE    Chart type (default natal)
//   -l, --lang LANG    Reply language (default en)
//   -m, --model NAME   Try this model first
//   --json             Print {model, content} instead of streaming
//   --plain            Never render markdown
//   -q, --quiet        No failover notices
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/prompt"
)

// MaxChartFileSize is the largest chart file accepted (256KB).
const MaxChartFileSize = 256 * 1024

// =============================================================================
// COMMAND
// =============================================================================

// HandleAsk runs the ask command.
func HandleAsk(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	if args.ChartFile == "-" && IsTTY() {
		return usageErrorf("cat chart.json | astrobro ask --chart - QUESTION", "--chart - reads stdin, but stdin is a terminal")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return app.Ask(ctx, args, os.Stdin)
}

// Ask answers args.Prompt about the chart in args.ChartFile. Model
// statistics are recorded when the stats directory is writable.
func (a *App) Ask(ctx context.Context, args Args, stdin io.Reader) error {
	if args.Prompt == "" {
		return usageErrorf(`astrobro ask --chart FILE "question"`, "a question is required")
	}
	data, err := loadChartData(args.ChartFile, stdin)
	if err != nil {
		return err
	}

	var opts []chat.Option
	if rec, err := a.OpenRecorder(); err == nil {
		defer rec.Flush()
		opts = append(opts, chat.WithAttemptHook(rec.Record), chat.WithFailoverHook(rec.RecordFailover))
	}

	s, info, err := newChartSession(a.Client(), args, data, a.Config.Chat.Models, opts...)
	if err != nil {
		return err
	}

	st := s.Send(ctx, args.Prompt)
	defer st.Close()

	live := !args.JSON && a.Markdown == nil
	reply, err := a.streamReply(st, live, args.Quiet || args.JSON)
	if err != nil {
		a.printFailure(err, info.Lang)
		return err
	}

	switch {
	case args.JSON:
		return NewJSONResponse("ask", reply).Write(a.Stdout)
	case a.Markdown != nil:
		fmt.Fprint(a.Stdout, a.Markdown.Render(reply.Content))
	}
	if !args.Quiet && !args.JSON {
		fmt.Fprintln(a.Stderr, DimStyle.Render(fmt.Sprintf("(%s, %s)", reply.Model, reply.Duration)))
	}
	return nil
}

// =============================================================================
// CHART DATA
// =============================================================================

// loadChartData reads chart data from path; "-" reads stdin. A JSON array
// of tables is rendered as markdown tables and anything else is used as
// text.
func loadChartData(path string, stdin io.Reader) (string, error) {
	if path == "" {
		return "", usageErrorf("--chart FILE", "chart data is required")
	}

	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(io.LimitReader(stdin, MaxChartFileSize+1))
	} else {
		var info os.FileInfo
		if info, err = os.Stat(path); err == nil && info.Size() > MaxChartFileSize {
			return "", fmt.Errorf("chart file too large: %s (%d bytes, max %d)", path, info.Size(), MaxChartFileSize)
		}
		if err == nil {
			raw, err = os.ReadFile(path)
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chart: %w", err)
	}
	if len(raw) > MaxChartFileSize {
		return "", fmt.Errorf("chart data too large (max %d bytes)", MaxChartFileSize)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", usageErrorf("--chart FILE", "chart file %s is empty", path)
	}
	if trimmed[0] == '[' {
		var tables []prompt.Table
		if err := json.Unmarshal(trimmed, &tables); err != nil {
			return "", fmt.Errorf("failed to parse chart tables in %s: %w", path, err)
		}
		return prompt.RenderTables(tables...), nil
	}
	return string(trimmed), nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// chartInfo is what a session was built from.
type chartInfo struct {
	ChartType prompt.ChartType
	Lang      language.Tag
	Data      string
}

// newChartSession builds a chat session about data. The --model choice,
// if any, is tried before the configured candidates.
func newChartSession(completer chat.Completer, args Args, data string, models []string, opts ...chat.Option) (*chat.Session, chartInfo, error) {
	info := chartInfo{Lang: prompt.ResolveLanguage(args.Lang), Data: data}

	kind := args.ChartType
	if kind == "" {
		kind = string(prompt.Natal)
	}
	ct, err := prompt.ParseChartType(kind)
	if err != nil {
		return nil, info, &UsageError{Reason: err.Error(), Hint: "natal, synastry, transit or solar_return"}
	}
	info.ChartType = ct

	system, err := prompt.Build(prompt.Params{ChartType: ct, Language: info.Lang, ChartData: data})
	if err != nil {
		return nil, info, err
	}
	s, err := chat.New(completer, system, prompt.Candidates(args.Model, models), opts...)
	if err != nil {
		return nil, info, err
	}
	return s, info, nil
}

// =============================================================================
// STREAMING
// =============================================================================

// streamReply drains st. With live set, fragments are printed as they
// arrive; a failover abandons the printed partial reply with a notice.
func (a *App) streamReply(st *chat.Stream, live, quiet bool) (AskData, error) {
	start := time.Now()
	var hops []FailoverHop
	printed := false

	st.OnFailover(func(f chat.Failover) {
		hops = append(hops, FailoverHop{From: f.From, To: f.To, Error: errString(f.Err)})
		if printed {
			fmt.Fprintln(a.Stdout)
			printed = false
		}
		a.infof(quiet, "%s\n", WarningStyle.Render(
			fmt.Sprintf("[%s failed: %s; retrying with %s]", f.From, errString(f.Err), f.To)))
	})

	for st.Next() {
		if live {
			fmt.Fprint(a.Stdout, st.Fragment())
			printed = true
		}
	}
	if printed && !strings.HasSuffix(st.Content(), "\n") {
		fmt.Fprintln(a.Stdout)
	}

	reply := AskData{
		Model:     st.Model(),
		Content:   st.Content(),
		Failovers: hops,
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}
	return reply, st.Err()
}

// printFailure explains a failed send in the reply language.
func (a *App) printFailure(err error, tag language.Tag) {
	var fe *chat.FailureError
	if !errors.As(err, &fe) || chat.IsCanceled(err) {
		return
	}
	kind := prompt.ModelUnavailable
	if fe.Exhausted() {
		kind = prompt.ModelBusy
	}
	fmt.Fprintln(a.Stderr, WarningStyle.Render(prompt.Notice(kind, fe.Model, tag)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
