// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models.go - Candidate models and suggested questions.
//
// Commands:
//   models [--lang LANG]     Configured candidates with descriptions
//   models --remote          Models the completion endpoint offers
//   questions [--type TYPE]  Suggested questions for a chart type
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"github.com/jeranaias/astrobro/internal/prompt"
)

// HandleModels runs the models command.
func HandleModels(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return app.Models(ctx, args)
}

// Models lists the configured candidates, or the remote catalog with
// --remote.
func (a *App) Models(ctx context.Context, args Args) error {
	if args.Remote {
		return a.remoteModels(ctx, args)
	}

	tag := prompt.ResolveLanguage(args.Lang)
	entries := prompt.Catalog(prompt.Candidates(args.Model, a.Config.Chat.Models))
	out := make([]ModelData, len(entries))
	for i, m := range entries {
		out[i] = ModelData{ID: m.ID, Description: m.Describe(tag), Default: i == 0}
	}
	if args.JSON {
		return NewJSONResponse("models", out).Write(a.Stdout)
	}

	fmt.Fprintln(a.Stdout, TitleStyle.Render("Candidate models (tried in order)"))
	for i, m := range out {
		fmt.Fprintf(a.Stdout, "%2d. %s\n    %s\n", i+1, ModelStyle.Render(m.ID), DimStyle.Render(m.Description))
	}
	return nil
}

func (a *App) remoteModels(ctx context.Context, args Args) error {
	models, err := a.Client().ListModels(ctx)
	if err != nil {
		return err
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	out := make([]ModelData, len(models))
	for i, m := range models {
		out[i] = ModelData{ID: m.ID, Description: m.Name, ContextSize: m.ContextSize, Free: m.Pricing.IsFree()}
	}
	if args.JSON {
		return NewJSONResponse("models", out).Write(a.Stdout)
	}
	for _, m := range out {
		free := ""
		if m.Free {
			free = SuccessStyle.Render(" free")
		}
		fmt.Fprintf(a.Stdout, "%s%s %s\n", m.ID, free, DimStyle.Render(fmt.Sprintf("(%d tokens)", m.ContextSize)))
	}
	if !args.Quiet {
		fmt.Fprintf(a.Stderr, "%d models\n", len(out))
	}
	return nil
}

// HandleQuestions runs the questions command.
func HandleQuestions(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	return app.Questions(args)
}

// Questions prints suggested questions for args.ChartType in args.Lang.
func (a *App) Questions(args Args) error {
	kind := args.ChartType
	if kind == "" {
		kind = string(prompt.Natal)
	}
	ct, err := prompt.ParseChartType(kind)
	if err != nil {
		return &UsageError{Reason: err.Error(), Hint: "natal, synastry, transit or solar_return"}
	}
	qs := prompt.Questions(ct, prompt.ResolveLanguage(args.Lang), nil)
	if args.JSON {
		return NewJSONResponse("questions", qs).Write(a.Stdout)
	}
	if len(qs) == 0 {
		fmt.Fprintln(a.Stdout, DimStyle.Render("No suggestions for "+ct.Label()+" charts."))
		return nil
	}
	for i, q := range qs {
		fmt.Fprintf(a.Stdout, "%2d. %s\n", i+1, q)
	}
	return nil
}
