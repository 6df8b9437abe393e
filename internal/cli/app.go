// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Collaborators shared by the astrobro commands.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jeranaias/astrobro/internal/archive"
	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/cloud"
	"github.com/jeranaias/astrobro/internal/config"
	"github.com/jeranaias/astrobro/internal/storage"
	"github.com/jeranaias/astrobro/internal/telemetry"
)

// App is the loaded configuration plus the output streams a command
// writes to.
type App struct {
	Config     *config.Config
	ConfigPath string

	Stdout io.Writer
	Stderr io.Writer

	// Markdown renders replies; nil prints them as they stream.
	Markdown *MarkdownRenderer
}

// NewApp loads the configuration named by args (or the default one).
func NewApp(args Args) (*App, error) {
	path := args.ConfigPath
	if path == "" {
		p, err := config.ConfigPathTOML()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:     cfg,
		ConfigPath: path,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}
	if !args.Plain && !args.JSON && IsStdoutTTY() {
		app.Markdown = NewMarkdownRenderer(GetTerminalWidth())
	}
	return app, nil
}

// Client builds the OpenRouter client from the chat settings.
func (a *App) Client() *cloud.OpenRouterClient {
	c := a.Config.Chat
	return cloud.NewOpenRouterClient(c.APIKey).
		WithBaseURL(c.BaseURL).
		WithTimeout(a.Config.RequestTimeout()).
		WithSiteURL(c.SiteURL).
		WithSiteName(c.SiteName).
		WithSystemRole(c.SystemRole)
}

// Completers returns a function that selects the client for a user's API
// key. The empty key selects the configured one.
func (a *App) Completers() func(apiKey string) chat.Completer {
	base := a.Client()
	return func(apiKey string) chat.Completer {
		if apiKey == "" {
			return base
		}
		return base.WithAPIKey(apiKey)
	}
}

// OpenArchive opens the chart and user database. Stored API keys are
// sealed when an archive secret is configured.
func (a *App) OpenArchive(ctx context.Context) (*archive.Store, error) {
	db, err := archive.Open(a.Config.Archive.DatabasePath)
	if err != nil {
		return nil, err
	}
	if secret := a.Config.Archive.Secret; secret != "" {
		if err := db.EnableEncryption(ctx, secret, 0); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable api key encryption: %w", err)
		}
	}
	return db, nil
}

// OpenConversations opens the transcript store.
func (a *App) OpenConversations() (*storage.ConversationStore, error) {
	return storage.Open(a.Config.Session.StorePath)
}

// StatsDir is where daily model statistics are kept, next to the
// transcript store.
func (a *App) StatsDir() string {
	return filepath.Join(filepath.Dir(a.Config.Session.StorePath), "stats")
}

// OpenRecorder opens the model statistics recorder.
func (a *App) OpenRecorder() (*telemetry.Recorder, error) {
	return telemetry.NewRecorder(a.StatsDir())
}

// infof writes progress to stderr unless quiet.
func (a *App) infof(quiet bool, format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(a.Stderr, format, args...)
}
