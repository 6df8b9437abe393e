// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - Runs the HTTP API.
//
// Command: serve [--addr HOST:PORT]
//
// Editing the config file while the server runs applies a new candidate
// model list to sessions created afterwards.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/astrobro/internal/cloud"
	"github.com/jeranaias/astrobro/internal/config"
	"github.com/jeranaias/astrobro/internal/server"
)

// shutdownTimeout bounds how long in-flight replies may finish.
const shutdownTimeout = 15 * time.Second

// HandleServe runs the serve command until SIGINT or SIGTERM.
func HandleServe(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Serve(ctx, args)
}

// NewServer opens the stores and builds the server. The returned cleanup
// closes them.
func (a *App) NewServer(ctx context.Context) (*server.Server, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Printf("CLOSE_ERROR | err=%v", err)
			}
		}
	}

	db, err := a.OpenArchive(ctx)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, db.Close)

	store, err := a.OpenConversations()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, store.Close)

	if retention := a.Config.Retention(); retention > 0 {
		if n, err := store.Prune(retention); err != nil {
			log.Printf("STORE_PRUNE_ERROR | err=%v", err)
		} else if n > 0 {
			log.Printf("STORE_PRUNED | conversations=%d", n)
		}
	}

	rec, err := a.OpenRecorder()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	client := a.Client()
	srv := server.New(server.ConfigFrom(a.Config), server.Deps{
		Completer:     a.Completers(),
		Conversations: store,
		Archive:       db,
		Recorder:      rec,
		CheckKey: func(ctx context.Context, key string) error {
			_, err := client.WithAPIKey(key).CheckKey(ctx)
			return err
		},
	})
	return srv, cleanup, nil
}

// Serve runs the server until ctx is done, then shuts it down gracefully.
func (a *App) Serve(ctx context.Context, args Args) error {
	if args.Addr != "" {
		a.Config.Server.Addr = args.Addr
	}
	if a.Config.Chat.APIKey == "" {
		log.Printf("SERVER_WARNING | no server api key; only users with their own key can chat")
	} else {
		log.Printf("SERVER_KEY | fingerprint=%s", cloud.Fingerprint(a.Config.Chat.APIKey))
	}

	srv, cleanup, err := a.NewServer(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	go srv.Registry().Run(ctx)
	go func() {
		err := config.Watch(ctx, a.ConfigPath, 0, func(cfg *config.Config) {
			log.Printf("CONFIG_RELOADED | path=%s", a.ConfigPath)
			srv.SetModels(cfg.Chat.Models)
		})
		if err != nil {
			log.Printf("CONFIG_WATCH_ERROR | path=%s err=%v", a.ConfigPath, err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	if !args.Quiet {
		fmt.Fprintf(a.Stderr, "%s listening on http://%s\n", SuccessStyle.Render("astrobro"), a.Config.Server.Addr)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
