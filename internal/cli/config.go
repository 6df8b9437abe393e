// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation for astrobro.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Display the effective configuration, secrets redacted
//   get <key>           Print one value
//   set <key> <value>   Set a value in the config file
//   path                Show the config file path
//   keys                List every key
//
// Examples:
//   astrobro config set chat.models deepseek/deepseek-chat-v3-0324:free,openrouter/auto
//   astrobro config set server.rate_limit_rps 2
//   astrobro config get session.idle_timeout_mins
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jeranaias/astrobro/internal/cloud"
	"github.com/jeranaias/astrobro/internal/config"
)

// secretKeys are never printed in full.
var secretKeys = map[string]bool{
	"chat.api_key":   true,
	"archive.secret": true,
}

// HandleConfig runs the config command.
func HandleConfig(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	return app.ConfigCommand(args)
}

// ConfigCommand runs a config subcommand against a.ConfigPath.
func (a *App) ConfigCommand(args Args) error {
	switch args.Subcommand {
	case "", "show":
		if args.JSON {
			return NewJSONResponse("config", json.RawMessage(a.Config.String())).Write(a.Stdout)
		}
		fmt.Fprintln(a.Stdout, TitleStyle.Render("astrobro configuration"))
		for _, key := range config.GetAllKeys() {
			v, err := a.Config.Get(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.Stdout, "%s %s\n", RenderLabel(key, 30), ValueStyle.Render(formatValue(key, v)))
		}
		return nil

	case "get":
		if len(args.Rest) != 1 {
			return usageErrorf("astrobro config get <key>", "expected one key")
		}
		v, err := a.Config.Get(args.Rest[0])
		if err != nil {
			return &UsageError{Reason: err.Error(), Hint: "astrobro config keys"}
		}
		fmt.Fprintln(a.Stdout, formatValue(normalizeKey(args.Rest[0]), v))
		return nil

	case "set":
		if len(args.Rest) < 2 {
			return usageErrorf("astrobro config set <key> <value>", "expected a key and a value")
		}
		return a.setConfig(args.Rest[0], strings.Join(args.Rest[1:], " "), args.Quiet)

	case "path":
		fmt.Fprintln(a.Stdout, a.ConfigPath)
		return nil

	case "keys":
		for _, key := range config.GetAllKeys() {
			fmt.Fprintln(a.Stdout, key)
		}
		return nil

	default:
		return usageErrorf("show, get, set, path or keys", "unknown config subcommand %q", args.Subcommand)
	}
}

// setConfig changes one key in the config file. Environment overrides are
// not written back.
func (a *App) setConfig(key, value string, quiet bool) error {
	cfg := config.Default()
	if _, err := os.Stat(a.ConfigPath); err == nil {
		if err := config.LoadTOML(cfg, a.ConfigPath); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	cfg.SetDefaults()

	if err := cfg.Set(key, value); err != nil {
		return &UsageError{Reason: err.Error(), Hint: "astrobro config keys"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveTOML(cfg, a.ConfigPath); err != nil {
		return err
	}

	a.Config = cfg
	if !quiet {
		v, _ := cfg.Get(key)
		fmt.Fprintf(a.Stdout, "%s %s = %s\n", SuccessStyle.Render("Saved"), normalizeKey(key), formatValue(normalizeKey(key), v))
	}
	return nil
}

// normalizeKey lowercases key and turns dashes into underscores.
func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
}

// formatValue renders a config value, masking secrets.
func formatValue(key string, v any) string {
	switch val := v.(type) {
	case string:
		if secretKeys[key] && val != "" {
			if key == "chat.api_key" {
				return "fingerprint " + cloud.Fingerprint(val)
			}
			return "[REDACTED]"
		}
		if val == "" {
			return "(not set)"
		}
		return val
	case []string:
		if len(val) == 0 {
			return "(none)"
		}
		return strings.Join(val, ", ")
	default:
		return fmt.Sprint(val)
	}
}
