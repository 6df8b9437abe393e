// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for astrobro.
//
// Configuration is layered, later layers winning:
//   - Built-in defaults
//   - ~/.astrobro/config.toml (or the --config path)
//   - .env files in the working directory and the config directory
//   - Environment variables (OPENROUTER_API_KEY, ASTROBRO_*)
//
// # Key Types
//
//   - Config: complete configuration with chat, server, session and
//     archive sections
//   - ValidateErrors: every problem found by Validate
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	err = config.Watch(ctx, path, 0, func(next *config.Config) {
//	    srv.SetModels(next.Chat.Models)
//	})
package config
