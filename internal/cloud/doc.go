// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the OpenRouter client used as the completion
// endpoint of chat sessions.
//
// OpenRouter exposes many hosted models behind one OpenAI-compatible API.
// This package streams chat completions over Server-Sent Events and maps
// failures to typed errors that carry the upstream status, so callers can
// decide whether to try another model.
//
// # Key Types
//
//   - OpenRouterClient: HTTP client for the OpenRouter API
//   - OpenRouterError: upstream failure with HTTP status and provider
//   - SSEReader: Server-Sent Events parser
//   - StreamChunk: one decoded completion delta
//
// # Usage
//
//	client := cloud.NewOpenRouterClient(apiKey).WithSiteName("AstroBro")
//	sess, _ := chat.New(client, systemPrompt, models)
//	reply, err := sess.Ask(ctx, "Tell me about my rising sign")
//
// # Security
//
// API keys are never logged; use KeyFingerprint for correlation. Response
// bodies are read with size limits.
package cloud
