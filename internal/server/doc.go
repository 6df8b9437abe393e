// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes chat sessions and the chart archive over HTTP.
//
// Replies stream as server-sent events. The caller's identity comes from a
// header set by the authenticating reverse proxy (X-User-Email by default);
// requests without it may chat anonymously but cannot use the archive.
//
// # Endpoints
//
//   - GET    /health                    - Health check
//   - GET    /api/models                - Candidate models (?lang=)
//   - GET    /api/questions             - Suggested questions (?chart=&lang=)
//   - GET    /api/stats                 - Per-model statistics (?days=)
//   - GET    /api/sessions              - Stored conversations (?q=)
//   - POST   /api/sessions              - Create, resume or replace a session
//   - GET    /api/sessions/:id          - Session details
//   - DELETE /api/sessions/:id          - End a session
//   - GET    /api/sessions/:id/messages - Transcript (?system=true)
//   - POST   /api/sessions/:id/messages - Send a message, reply as SSE
//   - GET    /api/sessions/:id/export   - Markdown or JSON (?format=json)
//   - GET    /api/charts                - Saved charts (?type=, ?q=)
//   - POST   /api/charts                - Save a chart
//   - GET    /api/charts/:hash          - Load a chart
//   - DELETE /api/charts/:hash          - Delete a chart
//   - GET    /api/users/me              - Account and options
//   - PUT    /api/users/me/api-key      - Store or clear an OpenRouter key
//   - PATCH  /api/users/me/options      - Update options
//
// # Reply Events
//
//   - fragment: {"text"} one piece of the reply
//   - failover: {"from","to","error","discarded"} the reply restarts on the next model
//   - done:     {"model","content"} the committed reply
//   - error:    {"model","error","exhausted","notice"} the send failed and was rolled back
//
// # Usage
//
//	srv := server.New(server.ConfigFrom(cfg), server.Deps{
//		Completer:     completerFor,
//		Conversations: store,
//		Archive:       db,
//		Recorder:      rec,
//	})
//	go srv.Registry().Run(ctx)
//	err := srv.Start()
package server
