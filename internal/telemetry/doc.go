// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry tracks how each candidate model behaves.
//
// Every attempt a chat session makes is recorded against its model:
// successes, retryable failures that moved the send to the next candidate,
// terminal failures, cancellations, and time to first fragment. Counters
// are kept per day and, when a directory is configured, persisted so that
// trends survive restarts.
//
// # Key Types
//
//   - Recorder: concurrent collector fed by chat session hooks
//   - ModelStats: per-model counters
//   - Snapshot: one day of statistics
//   - StatsStorage: daily JSON files
//
// # Usage
//
//	rec, err := telemetry.NewRecorder(dir)
//	s, err := chat.New(completer, prompt, models,
//	    chat.WithAttemptHook(rec.Record),
//	    chat.WithFailoverHook(rec.RecordFailover))
//	trends, err := rec.Trends(7)
//
// # Privacy
//
// Only counters and error messages are kept. Prompts and replies are never
// recorded.
package telemetry
