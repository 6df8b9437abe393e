// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists chat transcripts so sessions survive restarts.
//
// Conversations live in a single bbolt file. A secondary bucket indexes
// them by owner and chart so that reopening the same chart resumes its
// conversation.
//
// # Key Types
//
//   - ConversationStore: bbolt-backed store
//   - StoredConversation: transcript with owner, chart and model metadata
//   - ConversationMeta: lightweight metadata for listing
//
// # Usage
//
//	store, err := storage.Open(path)
//	id, err := store.Save(conv)
//	metas, err := store.List(owner)
//	conv, err := store.FindByChart(owner, chartKey)
//
// # Storage Location
//
// By default conversations are stored in ~/.astrobro/conversations.db.
package storage
