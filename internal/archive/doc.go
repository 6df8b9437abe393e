// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package archive persists saved charts and per-user options in SQLite.
//
// A chart is saved as a JSON snapshot of its inputs, keyed by the owner's
// email and a hash of the identifying fields. Saving a chart whose hash
// already exists for that owner overwrites it in place.
//
// # Key Types
//
//   - Store: SQLite-backed archive (modernc.org/sqlite, no cgo)
//   - Snapshot: chart inputs for one or two people
//   - User: general options and the stored OpenRouter key
//
// # Usage
//
//	store, err := archive.Open("data.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	result, hash, err := store.SaveChart(ctx, email, snap)
//
// # Migrations
//
// Open runs every migration. Migrations are idempotent: a column that
// already exists counts as applied.
package archive
