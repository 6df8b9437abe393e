// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package archive

// Schema creates the base tables.
const Schema = `
CREATE TABLE IF NOT EXISTS charts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	email      TEXT    NOT NULL,
	hash       TEXT    NOT NULL,
	data       TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (email, hash)
);

CREATE INDEX IF NOT EXISTS idx_charts_email ON charts (email, updated_at DESC);

CREATE TABLE IF NOT EXISTS users (
	email      TEXT PRIMARY KEY,
	house_sys  TEXT    NOT NULL DEFAULT 'Placidus',
	lang_num   INTEGER NOT NULL DEFAULT 1,
	pdf_color  TEXT    NOT NULL DEFAULT 'light',
	show_stats INTEGER NOT NULL DEFAULT 1,
	ai_chat    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// migration adds one column to an existing table.
type migration struct {
	name string
	sql  string
}

// migrations run in order on every Open.
var migrations = []migration{
	{"users.openrouter_api_key", `ALTER TABLE users ADD COLUMN openrouter_api_key TEXT DEFAULT ''`},
	{"users.preferred_model", `ALTER TABLE users ADD COLUMN preferred_model TEXT DEFAULT ''`},
	{"charts.chart_type", `ALTER TABLE charts ADD COLUMN chart_type TEXT NOT NULL DEFAULT 'natal'`},
}
