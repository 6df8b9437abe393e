// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"github.com/charmbracelet/glamour"
)

// MarkdownRenderer renders replies for the terminal.
type MarkdownRenderer struct {
	r *glamour.TermRenderer
}

// NewMarkdownRenderer returns a renderer wrapping at width, or nil when
// glamour cannot be initialized.
func NewMarkdownRenderer(width int) *MarkdownRenderer {
	if width > 100 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		return nil
	}
	return &MarkdownRenderer{r: r}
}

// Render returns content rendered as terminal markdown, or content itself
// when rendering fails.
func (m *MarkdownRenderer) Render(content string) string {
	if m == nil || m.r == nil {
		return content
	}
	out, err := m.r.Render(content)
	if err != nil {
		return content
	}
	return out
}
