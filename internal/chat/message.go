// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one complete turn of the transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// String renders the message for logs and debugging.
func (m Message) String() string {
	return fmt.Sprintf("%s: %s", m.Role, m.Content)
}

// =============================================================================
// COMPLETION ENDPOINT
// =============================================================================

// FragmentReader yields the text fragments of one streamed completion.
//
// Recv returns io.EOF once the model has finished. Any other error ends the
// attempt. Close releases the underlying connection and may be called more
// than once.
type FragmentReader interface {
	Recv() (string, error)
	Close() error
}

// Completer opens a streaming completion for one model.
//
// Errors that carry an upstream HTTP status must implement StatusCoder so the
// session can tell transient failures from terminal ones.
type Completer interface {
	StreamChat(ctx context.Context, model string, messages []Message) (FragmentReader, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, model string, messages []Message) (FragmentReader, error)

// StreamChat calls f.
func (f CompleterFunc) StreamChat(ctx context.Context, model string, messages []Message) (FragmentReader, error) {
	return f(ctx, model, messages)
}
