// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// SESSION
// =============================================================================

// Session is one conversation about one chart.
type Session struct {
	mu sync.Mutex

	completer  Completer
	candidates []string
	transcript []Message

	// cursor indexes the candidate of the current or most recent attempt.
	cursor int
	busy   bool

	onFailover func(Failover)
	onAttempt  func(Attempt)
	now        func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithFailoverHook registers fn to run each time a send abandons a candidate
// and moves to the next one. fn runs on the goroutine that drives the stream.
func WithFailoverHook(fn func(Failover)) Option {
	return func(s *Session) {
		s.onFailover = fn
	}
}

// WithAttemptHook registers fn to run when each attempt finishes.
func WithAttemptHook(fn func(Attempt)) Option {
	return func(s *Session) {
		s.onAttempt = fn
	}
}

// WithClock replaces time.Now for attempt timings.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// New creates a session whose transcript holds only the system prompt.
// No network call is made.
func New(completer Completer, systemPrompt string, candidates []string, opts ...Option) (*Session, error) {
	if completer == nil {
		return nil, ErrNoCompleter
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	s := &Session{
		completer:  completer,
		candidates: append([]string(nil), candidates...),
		transcript: []Message{SystemMessage(systemPrompt)},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Restore rebuilds a session from a saved transcript.
//
// The transcript must start with the system message and then alternate user
// and assistant turns, ending on an assistant turn.
func Restore(completer Completer, transcript []Message, candidates []string, opts ...Option) (*Session, error) {
	if err := ValidateTranscript(transcript); err != nil {
		return nil, err
	}
	s, err := New(completer, transcript[0].Content, candidates, opts...)
	if err != nil {
		return nil, err
	}
	s.transcript = append(s.transcript, transcript[1:]...)
	return s, nil
}

// ValidateTranscript checks the shape Restore requires.
func ValidateTranscript(transcript []Message) error {
	if len(transcript) == 0 || transcript[0].Role != RoleSystem {
		return fmt.Errorf("%w: first message must be the system message", ErrInvalidTranscript)
	}
	for i, m := range transcript[1:] {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		if m.Role != want {
			return fmt.Errorf("%w: message %d has role %q, want %q", ErrInvalidTranscript, i+1, m.Role, want)
		}
	}
	if len(transcript)%2 == 0 {
		return fmt.Errorf("%w: last user message has no reply", ErrInvalidTranscript)
	}
	return nil
}

// Transcript returns a copy of the transcript, system message first.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.transcript...)
}

// Len returns the number of messages in the transcript.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcript)
}

// SystemPrompt returns the content of the system message.
func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript[0].Content
}

// Candidates returns the candidate models in preference order.
func (s *Session) Candidates() []string {
	return append([]string(nil), s.candidates...)
}

// ActiveModel returns the candidate of the current or most recent attempt.
func (s *Session) ActiveModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidates[s.cursor]
}

// Busy reports whether a reply is currently streaming.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Send appends prompt as a user message and returns the stream of the reply.
//
// The user message is visible in the transcript as soon as Send returns. The
// first network call happens on the first call to Stream.Next. The stream
// must be drained or closed; until then the session rejects further sends.
func (s *Session) Send(ctx context.Context, prompt string) *Stream {
	st := &Stream{session: s, ctx: ctx}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(prompt) == "" {
		st.finishLocked(&FailureError{Model: s.candidates[s.cursor], Err: ErrEmptyPrompt})
		return st
	}
	if s.busy {
		st.finishLocked(&FailureError{Model: s.candidates[s.cursor], Err: ErrBusy})
		return st
	}

	s.busy = true
	s.cursor = 0
	st.base = len(s.transcript)
	s.transcript = append(s.transcript, UserMessage(prompt))
	st.held = true
	return st
}

// Ask sends prompt and drains the reply into a string.
func (s *Session) Ask(ctx context.Context, prompt string) (string, error) {
	st := s.Send(ctx, prompt)
	defer st.Close()
	for st.Next() {
	}
	if err := st.Err(); err != nil {
		return "", err
	}
	return st.Content(), nil
}

// snapshot copies the transcript for one attempt.
func (s *Session) snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.transcript...)
}

func (s *Session) setCursor(i int) {
	s.mu.Lock()
	s.cursor = i
	s.mu.Unlock()
}

// commit appends the assistant reply and releases the session.
func (s *Session) commit(content string) {
	s.mu.Lock()
	s.transcript = append(s.transcript, AssistantMessage(content))
	s.busy = false
	s.mu.Unlock()
}

// rollback truncates the transcript to its length before the send.
func (s *Session) rollback(base int) {
	s.mu.Lock()
	if base < len(s.transcript) {
		s.transcript = s.transcript[:base]
	}
	s.busy = false
	s.mu.Unlock()
}

func (s *Session) logAttempt(a Attempt) {
	if a.Err != nil {
		log.Printf("CHAT_ATTEMPT | attempt=%d model=%s status=%s fragments=%d duration=%v error=%q",
			a.Number, a.Model, a.Status, a.Fragments, a.Duration.Round(time.Millisecond), a.Err.Error())
	} else {
		log.Printf("CHAT_ATTEMPT | attempt=%d model=%s status=%s fragments=%d duration=%v",
			a.Number, a.Model, a.Status, a.Fragments, a.Duration.Round(time.Millisecond))
	}
	if s.onAttempt != nil {
		s.onAttempt(a)
	}
}
