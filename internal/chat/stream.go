// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// =============================================================================
// STREAM
// =============================================================================

// Stream iterates over the fragments of one reply.
//
// The zero value is not usable; streams come from Session.Send. A Stream is
// single-use and must be driven from one goroutine. Closing it before Next
// returns false counts as cancellation: the user message is rolled back.
type Stream struct {
	session *Session
	ctx     context.Context

	// base is the transcript length before the user message was appended.
	base int
	// held is true while this stream owns the session's busy flag.
	held bool

	idx      int
	reader   FragmentReader
	buf      strings.Builder
	frag     string
	attempts []Attempt
	current  Attempt
	started  time.Time

	onFailover func(Failover)

	content string
	err     error
	done    bool
}

// OnFailover registers fn to run when this stream abandons a candidate. It is
// called in addition to the session's failover hook and returns st.
func (st *Stream) OnFailover(fn func(Failover)) *Stream {
	st.onFailover = fn
	return st
}

// Next advances to the next fragment. It returns false when the reply is
// complete or the send failed; Err tells the two apart.
func (st *Stream) Next() bool {
	if st.done {
		return false
	}
	st.frag = ""

	for {
		if err := st.ctx.Err(); err != nil {
			st.abort(err)
			return false
		}

		if st.reader == nil {
			if !st.open() {
				return false
			}
			if st.reader == nil {
				continue
			}
		}

		frag, err := st.reader.Recv()
		if errors.Is(err, io.EOF) {
			st.succeed()
			return false
		}
		if err != nil {
			if !st.attemptFailed(err) {
				return false
			}
			continue
		}
		if frag == "" {
			continue
		}

		if st.current.Fragments == 0 {
			st.current.FirstFragment = st.session.now().Sub(st.started)
		}
		st.current.Fragments++
		st.buf.WriteString(frag)
		st.frag = frag
		return true
	}
}

// Fragment returns the fragment read by the last successful call to Next.
func (st *Stream) Fragment() string {
	return st.frag
}

// Err returns the terminal error of a failed send, nil on success or while
// the reply is still streaming.
func (st *Stream) Err() error {
	return st.err
}

// Content returns the committed reply once the stream finished successfully.
func (st *Stream) Content() string {
	return st.content
}

// Model returns the candidate currently or last streaming.
func (st *Stream) Model() string {
	if st.current.Model != "" {
		return st.current.Model
	}
	return st.session.candidates[st.idx]
}

// Attempts returns the attempts finished so far, in order.
func (st *Stream) Attempts() []Attempt {
	return append([]Attempt(nil), st.attempts...)
}

// Done reports whether the stream has reached a terminal state.
func (st *Stream) Done() bool {
	return st.done
}

// Close ends the stream. Closing an unfinished stream rolls back the user
// message. Close is idempotent.
func (st *Stream) Close() error {
	if st.done {
		return nil
	}
	st.abort(ErrStreamClosed)
	return nil
}

// open starts an attempt against candidate st.idx. It returns false once the
// stream reached a terminal state.
func (st *Stream) open() bool {
	s := st.session
	model := s.candidates[st.idx]
	s.setCursor(st.idx)

	st.started = s.now()
	st.current = Attempt{Number: len(st.attempts) + 1, Model: model}

	reader, err := s.completer.StreamChat(st.ctx, model, s.snapshot())
	if err != nil {
		return st.attemptFailed(err)
	}
	if reader == nil {
		return st.attemptFailed(fmt.Errorf("%s: completer returned no stream", model))
	}
	st.reader = reader
	return true
}

// attemptFailed classifies err for the current attempt. It returns true when
// the stream moved on to the next candidate.
func (st *Stream) attemptFailed(err error) bool {
	st.closeReader()
	s := st.session

	if ctxErr := st.ctx.Err(); ctxErr != nil {
		st.abort(ctxErr)
		return false
	}

	if !IsRetryable(err) {
		st.endAttempt(AttemptFailed, err)
		st.fail(err)
		return false
	}

	st.endAttempt(AttemptRetryable, err)
	from := st.current.Model
	discarded := st.current.Fragments
	st.buf.Reset()

	if st.idx+1 >= len(s.candidates) {
		st.fail(fmt.Errorf("%w: %w", ErrExhausted, err))
		return false
	}

	st.idx++
	next := s.candidates[st.idx]
	s.setCursor(st.idx)
	log.Printf("CHAT_FAILOVER | from=%s to=%s discarded=%d error=%q", from, next, discarded, err.Error())
	fo := Failover{From: from, To: next, Err: err, Discarded: discarded}
	if s.onFailover != nil {
		s.onFailover(fo)
	}
	if st.onFailover != nil {
		st.onFailover(fo)
	}
	st.current = Attempt{}
	return true
}

func (st *Stream) endAttempt(status AttemptStatus, err error) {
	st.current.Status = status
	st.current.Err = err
	st.current.Duration = st.session.now().Sub(st.started)
	st.attempts = append(st.attempts, st.current)
	st.session.logAttempt(st.current)
}

func (st *Stream) succeed() {
	st.closeReader()
	st.endAttempt(AttemptSucceeded, nil)
	st.content = st.buf.String()
	st.session.commit(st.content)
	st.held = false
	st.done = true
}

func (st *Stream) fail(cause error) {
	st.closeReader()
	st.release()
	st.err = &FailureError{
		Model:    st.Model(),
		Attempts: st.Attempts(),
		Err:      cause,
	}
	st.done = true
}

// abort ends the send because the caller went away.
func (st *Stream) abort(cause error) {
	if st.current.Model != "" && st.current.Status == "" {
		st.endAttempt(AttemptCanceled, cause)
	}
	st.fail(cause)
}

// release rolls back the user message and frees the session.
func (st *Stream) release() {
	if st.held {
		st.session.rollback(st.base)
		st.held = false
	}
}

func (st *Stream) closeReader() {
	if st.reader != nil {
		_ = st.reader.Close()
		st.reader = nil
	}
}

// finishLocked marks a stream failed before it touched the transcript.
// The caller holds the session lock.
func (st *Stream) finishLocked(err error) {
	st.err = err
	st.done = true
}
