// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNoCandidates is returned by New when the candidate list is empty.
	ErrNoCandidates = errors.New("no candidate models")

	// ErrNoCompleter is returned by New when no completion endpoint is given.
	ErrNoCompleter = errors.New("no completer configured")

	// ErrEmptyPrompt rejects a send with a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrBusy is returned when a reply is already streaming on the session.
	ErrBusy = errors.New("session has a reply in progress")

	// ErrExhausted wraps the last transient error once every candidate failed.
	ErrExhausted = errors.New("all candidate models are busy or unavailable")

	// ErrInvalidTranscript is returned by Restore for a malformed transcript.
	ErrInvalidTranscript = errors.New("invalid transcript")

	// ErrStreamClosed is the cause recorded when a stream is closed early.
	ErrStreamClosed = errors.New("stream closed before the reply completed")
)

// StatusCoder is implemented by errors that carry the upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// retryableStatus is the set of statuses that move a send to the next model.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryable reports whether err should fail over to the next candidate.
//
// Only upstream statuses 429, 500, 502, 503 and 504 qualify. Cancellation,
// deadlines and local network failures are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return retryableStatus[sc.HTTPStatus()]
	}
	return false
}

// IsCanceled reports whether err ended a send because the caller gave up.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrStreamClosed)
}

// FailureError is the single terminal error of a failed send.
type FailureError struct {
	// Model is the candidate that was in use when the send gave up.
	Model string
	// Attempts lists every attempt made during the send, in order.
	Attempts []Attempt
	Err      error
}

// Error implements the error interface.
func (e *FailureError) Error() string {
	if e.Model == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FailureError) Unwrap() error {
	return e.Err
}

// Exhausted reports whether every candidate failed with a transient error.
func (e *FailureError) Exhausted() bool {
	return errors.Is(e.Err, ErrExhausted)
}

// =============================================================================
// ATTEMPTS
// =============================================================================

// AttemptStatus is the outcome of one attempt against one candidate.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptRetryable AttemptStatus = "retryable"
	AttemptFailed    AttemptStatus = "failed"
	AttemptCanceled  AttemptStatus = "canceled"
)

// Attempt records one try of one candidate model.
type Attempt struct {
	Number    int           `json:"attempt"`
	Model     string        `json:"model"`
	Status    AttemptStatus `json:"status"`
	Fragments int           `json:"fragments"`
	// FirstFragment is the latency to the first non-empty fragment, zero if none arrived.
	FirstFragment time.Duration `json:"first_fragment_ns"`
	Duration      time.Duration `json:"duration_ns"`
	Err           error         `json:"-"`
}

// Failover describes an abandoned attempt and the candidate that replaces it.
type Failover struct {
	From string
	To   string
	Err  error
	// Discarded is the number of fragments the abandoned attempt had yielded.
	Discarded int
}
