// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the chat session used to talk to a language model
// about a chart.
//
// A Session owns an ordered transcript that always starts with the system
// message, plus an ordered list of candidate models. Each Send appends the
// user's message, streams the reply from the first candidate, and fails over
// to the next candidate when the upstream reports a transient error
// (429, 500, 502, 503, 504). A successful reply is appended as an assistant
// message; any other outcome rolls the user message back so the transcript
// is never left with an unanswered turn.
//
// # Key Types
//
//   - Session: transcript plus candidate models and failover cursor
//   - Stream: lazy, single-use iterator over the fragments of one reply
//   - Completer: narrow interface to the remote completion endpoint
//   - FailureError: terminal error carrying the model that was in use
//
// # Usage
//
//	sess, err := chat.New(client, systemPrompt, []string{"m1", "m2"})
//	if err != nil {
//	    return err
//	}
//	stream := sess.Send(ctx, "What does my moon sign mean?")
//	defer stream.Close()
//	for stream.Next() {
//	    fmt.Print(stream.Fragment())
//	}
//	if err := stream.Err(); err != nil {
//	    var fe *chat.FailureError
//	    if errors.As(err, &fe) {
//	        log.Printf("model %s unavailable: %v", fe.Model, fe.Err)
//	    }
//	}
//
// # Failover Policy
//
// The cursor resets to the first candidate at the start of every Send.
// Output already yielded by an abandoned attempt is discarded from the
// reply; the next candidate restarts the whole reply and the failover hook
// lets the caller clear what it has rendered.
//
// A Session is safe for concurrent use, but only one Stream may be open at a
// time; a second Send while a reply is in progress fails with ErrBusy.
package chat
