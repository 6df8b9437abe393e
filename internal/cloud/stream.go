// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/astrobro/internal/chat"
)

// STREAMING: Robust SSE parsing with error handling

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxChunkSize is the maximum allowed size for a single SSE event (64KB).
const MaxChunkSize = 64 * 1024

// ErrChunkTooLarge is returned when one SSE event exceeds MaxChunkSize.
var ErrChunkTooLarge = errors.New("stream event exceeds maximum size")

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk represents a single chunk from the OpenRouter streaming response.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// Error is set when the upstream provider failed after the stream began.
	Error *apiErrorBody `json:"error,omitempty"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// IsDone returns true if the stream has finished.
func (c *StreamChunk) IsDone() bool {
	return c.GetFinishReason() != ""
}

// GetFinishReason returns the finish reason if streaming is complete.
func (c *StreamChunk) GetFinishReason() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// The event type is typically empty for OpenRouter responses.
// Comment lines such as ": OPENROUTER PROCESSING" are skipped.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(err == io.EOF && len(line) > 0) {
			if err == io.EOF {
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		size += len(line)
		if size > MaxChunkSize {
			return "", nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, size)
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			eventType = ""
			size = 0
			continue
		}

		switch {
		case line[0] == ':':
			// comment / keep-alive
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[len("data:"):]
			data = bytes.TrimPrefix(data, []byte(" "))
			dataLines = append(dataLines, append([]byte(nil), data...))
		}
		// Ignore other fields (id:, retry:)

		if err == io.EOF {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamChat opens a streaming chat completion against model. It implements
// chat.Completer.
//
// A non-200 response is returned as an *OpenRouterError before any fragment
// is read. The returned reader yields content deltas and io.EOF once the model
// finishes; an error object inside the stream becomes an *OpenRouterError.
func (c *OpenRouterClient) StreamChat(ctx context.Context, model string, messages []chat.Message) (chat.FragmentReader, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if model == "" {
		return nil, ErrNoModel
	}

	bodyBytes, err := json.Marshal(ChatRequest{
		Model:    model,
		Messages: c.wireMessages(messages),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.streamClient.Do(req)

	// SECURITY: Clear Authorization header immediately after request to prevent logging
	req.Header.Del("Authorization")

	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Printf("OPENROUTER_STREAM | model=%s status=%d duration=%v", model, resp.StatusCode, time.Since(start).Round(time.Millisecond))
		return nil, handleErrorResponse(resp, body)
	}

	log.Printf("OPENROUTER_STREAM | model=%s status=%d duration=%v", model, resp.StatusCode, time.Since(start).Round(time.Millisecond))
	return &completionStream{
		body:  resp.Body,
		sse:   NewSSEReader(resp.Body),
		model: model,
	}, nil
}

// completionStream adapts an SSE response body to chat.FragmentReader.
type completionStream struct {
	body  io.ReadCloser
	sse   *SSEReader
	model string

	done      bool
	closeOnce sync.Once
}

// Recv returns the next non-empty content delta.
func (s *completionStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		_, data, err := s.sse.ReadEvent()
		if err == io.EOF {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("read stream: %w", err)
		}

		// Check for [DONE] signal
		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return "", io.EOF
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}

		if chunk.Error != nil {
			return "", chunk.Error.toError(0)
		}
		if chunk.GetFinishReason() == "error" {
			return "", &OpenRouterError{Message: "provider ended the stream with an error"}
		}

		content := chunk.GetContent()
		if chunk.IsDone() {
			s.done = true
		}
		if content != "" {
			return content, nil
		}
	}
}

// Close releases the HTTP response body.
func (s *completionStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// =============================================================================
// ACCUMULATED RESPONSE
// =============================================================================

// StreamAccumulate streams one completion from model and returns the whole
// reply. It does not fail over; use a chat.Session for that.
func (c *OpenRouterClient) StreamAccumulate(ctx context.Context, model string, messages []chat.Message) (string, error) {
	r, err := c.StreamChat(ctx, model, messages)
	if err != nil {
		return "", err
	}
	defer r.Close()

	var buf bytes.Buffer
	for {
		frag, err := r.Recv()
		if err == io.EOF {
			return buf.String(), nil
		}
		if err != nil {
			return buf.String(), err
		}
		buf.WriteString(frag)
	}
}
