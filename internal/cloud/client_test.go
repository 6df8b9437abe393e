// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/astrobro/internal/chat"
)

const testKey = "sk-or-test-abcdefghijklmnopqrstuvwxyz0123456789"

// sseChunk renders a content delta as one SSE event.
func sseChunk(content, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf("data: {\"id\":\"gen-1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":%q},\"finish_reason\":%s}]}\n\n", content, finishJSON)
}

func newTestClient(url string) *OpenRouterClient {
	return NewOpenRouterClient(testKey).WithBaseURL(url).WithHTTPClient(&http.Client{})
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestStreamChat_Success(t *testing.T) {
	var gotReq ChatRequest
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": OPENROUTER PROCESSING\n\n")
		io.WriteString(w, sseChunk("Hel", ""))
		io.WriteString(w, sseChunk("", ""))
		io.WriteString(w, sseChunk("lo", "stop"))
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL).WithSiteURL("https://example.test").WithSiteName("tester")
	messages := []chat.Message{chat.SystemMessage("sys"), chat.UserMessage("hi")}

	r, err := client.StreamChat(context.Background(), "google/gemma-3-27b-it:free", messages)
	require.NoError(t, err)
	defer r.Close()

	var frags []string
	for {
		frag, err := r.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frags = append(frags, frag)
	}
	assert.Equal(t, []string{"Hel", "lo"}, frags)

	assert.Equal(t, "google/gemma-3-27b-it:free", gotReq.Model)
	assert.True(t, gotReq.Stream)
	assert.Equal(t, messages, gotReq.Messages)
	assert.Equal(t, "Bearer "+testKey, gotHeader.Get("Authorization"))
	assert.Equal(t, "https://example.test", gotHeader.Get("HTTP-Referer"))
	assert.Equal(t, "tester", gotHeader.Get("X-Title"))
	assert.Equal(t, "text/event-stream", gotHeader.Get("Accept"))

	// Reads after the end keep returning EOF.
	_, err = r.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestStreamChat_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		sentinel  error
		retryable bool
	}{
		{"unauthorized", 401, `{"error":{"code":401,"message":"No auth credentials found"}}`, ErrAuthFailed, false},
		{"credits", 402, `{"error":{"code":402,"message":"Insufficient credits"}}`, ErrInsufficientCredits, false},
		{"not found", 404, `{"error":{"code":404,"message":"No endpoints found"}}`, ErrModelNotFound, false},
		{"rate limited", 429, `{"error":{"code":429,"message":"Rate limit exceeded: free-models-per-day"}}`, ErrRateLimited, true},
		{"internal", 500, `{"error":{"code":500,"message":"Internal Server Error"}}`, nil, true},
		{"bad gateway", 502, `<html>bad gateway</html>`, nil, true},
		{"unavailable", 503, ``, nil, true},
		{"bad request", 400, `{"error":{"code":400,"message":"invalid model"}}`, nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).StreamChat(context.Background(), "m", nil)
			require.Error(t, err)

			var orErr *OpenRouterError
			require.ErrorAs(t, err, &orErr)
			assert.Equal(t, tc.status, orErr.HTTPStatus())
			assert.True(t, strings.HasPrefix(err.Error(), fmt.Sprintf("error code: %d", tc.status)), err.Error())
			if tc.sentinel != nil {
				assert.ErrorIs(t, err, tc.sentinel)
			}
			assert.Equal(t, tc.retryable, chat.IsRetryable(err))
		})
	}
}

func TestStreamChat_RetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StreamChat(context.Background(), "m", nil)
	var orErr *OpenRouterError
	require.ErrorAs(t, err, &orErr)
	assert.Equal(t, 7*time.Second, orErr.RetryAfter)
}

func TestStreamChat_MidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseChunk("par", ""))
		io.WriteString(w, `data: {"error":{"code":502,"message":"Provider returned error","metadata":{"provider_name":"Chutes"}},"choices":[{"delta":{"content":""},"finish_reason":"error"}]}`+"\n\n")
	}))
	defer server.Close()

	r, err := newTestClient(server.URL).StreamChat(context.Background(), "m", nil)
	require.NoError(t, err)
	defer r.Close()

	frag, err := r.Recv()
	require.NoError(t, err)
	assert.Equal(t, "par", frag)

	_, err = r.Recv()
	var orErr *OpenRouterError
	require.ErrorAs(t, err, &orErr)
	assert.Equal(t, 502, orErr.Status)
	assert.Equal(t, "Chutes", orErr.Provider)
	assert.True(t, chat.IsRetryable(err))
}

func TestStreamChat_FinishReasonErrorIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseChunk("", "error"))
	}))
	defer server.Close()

	r, err := newTestClient(server.URL).StreamChat(context.Background(), "m", nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Recv()
	require.Error(t, err)
	assert.False(t, chat.IsRetryable(err))
}

func TestStreamChat_NotConfigured(t *testing.T) {
	_, err := NewOpenRouterClient("").StreamChat(context.Background(), "m", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewOpenRouterClient(testKey).StreamChat(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestStreamChat_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseChunk("first", ""))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r, err := newTestClient(server.URL).StreamChat(ctx, "m", nil)
	require.NoError(t, err)
	defer r.Close()

	frag, err := r.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", frag)

	cancel()
	_, err = r.Recv()
	require.Error(t, err)
	assert.False(t, chat.IsRetryable(err))
}

// TestSessionFailover drives a chat.Session against a fake OpenRouter that
// reports the first model as overloaded.
func TestSessionFailover(t *testing.T) {
	var mu sync.Mutex
	var models []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		models = append(models, req.Model)
		mu.Unlock()

		if req.Model == "busy/model:free" {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"code":503,"message":"overloaded"}}`)
			return
		}
		io.WriteString(w, sseChunk("Hel", ""))
		io.WriteString(w, sseChunk("lo", "stop"))
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	sess, err := chat.New(newTestClient(server.URL), "sys", []string{"busy/model:free", "ok/model:free"})
	require.NoError(t, err)

	reply, err := sess.Ask(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)
	assert.Equal(t, []string{"busy/model:free", "ok/model:free"}, models)
	assert.Equal(t, []chat.Message{
		chat.SystemMessage("sys"),
		chat.UserMessage("hi"),
		chat.AssistantMessage("Hello"),
	}, sess.Transcript())
}

func TestStreamAccumulate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, sseChunk("a", ""))
		io.WriteString(w, sseChunk("b", "stop"))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).StreamAccumulate(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader(t *testing.T) {
	input := "event: message\ndata: line one\ndata: line two\n\n" +
		": keep-alive\n\n" +
		"id: 3\r\ndata:{\"x\":1}\r\n\r\n" +
		"data: trailing"
	r := NewSSEReader(strings.NewReader(input))

	ev, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "message", ev)
	assert.Equal(t, "line one\nline two", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "trailing", string(data))

	_, _, err = r.ReadEvent()
	assert.Equal(t, io.EOF, err)
}

func TestSSEReader_ChunkTooLarge(t *testing.T) {
	input := "data: " + strings.Repeat("x", MaxChunkSize+1) + "\n\n"
	_, _, err := NewSSEReader(strings.NewReader(input)).ReadEvent()
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

// =============================================================================
// MODELS AND KEY TESTS
// =============================================================================

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		io.WriteString(w, `{"data":[
			{"id":"qwen/qwen3-235b-a22b:free","name":"Qwen3","context_length":40960,"pricing":{"prompt":"0","completion":"0"}},
			{"id":"openai/gpt-4o","name":"GPT-4o","context_length":128000,"pricing":{"prompt":"0.0000025","completion":"0.00001"}}
		]}`)
	}))
	defer server.Close()

	models, err := newTestClient(server.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "qwen/qwen3-235b-a22b:free", models[0].ID)
	assert.Equal(t, 40960, models[0].ContextSize)
	assert.True(t, models[0].Pricing.IsFree())
	assert.False(t, models[1].Pricing.IsFree())
}

func TestCheckKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testKey {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"code":401,"message":"invalid key"}}`)
			return
		}
		io.WriteString(w, `{"data":{"label":"sk-or-v1-abc...","usage":0.5,"limit":null,"is_free_tier":true}}`)
	}))
	defer server.Close()

	info, err := newTestClient(server.URL).CheckKey(context.Background())
	require.NoError(t, err)
	assert.True(t, info.IsFreeTier)
	assert.Nil(t, info.Limit)

	_, err = newTestClient(server.URL).WithAPIKey("sk-or-wrong").CheckKey(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = NewOpenRouterClient("").CheckKey(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestNewOpenRouterClient(t *testing.T) {
	client := NewOpenRouterClient("  " + testKey + "\n")
	assert.True(t, client.IsConfigured())
	assert.Equal(t, DefaultOpenRouterURL, client.BaseURL())

	assert.False(t, NewOpenRouterClient("").IsConfigured())
}

func TestWithAPIKeyDoesNotMutate(t *testing.T) {
	base := NewOpenRouterClient(testKey)
	other := base.WithAPIKey("sk-or-other")
	assert.NotEqual(t, base.KeyFingerprint(), other.KeyFingerprint())
	assert.Equal(t, Fingerprint(testKey), base.KeyFingerprint())
}

// TestAPIKeyMasked verifies API key masking for display using secure fingerprints.
func TestAPIKeyMasked(t *testing.T) {
	tests := []struct {
		name           string
		apiKey         string
		expectedFormat string
	}{
		{"empty key", "", "[not set]"},
		{"short key", "abc", "[REDACTED, length=3, fingerprint="},
		{"normal key", "sk-or-test-abc123", "[REDACTED, length=17, fingerprint="},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			masked := NewOpenRouterClient(tc.apiKey).APIKeyMasked()
			if !strings.HasPrefix(masked, tc.expectedFormat) {
				t.Errorf("Expected masked key to start with %q, got %q", tc.expectedFormat, masked)
			}
			if tc.apiKey != "" && strings.Contains(masked, tc.apiKey) {
				t.Errorf("Masked key should not contain the original key, got %q", masked)
			}
		})
	}
}

// TestValidateAPIKey verifies API key format validation.
func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		valid  bool
	}{
		{"valid key", "sk-or-v1-abcdefghijklmnopqrstuvwxyz0123456789", true},
		{"wrong prefix", "sk-abc-test-key-here", false},
		{"too short", "sk-or-short", false},
		{"low entropy", "sk-or-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidateAPIKey(tc.apiKey); got != tc.valid {
				t.Errorf("ValidateAPIKey(%q) = %v, expected %v", tc.apiKey, got, tc.valid)
			}
		})
	}
}

func TestOpenRouterError(t *testing.T) {
	err := &OpenRouterError{Code: "server_error", Message: "boom", Provider: "Targon"}
	assert.Equal(t, "OpenRouter error [server_error] from Targon: boom", err.Error())
	assert.False(t, chat.IsRetryable(err))

	err = &OpenRouterError{Code: "503", Status: 503, Message: "busy"}
	assert.Equal(t, "error code: 503: busy", err.Error())
	assert.True(t, chat.IsRetryable(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, errors.Is(err, ErrRateLimited))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.True(t, d > 50*time.Second && d <= time.Minute, "got %v", d)
}

func TestWithSystemRole(t *testing.T) {
	var gotReq ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	messages := []chat.Message{chat.SystemMessage("sys"), chat.UserMessage("hi")}
	client := newTestClient(server.URL).WithSystemRole("developer")
	_, err := client.StreamAccumulate(context.Background(), "m", messages)
	require.NoError(t, err)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, chat.Role("developer"), gotReq.Messages[0].Role)
	assert.Equal(t, chat.RoleSystem, messages[0].Role, "caller's slice must not change")
}
