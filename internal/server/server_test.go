// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/astrobro/internal/archive"
	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/prompt"
	"github.com/jeranaias/astrobro/internal/storage"
	"github.com/jeranaias/astrobro/internal/telemetry"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("error code: %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

type sliceReader struct {
	frags []string
	i     int
}

func (r *sliceReader) Recv() (string, error) {
	if r.i >= len(r.frags) {
		return "", io.EOF
	}
	r.i++
	return r.frags[r.i-1], nil
}

func (r *sliceReader) Close() error { return nil }

// fakeLLM answers "Hello from <model>". Models named busy* fail with 503 and
// models named down* with 401.
type fakeLLM struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeLLM) completer(key string) chat.Completer {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return chat.CompleterFunc(func(ctx context.Context, model string, _ []chat.Message) (chat.FragmentReader, error) {
		switch {
		case strings.HasPrefix(model, "busy"):
			return nil, statusErr(http.StatusServiceUnavailable)
		case strings.HasPrefix(model, "down"):
			return nil, statusErr(http.StatusUnauthorized)
		}
		return &sliceReader{frags: []string{"Hello ", "from ", model}}, nil
	})
}

func (f *fakeLLM) lastKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keys) == 0 {
		return ""
	}
	return f.keys[len(f.keys)-1]
}

// =============================================================================
// HELPERS
// =============================================================================

type testEnv struct {
	srv      *Server
	llm      *fakeLLM
	archive  *archive.Store
	store    *storage.ConversationStore
	recorder *telemetry.Recorder
}

func newEnv(t *testing.T, models []string, tweak ...func(*Config, *Deps)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := archive.Open(filepath.Join(dir, "astrobro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.Open(filepath.Join(dir, "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec, err := telemetry.NewRecorder("")
	require.NoError(t, err)

	env := &testEnv{llm: &fakeLLM{}, archive: db, store: store, recorder: rec}
	cfg := Config{Models: models}
	deps := Deps{
		Completer:     env.llm.completer,
		Conversations: store,
		Archive:       db,
		Recorder:      rec,
	}
	for _, fn := range tweak {
		fn(&cfg, &deps)
	}
	env.srv = New(cfg, deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, email string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if email != "" {
		req.Header.Set("X-User-Email", email)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) create(t *testing.T, req CreateSessionRequest, email string, wantStatus int) SessionResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/sessions", req, email)
	require.Equal(t, wantStatus, w.Code, w.Body.String())
	return decode[SessionResponse](t, w)
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	var cur sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.name
	}
	return names
}

func (e *testEnv) send(t *testing.T, id, content, email string) []sseEvent {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", SendRequest{Content: content}, email)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	return parseSSE(w.Body.String())
}

func (e *testEnv) transcript(t *testing.T, id, email string, system bool) []TranscriptMessage {
	t.Helper()
	path := "/api/sessions/" + id + "/messages"
	if system {
		path += "?system=true"
	}
	w := e.do(t, http.MethodGet, path, nil, email)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[struct {
		Messages []TranscriptMessage `json:"messages"`
	}](t, w).Messages
}

var natalReq = CreateSessionRequest{ChartType: "natal", Lang: "en", ChartData: "| Body | Sign |\n| Sun | Leo |"}

func float(v float64) *float64 { return &v }

func natalSnapshot(name string) archive.Snapshot {
	return archive.Snapshot{
		ChartType: "natal",
		Person1: archive.Person{
			Name:     name,
			City:     "Taipei",
			Lat:      float(25.03),
			Lon:      float(121.56),
			TZ:       "Asia/Taipei",
			DateTime: "1990-05-01 12:30",
		},
	}
}

// =============================================================================
// HEALTH, MODELS, QUESTIONS
// =============================================================================

func TestHealth(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	w := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	h := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, Version, h.Version)
	assert.True(t, h.Archive)
	assert.True(t, h.Store)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestModels(t *testing.T) {
	env := newEnv(t, []string{"google/gemma-3-27b-it:free", "custom/model"})

	type resp struct {
		Language string      `json:"language"`
		Models   []ModelInfo `json:"models"`
	}
	w := env.do(t, http.MethodGet, "/api/models?lang=zh-TW", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[resp](t, w)
	assert.Equal(t, "zh-Hant", got.Language)
	require.Len(t, got.Models, 2)
	assert.True(t, got.Models[0].Default)
	assert.Contains(t, got.Models[0].Description, "快速全能型")
	assert.Equal(t, "custom/model", got.Models[1].Description)

	env.srv.SetModels([]string{"other/model"})
	got = decode[resp](t, env.do(t, http.MethodGet, "/api/models", nil, ""))
	require.Len(t, got.Models, 1)
	assert.Equal(t, "other/model", got.Models[0].ID)

	env.srv.SetModels(nil)
	assert.Equal(t, []string{"other/model"}, env.srv.Models(), "empty lists are ignored")
}

func TestQuestions(t *testing.T) {
	env := newEnv(t, []string{"m1"})

	type resp struct {
		Questions []string `json:"questions"`
	}
	w := env.do(t, http.MethodGet, "/api/questions?chart=natal&lang=en", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[resp](t, w).Questions)

	w = env.do(t, http.MethodGet, "/api/questions?chart=synastry", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[resp](t, w).Questions)

	w = env.do(t, http.MethodGet, "/api/questions?chart=tarot", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestCreateSession(t *testing.T) {
	env := newEnv(t, []string{"m1", "m2"})

	s := env.create(t, natalReq, "", http.StatusCreated)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, SessionCreated, s.Status)
	assert.Equal(t, "natal", s.ChartType)
	assert.Equal(t, "en", s.Lang)
	assert.Equal(t, []string{"m1", "m2"}, s.Models)
	assert.Equal(t, "m1", s.ActiveModel)
	assert.Equal(t, 1, s.Messages, "only the system prompt")

	msgs := env.transcript(t, s.ID, "", true)
	require.Len(t, msgs, 1)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "| Sun | Leo |")
	assert.Contains(t, msgs[0].Content, "birth chart")
	assert.Empty(t, env.transcript(t, s.ID, "", false))
}

func TestCreateSession_ResumeAndReplace(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	first := env.create(t, natalReq, "", http.StatusCreated)

	again := natalReq
	again.SessionID = first.ID
	resumed := env.create(t, again, "", http.StatusOK)
	assert.Equal(t, first.ID, resumed.ID)
	assert.Equal(t, SessionResumed, resumed.Status)

	changed := again
	changed.ChartData = "| Body | Sign |\n| Sun | Virgo |"
	replaced := env.create(t, changed, "", http.StatusOK)
	assert.Equal(t, first.ID, replaced.ID)
	assert.Equal(t, SessionReplaced, replaced.Status)
	msgs := env.transcript(t, first.ID, "", true)
	assert.Contains(t, msgs[0].Content, "Virgo")

	// Anonymous callers never share sessions by chart.
	other := env.create(t, natalReq, "", http.StatusCreated)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCreateSession_SignedInResumesByChart(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	first := env.create(t, natalReq, "a@example.com", http.StatusCreated)
	second := env.create(t, natalReq, "A@Example.com", http.StatusOK)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, SessionResumed, second.Status)

	zh := natalReq
	zh.Lang = "zh-TW"
	third := env.create(t, zh, "a@example.com", http.StatusCreated)
	assert.NotEqual(t, first.ID, third.ID, "the reply language is part of the chart key")
}

func TestCreateSession_Tables(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	req := CreateSessionRequest{
		ChartType: "solar_return_page",
		Tables: []prompt.Table{{
			Title:  "Celestial Bodies",
			Header: []string{"Body", "Sign"},
			Rows:   [][]string{{"Moon", "Cancer"}},
		}},
	}
	s := env.create(t, req, "", http.StatusCreated)
	assert.Equal(t, "solar_return", s.ChartType)
	msgs := env.transcript(t, s.ID, "", true)
	assert.Contains(t, msgs[0].Content, "Celestial Bodies")
	assert.Contains(t, msgs[0].Content, "Cancer")
}

func TestCreateSession_Invalid(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	tests := []struct {
		name string
		body any
	}{
		{"missing chart type", CreateSessionRequest{ChartData: "x"}},
		{"unknown chart type", CreateSessionRequest{ChartType: "tarot", ChartData: "x"}},
		{"no chart data", CreateSessionRequest{ChartType: "natal"}},
		{"not json", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/sessions", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			body := decode[ErrorBody](t, w)
			assert.Equal(t, http.StatusBadRequest, body.Error.Code)
		})
	}
}

func TestCreateSession_PreferredModel(t *testing.T) {
	env := newEnv(t, []string{"m1", "m2"})

	w := env.do(t, http.MethodPatch, "/api/users/me/options", map[string]any{"preferred_model": "m2"}, "a@example.com")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	s := env.create(t, natalReq, "a@example.com", http.StatusCreated)
	assert.Equal(t, []string{"m2", "m1"}, s.Models)

	explicit := natalReq
	explicit.Lang = "zh"
	explicit.Model = "m3"
	s = env.create(t, explicit, "a@example.com", http.StatusCreated)
	assert.Equal(t, []string{"m3", "m1", "m2"}, s.Models)
}

func TestSessionOwnership(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	s := env.create(t, natalReq, "a@example.com", http.StatusCreated)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/sessions/"+s.ID, nil, "a@example.com").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+s.ID, nil, "b@example.com").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+s.ID, nil, "").Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/messages", SendRequest{Content: "hi"}, "b@example.com").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/missing", nil, "").Code)
}

func TestDeleteSession(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	s := env.create(t, natalReq, "a@example.com", http.StatusCreated)

	w := env.do(t, http.MethodDelete, "/api/sessions/"+s.ID, nil, "a@example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+s.ID, nil, "a@example.com").Code)

	_, err := env.store.Load(s.ID)
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
}

func TestListSessions(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	s := env.create(t, natalReq, "a@example.com", http.StatusCreated)
	env.send(t, s.ID, "What about my career?", "a@example.com")
	env.create(t, natalReq, "b@example.com", http.StatusCreated)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/sessions", nil, "").Code)

	type resp struct {
		Sessions []storage.ConversationMeta `json:"sessions"`
	}
	got := decode[resp](t, env.do(t, http.MethodGet, "/api/sessions", nil, "a@example.com"))
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, s.ID, got.Sessions[0].ID)
	assert.Equal(t, "What about my career?", got.Sessions[0].Summary)

	got = decode[resp](t, env.do(t, http.MethodGet, "/api/sessions?q=romance", nil, "a@example.com"))
	assert.Empty(t, got.Sessions)
}

// =============================================================================
// SEND
// =============================================================================

func TestSend(t *testing.T) {
	env := newEnv(t, []string{"m1", "m2"})
	s := env.create(t, natalReq, "", http.StatusCreated)

	events := env.send(t, s.ID, "Tell me about my sun", "")
	assert.Equal(t, []string{"fragment", "fragment", "fragment", "done"}, eventNames(events))

	var frag FragmentEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &frag))
	assert.Equal(t, "Hello ", frag.Text)

	var done DoneEvent
	require.NoError(t, json.Unmarshal([]byte(events[3].data), &done))
	assert.Equal(t, "m1", done.Model)
	assert.Equal(t, "Hello from m1", done.Content)

	msgs := env.transcript(t, s.ID, "", false)
	assert.Equal(t, []TranscriptMessage{
		{Role: "user", Content: "Tell me about my sun"},
		{Role: "assistant", Content: "Hello from m1"},
	}, msgs)
}

func TestSend_Failover(t *testing.T) {
	env := newEnv(t, []string{"busy-1", "busy-2", "ok"})
	s := env.create(t, natalReq, "", http.StatusCreated)

	events := env.send(t, s.ID, "hi", "")
	assert.Equal(t, []string{"failover", "failover", "fragment", "fragment", "fragment", "done"}, eventNames(events))

	var fo FailoverEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &fo))
	assert.Equal(t, "busy-1", fo.From)
	assert.Equal(t, "busy-2", fo.To)
	assert.Contains(t, fo.Error, "503")

	var done DoneEvent
	require.NoError(t, json.Unmarshal([]byte(events[5].data), &done))
	assert.Equal(t, "ok", done.Model)

	snap := env.recorder.Snapshot()
	assert.Equal(t, 2, snap.Failovers)
	busy, _ := snap.Model("busy-1")
	assert.Equal(t, 1, busy.Retryable)
	ok, _ := snap.Model("ok")
	assert.Equal(t, 1, ok.Successes)
}

func TestSend_Exhausted(t *testing.T) {
	env := newEnv(t, []string{"busy-1", "busy-2"})
	s := env.create(t, natalReq, "", http.StatusCreated)

	events := env.send(t, s.ID, "hi", "")
	require.Equal(t, []string{"failover", "error"}, eventNames(events))

	var ev ErrorEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &ev))
	assert.Equal(t, "busy-2", ev.Model)
	assert.True(t, ev.Exhausted)
	assert.Equal(t, "busy-2 is busy, please try again later or choose another model", ev.Notice)

	assert.Empty(t, env.transcript(t, s.ID, "", false), "failed sends are rolled back")
}

func TestSend_TerminalFailureLocalized(t *testing.T) {
	env := newEnv(t, []string{"down", "ok"})
	req := natalReq
	req.Lang = "zh-TW"
	s := env.create(t, req, "", http.StatusCreated)

	events := env.send(t, s.ID, "hi", "")
	require.Equal(t, []string{"error"}, eventNames(events))

	var ev ErrorEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &ev))
	assert.Equal(t, "down", ev.Model)
	assert.False(t, ev.Exhausted)
	assert.Equal(t, "down 無法使用，請選擇其他模型", ev.Notice)
}

func TestSend_Rejected(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	s := env.create(t, natalReq, "", http.StatusCreated)
	path := "/api/sessions/" + s.ID + "/messages"

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, SendRequest{}, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, SendRequest{Content: "   "}, "").Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge,
		env.do(t, http.MethodPost, path, SendRequest{Content: strings.Repeat("x", MaxPromptLength+1)}, "").Code)

	lease, err := env.srv.Registry().Acquire(s.ID)
	require.NoError(t, err)
	w := env.do(t, http.MethodPost, path, SendRequest{Content: "hi"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodDelete, "/api/sessions/"+s.ID, nil, "").Code)
	lease.Release()

	env.send(t, s.ID, "hi", "")
}

func TestSend_UsesStoredAPIKey(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	key := "sk-or-v1-0123456789abcdef0123456789abcdef"

	w := env.do(t, http.MethodPut, "/api/users/me/api-key", APIKeyRequest{APIKey: key}, "a@example.com")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	env.create(t, natalReq, "a@example.com", http.StatusCreated)
	assert.Equal(t, key, env.llm.lastKey())

	env.create(t, natalReq, "", http.StatusCreated)
	assert.Equal(t, "", env.llm.lastKey(), "anonymous sessions use the server key")
}

func TestSessionRestoredAfterEviction(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	s := env.create(t, natalReq, "a@example.com", http.StatusCreated)
	env.send(t, s.ID, "first question", "a@example.com")

	require.Equal(t, 1, env.srv.Registry().Sweep(time.Now().Add(3*time.Hour)))
	require.Equal(t, 0, env.srv.Registry().Len())

	msgs := env.transcript(t, s.ID, "a@example.com", false)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first question", msgs[0].Content)

	events := env.send(t, s.ID, "second question", "a@example.com")
	assert.Equal(t, "done", events[len(events)-1].name)
	assert.Len(t, env.transcript(t, s.ID, "a@example.com", false), 4)
}

func TestExport(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	s := env.create(t, natalReq, "", http.StatusCreated)
	env.send(t, s.ID, "hi", "")

	w := env.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/export", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, w.Body.String(), "**Assistant**")
	assert.Contains(t, w.Body.String(), "Hello from m1")

	w = env.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/export?format=json", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	conv := decode[storage.StoredConversation](t, w)
	assert.Equal(t, s.ID, conv.ID)
	assert.Len(t, conv.Messages, 3)
}

// =============================================================================
// STATS
// =============================================================================

func TestStats(t *testing.T) {
	env := newEnv(t, []string{"busy", "m1"})
	s := env.create(t, natalReq, "", http.StatusCreated)
	env.send(t, s.ID, "hi", "")

	w := env.do(t, http.MethodGet, "/api/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[telemetry.Snapshot](t, w)
	assert.Equal(t, 1, snap.Failovers)
	require.Len(t, snap.Models, 2)

	w = env.do(t, http.MethodGet, "/api/stats?days=7", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	trends := decode[telemetry.Trends](t, w)
	assert.Equal(t, 7, trends.Days)
	assert.Equal(t, 1, trends.Failovers)

	noStats := newEnv(t, []string{"m1"}, func(_ *Config, d *Deps) { d.Recorder = nil })
	assert.Equal(t, http.StatusServiceUnavailable, noStats.do(t, http.MethodGet, "/api/stats", nil, "").Code)
}

// =============================================================================
// CHARTS AND USERS
// =============================================================================

func TestCharts(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	const me = "a@example.com"

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/charts", nil, "").Code)

	w := env.do(t, http.MethodPost, "/api/charts", natalSnapshot("Ada"), me)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	saved := decode[SaveChartResponse](t, w)
	assert.Equal(t, archive.Created, saved.Result)
	assert.NotEmpty(t, saved.Hash)

	w = env.do(t, http.MethodPost, "/api/charts", natalSnapshot("Ada"), me)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, archive.Overwritten, decode[SaveChartResponse](t, w).Result)

	env.do(t, http.MethodPost, "/api/charts", natalSnapshot("José"), me)

	type list struct {
		Charts []archive.Chart `json:"charts"`
	}
	all := decode[list](t, env.do(t, http.MethodGet, "/api/charts", nil, me))
	assert.Len(t, all.Charts, 2)
	found := decode[list](t, env.do(t, http.MethodGet, "/api/charts?q=jose", nil, me))
	require.Len(t, found.Charts, 1)
	assert.Equal(t, "José", found.Charts[0].Snapshot.Person1.Name)
	none := decode[list](t, env.do(t, http.MethodGet, "/api/charts", nil, "b@example.com"))
	assert.Empty(t, none.Charts)

	w = env.do(t, http.MethodGet, "/api/charts/"+saved.Hash, nil, me)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ada", decode[archive.Chart](t, w).Snapshot.Person1.Name)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/charts/"+saved.Hash, nil, "b@example.com").Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/charts/"+saved.Hash, nil, me).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/charts/"+saved.Hash, nil, me).Code)

	bad := natalSnapshot("Ada")
	bad.Person1.DateTime = "yesterday"
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/charts", bad, me).Code)
}

func TestArchiveDisabled(t *testing.T) {
	env := newEnv(t, []string{"m1"}, func(_ *Config, d *Deps) { d.Archive = nil })
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/charts", nil, "a@example.com").Code)

	// Chat still works without an archive.
	s := env.create(t, natalReq, "a@example.com", http.StatusCreated)
	env.send(t, s.ID, "hi", "a@example.com")
}

func TestUsers(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	const me = "a@example.com"

	w := env.do(t, http.MethodGet, "/api/users/me", nil, me)
	require.Equal(t, http.StatusOK, w.Code)
	u := decode[archive.User](t, w)
	assert.Equal(t, me, u.Email)
	assert.Equal(t, archive.DefaultOptions(), u.Options)
	assert.False(t, u.HasAPIKey)

	w = env.do(t, http.MethodPatch, "/api/users/me/options", map[string]any{"house_sys": "Koch", "lang_num": 0}, me)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	u = decode[archive.User](t, w)
	assert.Equal(t, "Koch", u.Options.HouseSys)
	assert.Equal(t, 0, u.Options.LangNum)
	assert.Equal(t, "light", u.Options.PDFColor)

	w = env.do(t, http.MethodPatch, "/api/users/me/options", map[string]any{"pdf_color": "neon"}, me)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/users/me/api-key", APIKeyRequest{APIKey: "not-a-key"}, me)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/users/me/api-key", APIKeyRequest{APIKey: "sk-or-v1-0123456789abcdef0123456789abcdef"}, me)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, decode[archive.User](t, env.do(t, http.MethodGet, "/api/users/me", nil, me)).HasAPIKey)

	w = env.do(t, http.MethodPut, "/api/users/me/api-key", APIKeyRequest{}, me)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, decode[archive.User](t, env.do(t, http.MethodGet, "/api/users/me", nil, me)).HasAPIKey)
}

func TestSetAPIKey_Checked(t *testing.T) {
	env := newEnv(t, []string{"m1"}, func(_ *Config, d *Deps) {
		d.CheckKey = func(ctx context.Context, key string) error {
			return errors.New("invalid credentials")
		}
	})
	w := env.do(t, http.MethodPut, "/api/users/me/api-key",
		APIKeyRequest{APIKey: "sk-or-v1-0123456789abcdef0123456789abcdef"}, "a@example.com")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid credentials")
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimit(t *testing.T) {
	env := newEnv(t, []string{"m1"}, func(c *Config, _ *Deps) {
		c.RateLimitRPS = 0.01
		c.RateLimitBurst = 2
	})
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, "").Code)
	w := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl := NewRateLimiter(0.01, 1)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestCORS(t *testing.T) {
	env := newEnv(t, []string{"m1"}, func(c *Config, _ *Deps) {
		c.AllowedOrigins = []string{"https://astrobro.app"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://astrobro.app")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://astrobro.app", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-Email")

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	env.srv.engine.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := env.do(t, http.MethodGet, "/panic", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, http.StatusInternalServerError, decode[ErrorBody](t, w).Error.Code)
}

func TestNoRoute(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	w := env.do(t, http.MethodGet, "/api/nothing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownWithoutStart(t *testing.T) {
	env := newEnv(t, []string{"m1"})
	assert.NoError(t, env.srv.Shutdown(context.Background()))
}
