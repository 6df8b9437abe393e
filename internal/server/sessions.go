// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"

	"github.com/jeranaias/astrobro/internal/archive"
	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/prompt"
	"github.com/jeranaias/astrobro/internal/session"
	"github.com/jeranaias/astrobro/internal/storage"
	"github.com/jeranaias/astrobro/internal/util"
)

// ============================================================================
// TYPES
// ============================================================================

// CreateSessionRequest opens a conversation about a chart. Either ChartData
// or Tables must be set.
type CreateSessionRequest struct {
	ChartType string         `json:"chart_type" binding:"required"`
	Lang      string         `json:"lang"`
	ChartData string         `json:"chart_data"`
	Tables    []prompt.Table `json:"tables"`

	// SessionID continues an existing session when the chart is unchanged
	// and replaces its conversation otherwise.
	SessionID string `json:"session_id"`

	// Model is tried first, ahead of the user's saved preference.
	Model string `json:"model"`
}

// SessionStatus tells how a create request was satisfied.
type SessionStatus string

const (
	SessionCreated  SessionStatus = "created"
	SessionResumed  SessionStatus = "resumed"
	SessionReplaced SessionStatus = "replaced"
)

// SessionResponse describes a session.
type SessionResponse struct {
	ID          string        `json:"id"`
	Status      SessionStatus `json:"status,omitempty"`
	ChartType   string        `json:"chart_type"`
	Lang        string        `json:"lang"`
	Models      []string      `json:"models"`
	ActiveModel string        `json:"active_model"`
	Messages    int           `json:"messages"`
	CreatedAt   time.Time     `json:"created_at"`
}

// SendRequest is the body of POST /api/sessions/:id/messages.
type SendRequest struct {
	Content string `json:"content" binding:"required"`
}

// FragmentEvent carries one piece of the reply.
type FragmentEvent struct {
	Text string `json:"text"`
}

// FailoverEvent reports that the reply restarts on another model.
type FailoverEvent struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Error     string `json:"error"`
	Discarded int    `json:"discarded"`
}

// DoneEvent ends a successful reply.
type DoneEvent struct {
	Model   string `json:"model"`
	Content string `json:"content"`
}

// ErrorEvent ends a failed reply. Notice is the localized message to show.
type ErrorEvent struct {
	Model     string `json:"model"`
	Error     string `json:"error"`
	Exhausted bool   `json:"exhausted"`
	Notice    string `json:"notice"`
}

// TranscriptMessage is one message of GET /api/sessions/:id/messages.
type TranscriptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func describe(e *session.Entry, status SessionStatus) SessionResponse {
	s := e.Session()
	return SessionResponse{
		ID:          e.ID,
		Status:      status,
		ChartType:   e.Info.ChartType,
		Lang:        e.Info.Lang,
		Models:      s.Candidates(),
		ActiveModel: s.ActiveModel(),
		Messages:    s.Len(),
		CreatedAt:   e.CreatedAt,
	}
}

// ============================================================================
// CREATE
// ============================================================================

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	ct, err := prompt.ParseChartType(req.ChartType)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	tag := requestLanguage(c, req.Lang)
	data := req.ChartData
	if strings.TrimSpace(data) == "" {
		data = prompt.RenderTables(req.Tables...)
	}
	if strings.TrimSpace(data) == "" {
		writeError(c, http.StatusBadRequest, prompt.ErrNoChartData.Error())
		return
	}

	me := owner(c)
	info := session.Info{
		ChartKey:  session.ChartKey(string(ct), tag.String(), data),
		ChartType: string(ct),
		Lang:      tag.String(),
	}

	// Continue the named session, or replace it when the chart changed.
	var existing *session.Entry
	if req.SessionID != "" {
		e, err := s.registry.Get(req.SessionID)
		switch {
		case err == nil && e.Owner == me:
			existing = e
		case err == nil, errors.Is(err, session.ErrNotFound):
		default:
			s.sessionError(c, err)
			return
		}
	}
	if existing != nil && existing.Info.ChartKey == info.ChartKey && req.Model == "" {
		c.JSON(http.StatusOK, describe(existing, SessionResumed))
		return
	}

	// Signed-in users pick up where they left off on the same chart.
	if existing == nil && me != "" && req.Model == "" {
		e, err := s.registry.Find(me, info.ChartKey)
		if err == nil {
			c.JSON(http.StatusOK, describe(e, SessionResumed))
			return
		}
		if !errors.Is(err, session.ErrNotFound) {
			log.Printf("SESSION_FIND_ERROR | owner=%s err=%v", me, err)
		}
	}

	system, err := prompt.Build(prompt.Params{ChartType: ct, Language: tag, ChartData: data})
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	cs, err := s.newChat(c.Request.Context(), me, req.Model, func(completer chat.Completer, candidates []string, opts []chat.Option) (*chat.Session, error) {
		return chat.New(completer, system, candidates, opts...)
	})
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}

	if existing != nil {
		e, err := s.registry.Replace(existing.ID, info, cs)
		if err != nil {
			s.sessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, describe(e, SessionReplaced))
		return
	}
	e, err := s.registry.Create(me, info, cs)
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, describe(e, SessionCreated))
}

type chatFactory func(completer chat.Completer, candidates []string, opts []chat.Option) (*chat.Session, error)

// newChat builds a chat session for owner with their API key and model
// preference, wired to the statistics recorder.
func (s *Server) newChat(ctx context.Context, owner, preferred string, build chatFactory) (*chat.Session, error) {
	var opts []chat.Option
	if rec := s.deps.Recorder; rec != nil {
		opts = append(opts, chat.WithAttemptHook(rec.Record), chat.WithFailoverHook(rec.RecordFailover))
	}
	return build(s.completerFor(ctx, owner), s.candidatesFor(ctx, owner, preferred), opts)
}

// restoreSession rebuilds an evicted session from its stored transcript.
func (s *Server) restoreSession(conv *storage.StoredConversation) (*chat.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.newChat(ctx, conv.Owner, "", func(completer chat.Completer, candidates []string, opts []chat.Option) (*chat.Session, error) {
		return chat.Restore(completer, conv.ChatMessages(), candidates, opts...)
	})
}

// candidatesFor puts preferred, else the owner's saved model, ahead of the
// configured candidates.
func (s *Server) candidatesFor(ctx context.Context, owner, preferred string) []string {
	if preferred == "" && owner != "" && s.deps.Archive != nil {
		if u, err := s.deps.Archive.User(ctx, owner); err == nil {
			preferred = u.Options.PreferredModel
		}
	}
	return prompt.Candidates(strings.TrimSpace(preferred), s.Models())
}

// completerFor uses the owner's own API key when one is stored.
func (s *Server) completerFor(ctx context.Context, owner string) chat.Completer {
	var key string
	if owner != "" && s.deps.Archive != nil {
		k, err := s.deps.Archive.APIKey(ctx, owner)
		switch {
		case err == nil:
			key = k
		case errors.Is(err, archive.ErrNotFound):
		default:
			log.Printf("API_KEY_ERROR | owner=%s err=%v", owner, err)
		}
	}
	return s.deps.Completer(key)
}

// ============================================================================
// READ / DELETE
// ============================================================================

// lookup returns the session named in the path if the caller may see it.
func (s *Server) lookup(c *gin.Context) (*session.Entry, bool) {
	e, err := s.registry.Get(c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return nil, false
	}
	if e.Owner != owner(c) {
		writeError(c, http.StatusNotFound, session.ErrNotFound.Error())
		return nil, false
	}
	return e, true
}

func (s *Server) handleGetSession(c *gin.Context) {
	e, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, describe(e, ""))
}

func (s *Server) handleTranscript(c *gin.Context) {
	e, ok := s.lookup(c)
	if !ok {
		return
	}
	withSystem := c.Query("system") == "true"
	out := []TranscriptMessage{}
	for _, m := range e.Session().Transcript() {
		if m.Role == chat.RoleSystem && !withSystem {
			continue
		}
		out = append(out, TranscriptMessage{Role: string(m.Role), Content: m.Content})
	}
	c.JSON(http.StatusOK, gin.H{"id": e.ID, "messages": out})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if _, ok := s.lookup(c); !ok {
		return
	}
	if err := s.registry.Delete(c.Param("id")); err != nil {
		s.sessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListSessions(c *gin.Context) {
	if s.deps.Conversations == nil {
		writeError(c, http.StatusServiceUnavailable, "conversation store is disabled")
		return
	}
	metas, err := s.deps.Conversations.Search(owner(c), c.Query("q"))
	if err != nil {
		log.Printf("SESSION_LIST_ERROR | owner=%s err=%v", owner(c), err)
		writeError(c, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": metas})
}

// handleExport returns the transcript as markdown or JSON (?format=json).
func (s *Server) handleExport(c *gin.Context) {
	e, ok := s.lookup(c)
	if !ok {
		return
	}
	conv := &storage.StoredConversation{
		ID:        e.ID,
		Owner:     e.Owner,
		ChartType: e.Info.ChartType,
		Lang:      e.Info.Lang,
		CreatedAt: e.CreatedAt,
		Models:    e.Session().Candidates(),
	}
	conv.SetMessages(e.Session().Transcript(), e.Session().ActiveModel(), time.Now())

	if c.Query("format") == "json" {
		data, err := conv.ExportJSON()
		if err != nil {
			writeError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", data)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(conv.ExportMarkdown()))
}

// ============================================================================
// SEND
// ============================================================================

// handleSend streams the reply to one user message as server-sent events:
// "fragment" for each piece, "failover" when the reply restarts on another
// model, then exactly one "done" or "error".
func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	if len(req.Content) > MaxPromptLength {
		writeError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("message exceeds %d bytes", MaxPromptLength))
		return
	}
	if _, ok := s.lookup(c); !ok {
		return
	}

	lease, err := s.registry.Acquire(c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	defer lease.Release()

	e := lease.Entry()
	st := lease.Session().Send(c.Request.Context(), req.Content)
	defer st.Close()

	// Rejected before any model was contacted.
	if st.Done() {
		err := st.Err()
		switch {
		case errors.Is(err, chat.ErrBusy):
			writeError(c, http.StatusConflict, err.Error())
		case errors.Is(err, chat.ErrEmptyPrompt):
			writeError(c, http.StatusBadRequest, err.Error())
		default:
			writeError(c, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	st.OnFailover(func(f chat.Failover) {
		ev := FailoverEvent{From: f.From, To: f.To, Discarded: f.Discarded}
		if f.Err != nil {
			ev.Error = util.TruncateRunes(f.Err.Error(), 300)
		}
		c.SSEvent("failover", ev)
		c.Writer.Flush()
	})

	for st.Next() {
		c.SSEvent("fragment", FragmentEvent{Text: st.Fragment()})
		c.Writer.Flush()
	}

	if err := st.Err(); err != nil {
		if chat.IsCanceled(err) {
			log.Printf("CHAT_CANCELED | id=%s model=%s", e.ID, st.Model())
			return
		}
		ev := ErrorEvent{Model: st.Model(), Error: err.Error()}
		var fe *chat.FailureError
		if errors.As(err, &fe) {
			ev.Model = fe.Model
			ev.Exhausted = fe.Exhausted()
		}
		kind := prompt.ModelUnavailable
		if ev.Exhausted {
			kind = prompt.ModelBusy
		}
		ev.Notice = prompt.Notice(kind, ev.Model, prompt.ResolveLanguage(e.Info.Lang))
		log.Printf("CHAT_FAILED | id=%s model=%s exhausted=%t err=%v", e.ID, ev.Model, ev.Exhausted, err)
		c.SSEvent("error", ev)
		c.Writer.Flush()
		return
	}

	log.Printf("CHAT_REPLY | id=%s model=%s chars=%d", e.ID, st.Model(), util.RuneLen(st.Content()))
	c.SSEvent("done", DoneEvent{Model: st.Model(), Content: st.Content()})
	c.Writer.Flush()
}

// ============================================================================
// HELPERS
// ============================================================================

// sessionError maps registry errors to HTTP statuses.
func (s *Server) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrLeased), errors.Is(err, chat.ErrBusy):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrFull):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("SESSION_ERROR | path=%s err=%v", c.Request.URL.Path, err)
		writeError(c, http.StatusInternalServerError, "session error")
	}
}

// requestLanguage resolves an explicit language option, falling back to the
// Accept-Language header.
func requestLanguage(c *gin.Context, explicit string) language.Tag {
	if strings.TrimSpace(explicit) != "" {
		return prompt.ResolveLanguage(explicit)
	}
	return prompt.ResolveLanguage(c.GetHeader("Accept-Language"))
}
