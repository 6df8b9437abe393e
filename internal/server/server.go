// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jeranaias/astrobro/internal/archive"
	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/config"
	"github.com/jeranaias/astrobro/internal/prompt"
	"github.com/jeranaias/astrobro/internal/session"
	"github.com/jeranaias/astrobro/internal/storage"
	"github.com/jeranaias/astrobro/internal/telemetry"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize caps request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxPromptLength caps one user message, in bytes.
	MaxPromptLength = 16 * 1024

	// Version is the server version.
	Version = "0.3.0"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds the server settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	RateLimitRPS   float64 // 0 disables rate limiting
	RateLimitBurst int
	TrustedHeader  string

	// Models are the configured candidates in failover order.
	Models []string

	Session session.Config
}

// ConfigFrom maps the application configuration onto server settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		TrustedHeader:  cfg.Server.TrustedHeader,
		Models:         cfg.Chat.Models,
		Session: session.Config{
			IdleTimeout:   cfg.IdleTimeout(),
			MaxSessions:   cfg.Session.MaxSessions,
			SweepInterval: time.Minute,
			Retention:     cfg.Retention(),
		},
	}
}

// Deps are the collaborators of the server. Only Completer is required.
type Deps struct {
	// Completer returns the completion endpoint for an API key; "" selects
	// the server's own key.
	Completer func(apiKey string) chat.Completer

	// Conversations persists transcripts so sessions survive restarts.
	Conversations *storage.ConversationStore

	// Archive stores charts, user options and user API keys.
	Archive *archive.Store

	// Recorder collects per-model statistics.
	Recorder *telemetry.Recorder

	// CheckKey verifies a user's API key before it is stored.
	CheckKey func(ctx context.Context, apiKey string) error
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API in front of the chat sessions and the archive.
type Server struct {
	cfg      Config
	deps     Deps
	registry *session.Registry
	engine   *gin.Engine
	server   *http.Server
	started  time.Time

	mu     sync.RWMutex // guards models, server and closed
	models []string
	closed bool
}

// New creates a Server and its session registry.
func New(cfg Config, deps Deps) *Server {
	if cfg.TrustedHeader == "" {
		cfg.TrustedHeader = "X-User-Email"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = prompt.DefaultModelIDs()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		started: time.Now(),
		models:  append([]string(nil), cfg.Models...),
	}

	var opts []session.Option
	if deps.Conversations != nil {
		opts = append(opts, session.WithStore(deps.Conversations, s.restoreSession))
	}
	s.registry = session.NewRegistry(cfg.Session, opts...)

	s.setupRoutes()
	return s
}

// Registry returns the session registry, for running its sweeper.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetModels replaces the configured candidates. Sessions created afterwards
// use the new list; existing sessions keep theirs.
func (s *Server) SetModels(models []string) {
	if len(models) == 0 {
		return
	}
	s.mu.Lock()
	s.models = append([]string(nil), models...)
	s.mu.Unlock()
	log.Printf("SERVER_MODELS | count=%d first=%s", len(models), models[0])
}

// Models returns the configured candidates.
func (s *Server) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.models...)
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// ClientIP must come from the connection, not client-supplied headers.
	_ = r.SetTrustedProxies(nil)

	cors := DefaultCORSConfig()
	if len(s.cfg.AllowedOrigins) > 0 {
		cors.AllowedOrigins = s.cfg.AllowedOrigins
	}
	cors.AllowedHeaders = append(cors.AllowedHeaders, s.cfg.TrustedHeader)

	r.Use(
		Recovery(),
		Logger(),
		SecurityHeaders(),
		CORS(cors),
		limitBody(MaxRequestBodySize),
	)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(RateLimit(NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)))
	}
	r.Use(Identity(s.cfg.TrustedHeader))

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.GET("/models", s.handleModels)
	api.GET("/questions", s.handleQuestions)
	api.GET("/stats", s.handleStats)

	api.GET("/sessions", RequireOwner(), s.handleListSessions)
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleDeleteSession)
	api.GET("/sessions/:id/messages", s.handleTranscript)
	api.POST("/sessions/:id/messages", s.handleSend)
	api.GET("/sessions/:id/export", s.handleExport)

	archived := api.Group("", RequireOwner(), s.requireArchive)
	archived.GET("/charts", s.handleListCharts)
	archived.POST("/charts", s.handleSaveChart)
	archived.GET("/charts/:hash", s.handleGetChart)
	archived.DELETE("/charts/:hash", s.handleDeleteChart)
	archived.GET("/users/me", s.handleGetUser)
	archived.PUT("/users/me/api-key", s.handleSetAPIKey)
	archived.PATCH("/users/me/options", s.handleUpdateOptions)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not found")
	})

	s.engine = r
}

// limitBody caps the size of request bodies.
func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// ============================================================================
// HEALTH, MODELS, QUESTIONS, STATS
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
	Archive  bool   `json:"archive"`
	Store    bool   `json:"store"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  Version,
		Uptime:   session.FormatDuration(time.Since(s.started)),
		Sessions: s.registry.Len(),
		Archive:  s.deps.Archive != nil,
		Store:    s.deps.Conversations != nil,
	})
}

// ModelInfo is one entry of GET /api/models.
type ModelInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

func (s *Server) handleModels(c *gin.Context) {
	tag := requestLanguage(c, c.Query("lang"))
	entries := prompt.Catalog(s.Models())
	out := make([]ModelInfo, len(entries))
	for i, m := range entries {
		out[i] = ModelInfo{ID: m.ID, Description: m.Describe(tag), Default: i == 0}
	}
	c.JSON(http.StatusOK, gin.H{"language": tag.String(), "models": out})
}

func (s *Server) handleQuestions(c *gin.Context) {
	ct, err := prompt.ParseChartType(c.DefaultQuery("chart", string(prompt.Natal)))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	tag := requestLanguage(c, c.Query("lang"))
	c.JSON(http.StatusOK, gin.H{
		"chart_type": ct,
		"language":   tag.String(),
		"questions":  prompt.Questions(ct, tag, nil),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.deps.Recorder == nil {
		writeError(c, http.StatusServiceUnavailable, "statistics are disabled")
		return
	}
	days, _ := strconv.Atoi(c.DefaultQuery("days", "1"))
	if days <= 1 {
		c.JSON(http.StatusOK, s.deps.Recorder.Snapshot())
		return
	}
	trends, err := s.deps.Recorder.Trends(days)
	if err != nil {
		log.Printf("STATS_ERROR | days=%d err=%v", days, err)
		writeError(c, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	c.JSON(http.StatusOK, trends)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and blocks until the server
// stops. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	hs := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: replies stream for as long as the model talks.
		IdleTimeout: 120 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = hs
	s.mu.Unlock()

	log.Printf("SERVER_START | addr=%s version=%s models=%d", s.cfg.Addr, Version, len(s.Models()))
	return hs.ListenAndServe()
}

// Shutdown gracefully shuts down the server and flushes statistics.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("SERVER_SHUTDOWN | sessions=%d", s.registry.Len())

	if s.deps.Recorder != nil {
		if err := s.deps.Recorder.Flush(); err != nil {
			log.Printf("TELEMETRY_FLUSH_ERROR | err=%v", err)
		}
	}
	s.mu.Lock()
	s.closed = true
	hs := s.server
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// writeError writes a JSON error response.
func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorBody{Error: ErrorDetail{Message: message, Code: status}})
}

// abortError writes a JSON error response and stops the handler chain.
func abortError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Message: message, Code: status}})
}

// bindError reports a malformed request body, including oversized ones.
func bindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
}
