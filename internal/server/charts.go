// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jeranaias/astrobro/internal/archive"
	"github.com/jeranaias/astrobro/internal/cloud"
)

// requireArchive rejects archive routes when no archive is configured.
func (s *Server) requireArchive(c *gin.Context) {
	if s.deps.Archive == nil {
		abortError(c, http.StatusServiceUnavailable, "archive is disabled")
		return
	}
	c.Next()
}

// archiveError maps archive errors to HTTP statuses.
func archiveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, archive.ErrInvalidSnapshot),
		errors.Is(err, archive.ErrInvalidOption),
		errors.Is(err, archive.ErrInvalidEmail):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, archive.ErrKeyLocked):
		writeError(c, http.StatusConflict, err.Error())
	default:
		log.Printf("ARCHIVE_ERROR | path=%s err=%v", c.Request.URL.Path, err)
		writeError(c, http.StatusInternalServerError, "archive error")
	}
}

// ============================================================================
// CHARTS
// ============================================================================

// SaveChartResponse reports whether a chart was created or overwritten.
type SaveChartResponse struct {
	Result archive.SaveResult `json:"result"`
	Hash   string             `json:"hash"`
}

// handleListCharts lists the caller's charts, newest first. ?type= filters by
// chart type and ?q= searches names and cities.
func (s *Server) handleListCharts(c *gin.Context) {
	var (
		charts []archive.Chart
		err    error
	)
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		charts, err = s.deps.Archive.SearchCharts(c.Request.Context(), owner(c), q)
	} else {
		charts, err = s.deps.Archive.ListCharts(c.Request.Context(), owner(c), c.Query("type"))
	}
	if err != nil {
		archiveError(c, err)
		return
	}
	if charts == nil {
		charts = []archive.Chart{}
	}
	c.JSON(http.StatusOK, gin.H{"charts": charts})
}

func (s *Server) handleSaveChart(c *gin.Context) {
	var snap archive.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		bindError(c, err)
		return
	}
	result, hash, err := s.deps.Archive.SaveChart(c.Request.Context(), owner(c), snap)
	if err != nil {
		archiveError(c, err)
		return
	}
	status := http.StatusOK
	if result == archive.Created {
		status = http.StatusCreated
	}
	c.JSON(status, SaveChartResponse{Result: result, Hash: hash})
}

func (s *Server) handleGetChart(c *gin.Context) {
	chart, err := s.deps.Archive.LoadChart(c.Request.Context(), owner(c), c.Param("hash"))
	if err != nil {
		archiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, chart)
}

func (s *Server) handleDeleteChart(c *gin.Context) {
	if err := s.deps.Archive.DeleteChart(c.Request.Context(), owner(c), c.Param("hash")); err != nil {
		archiveError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ============================================================================
// USERS
// ============================================================================

// APIKeyRequest sets or, when empty, clears the caller's OpenRouter key.
type APIKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleGetUser(c *gin.Context) {
	u, err := s.deps.Archive.EnsureUser(c.Request.Context(), owner(c))
	if err != nil {
		archiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleSetAPIKey(c *gin.Context) {
	var req APIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key != "" {
		if !cloud.ValidateAPIKey(key) {
			writeError(c, http.StatusBadRequest, "api key does not look like an OpenRouter key")
			return
		}
		if s.deps.CheckKey != nil {
			if err := s.deps.CheckKey(c.Request.Context(), key); err != nil {
				log.Printf("API_KEY_REJECTED | owner=%s fingerprint=%s err=%v", owner(c), cloud.Fingerprint(key), err)
				writeError(c, http.StatusBadRequest, "api key was rejected: "+err.Error())
				return
			}
		}
	}

	ctx := c.Request.Context()
	if _, err := s.deps.Archive.EnsureUser(ctx, owner(c)); err != nil {
		archiveError(c, err)
		return
	}
	if err := s.deps.Archive.SetAPIKey(ctx, owner(c), key); err != nil {
		archiveError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpdateOptions(c *gin.Context) {
	var patch archive.OptionsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		bindError(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.deps.Archive.EnsureUser(ctx, owner(c)); err != nil {
		archiveError(c, err)
		return
	}
	u, err := s.deps.Archive.UpdateOptions(ctx, owner(c), patch)
	if err != nil {
		archiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}
