// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/statquery/services/query/intent"
	"github.com/AleutianAI/statquery/services/query/resolve"
)

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// DefaultQueryTimeout bounds one query end to end when the client carries
// no deadline of its own. Generous: a cold query may walk every resolution
// tier and retry a slow provider.
const DefaultQueryTimeout = 30 * time.Second

// Handlers holds the HTTP handlers for the query service.
type Handlers struct {
	service *Service

	// snapshotDir is where admin reload looks for a new catalog snapshot.
	snapshotDir string

	// queryTimeout caps HandleQuery; in-flight indicators past the
	// deadline report timeout failures instead of hanging the request.
	queryTimeout time.Duration

	startedAt time.Time
}

// HandlerOption adjusts handler construction.
type HandlerOption func(*Handlers)

// WithQueryTimeout overrides DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d > 0 {
			h.queryTimeout = d
		}
	}
}

// NewHandlers creates the handlers.
//
// Inputs:
//
//	service - The query service. Must not be nil.
//	snapshotDir - Catalog snapshot directory for POST /v1/admin/reload.
//	opts - Optional overrides.
func NewHandlers(service *Service, snapshotDir string, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		service:      service,
		snapshotDir:  snapshotDir,
		queryTimeout: DefaultQueryTimeout,
		startedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleQuery handles POST /v1/query.
//
// Description:
//
//	Accepts a ParsedIntent body and runs the full route-resolve-dispatch
//	pipeline. Per-indicator failures ride inside the response body; the
//	HTTP status reflects the aggregate.
//
// Response:
//
//	200 OK: Response, every indicator succeeded
//	206 Partial Content: Response, mixed successes and failures
//	400 Bad Request: Malformed body or unroutable intent
//	422 Unprocessable Entity: Intent flagged as needing clarification
//	502 Bad Gateway: Response, every indicator failed
func (h *Handlers) HandleQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleQuery")

	var pi intent.ParsedIntent
	if err := c.ShouldBindJSON(&pi); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_BODY",
		})
		return
	}

	// The query deadline holds even when the client sent none; a client
	// deadline tighter than ours still wins.
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.queryTimeout)
	defer cancel()

	resp, err := h.service.Execute(ctx, &pi)
	if err != nil {
		if errors.Is(err, ErrClarificationNeeded) {
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error: err.Error(),
				Code:  "CLARIFICATION_NEEDED",
			})
			return
		}
		logger.Warn("query rejected", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_INTENT",
		})
		return
	}

	switch resp.Status {
	case StatusOK:
		c.JSON(http.StatusOK, resp)
	case StatusPartial:
		c.JSON(http.StatusPartialContent, resp)
	default:
		c.JSON(http.StatusBadGateway, resp)
	}
}

// resolveRequest is the body for POST /v1/resolve.
type resolveRequest struct {
	Provider string `json:"provider" binding:"required"`
	Phrase   string `json:"phrase" binding:"required"`
}

// HandleResolve handles POST /v1/resolve.
//
// Description:
//
//	Resolves one (provider, phrase) pair against the live catalog
//	snapshot without dispatching. Useful for debugging routing tables
//	and catalog coverage.
//
// Response:
//
//	200 OK: Resolution
//	400 Bad Request: Unknown provider or missing field
//	404 Not Found: No tier produced a confident match; body carries the
//	resolution path and near misses
func (h *Handlers) HandleResolve(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResolve")

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_BODY",
		})
		return
	}

	provider, err := intent.ParseProvider(req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "UNKNOWN_PROVIDER",
		})
		return
	}

	snap := h.service.Catalog().Current()
	resolved, err := h.service.resolver.Resolve(c.Request.Context(), snap, provider, req.Phrase)
	if err != nil {
		var noMatch *resolve.NoMatchError
		if errors.As(err, &noMatch) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   noMatch.Error(),
				"code":    "NO_MATCH_FOUND",
				"failure": resolutionFailure(err),
			})
			return
		}
		logger.Warn("resolve failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "RESOLVE_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, Resolution{
		Provider:   resolved.Provider,
		Code:       resolved.Code,
		Confidence: resolved.Confidence,
		Path:       resolved.Path,
	})
}

// HandleRoute handles POST /v1/route.
//
// Description:
//
//	Runs only the routing ladder for a ParsedIntent and returns the
//	per-phrase decisions. No resolution, no dispatch.
//
// Response:
//
//	200 OK: {decisions: map phrase -> Decision}
//	400 Bad Request: Malformed body or unroutable intent
func (h *Handlers) HandleRoute(c *gin.Context) {
	var pi intent.ParsedIntent
	if err := c.ShouldBindJSON(&pi); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_BODY",
		})
		return
	}
	if err := pi.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_INTENT",
		})
		return
	}

	tbl := h.service.Tables().Current()
	decisions := make([]gin.H, 0, len(pi.IndicatorPhrases))
	for _, phrase := range pi.IndicatorPhrases {
		d := h.service.engine.Route(c.Request.Context(), tbl, &pi, phrase)
		decisions = append(decisions, gin.H{"phrase": phrase, "decision": d})
	}

	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

// HandleReload handles POST /v1/admin/reload.
//
// Description:
//
//	Loads the catalog snapshot directory and atomically swaps it in.
//	In-flight queries keep the snapshot they started with. On failure
//	the previous snapshot stays live and the error is returned.
//
// Response:
//
//	200 OK: {snapshot_version: int}
//	500 Internal Server Error: Load or verification failure
func (h *Handlers) HandleReload(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReload")

	snap, err := h.service.Catalog().Reload(c.Request.Context(), h.snapshotDir)
	if err != nil {
		logger.Error("snapshot reload failed",
			slog.String("dir", h.snapshotDir),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "snapshot reload failed: " + err.Error(),
			Code:  "RELOAD_FAILED",
		})
		return
	}

	logger.Info("snapshot reloaded", slog.Int("version", snap.Version()))
	c.JSON(http.StatusOK, gin.H{"snapshot_version": snap.Version()})
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	snap := h.service.Catalog().Current()
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"snapshot_version": snap.Version(),
		"entry_count":      snap.EntryCount(),
		"uptime_seconds":   int(time.Since(h.startedAt).Seconds()),
	})
}
