// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stratalab/strata/services/engine/review"
	"github.com/stratalab/strata/services/engine/store"
)

// Pull request listing bounds.
const (
	defaultPullsLimit = 50
	maxPullsLimit     = 200
)

// HandleGetReview handles GET /v1/pr/:pr_id/review.
//
// Description:
//
//	Returns the persisted review verdict for a pull request: the
//	summary, per-issue findings, and aggregate scores, joined with the
//	pull request row itself.
//
// Response:
//
//	200 OK: ReviewDetail
//	404 Not Found: unknown pull request, or not reviewed yet
func (h *Handlers) HandleGetReview(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGetReview")
	ctx := c.Request.Context()

	prID, ok := pathID(c, "pr_id")
	if !ok {
		return
	}
	pr, err := h.store.GetPullRequest(ctx, prID)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	result, err := h.store.GetReviewResult(ctx, pr.ID)
	if err != nil {
		if store.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "Pull request has not been reviewed yet",
				Code:  "REVIEW_NOT_FOUND",
			})
			return
		}
		respondError(c, logger, err)
		return
	}

	var issues []review.Issue
	if result.AISuggestions != "" {
		if err := json.Unmarshal([]byte(result.AISuggestions), &issues); err != nil {
			logger.Warn("Stored suggestions are unreadable", "error", err, "pull_request_id", pr.ID)
			issues = nil
		}
	}
	c.JSON(http.StatusOK, ReviewDetail{
		PullRequest:     pr,
		Summary:         result.Summary,
		Issues:          issues,
		TotalIssues:     result.TotalIssues,
		CriticalIssues:  result.CriticalIssues,
		ConfidenceScore: result.ConfidenceScore,
		CreatedAt:       result.CreatedAt,
	})
}

// HandleListPulls handles GET /v1/projects/:id/pulls.
//
// Query Parameters:
//
//	state: open | closed | all (default open)
//	limit: maximum rows (default 50, cap 200)
//
// Response:
//
//	200 OK: PullsResponse, newest first
//	400 Bad Request: unknown state filter
//	404 Not Found: unknown project
func (h *Handlers) HandleListPulls(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleListPulls")
	ctx := c.Request.Context()

	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetProject(ctx, id); err != nil {
		respondError(c, logger, err)
		return
	}

	state := store.PRState(c.DefaultQuery("state", string(store.PRStateOpen)))
	switch state {
	case store.PRStateOpen, store.PRStateClosed, store.PRStateAll:
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Unknown state filter; expected open, closed, or all",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	limit := defaultPullsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid limit query parameter",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		limit = min(n, maxPullsLimit)
	}

	pulls, err := h.store.ListPullRequests(ctx, id, state, limit)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, PullsResponse{Pulls: pulls, Count: len(pulls)})
}
