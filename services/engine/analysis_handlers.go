// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stratalab/strata/services/engine/ast"
	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/store"
)

// maxInlineFiles caps the file count of one snapshot analysis request.
const maxInlineFiles = 200

// statusPending is the wire rendering of a freshly enqueued task.
const statusPending = "PENDING"

// apiTaskState renders a fabric task state for API clients.
func apiTaskState(state fabric.TaskState) string {
	switch state {
	case fabric.TaskQueued:
		return statusPending
	case fabric.TaskRunning:
		return "RUNNING"
	case fabric.TaskDone:
		return "COMPLETED"
	case fabric.TaskFailed:
		return "FAILED"
	default:
		return strings.ToUpper(string(state))
	}
}

// HandleAnalyzeProject handles POST /v1/projects/:id/analyze.
//
// Description:
//
//	Enqueues a snapshot analysis of inline-supplied files. Projection
//	always extracts structure and dependencies; layer_analysis
//	additionally evaluates drift when the project has a golden schema.
//	The work runs asynchronously; poll the returned task ID.
//
// Response:
//
//	202 Accepted: AnalyzeResponse {task_id, status PENDING}
//	400 Bad Request: no files, too many files, or an oversized file
//	404 Not Found: unknown project
//	503 Service Unavailable: task queue unreachable
func (h *Handlers) HandleAnalyzeProject(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleAnalyzeProject")
	ctx := c.Request.Context()

	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if len(req.Files) > maxInlineFiles {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("Too many files: %d exceeds the limit of %d", len(req.Files), maxInlineFiles),
			Code:  "TOO_MANY_FILES",
		})
		return
	}
	for _, f := range req.Files {
		if int64(len(f.Content)) > ast.DefaultMaxFileSize {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "File exceeds the maximum analyzable size",
				Code:    "FILE_TOO_LARGE",
				Details: f.Filename,
			})
			return
		}
	}

	project, err := h.store.GetProject(ctx, id)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	task := fabric.NewTask(fabric.KindProjectAnalysis, project.ID)
	task.Files = make([]fabric.FilePayload, 0, len(req.Files))
	for _, f := range req.Files {
		task.Files = append(task.Files, fabric.FilePayload{Path: f.Filename, Content: f.Content})
	}
	task.DetectDrift = req.Options.LayerAnalysis && project.GoldenSchema != ""

	if err := h.queue.Enqueue(ctx, task); err != nil {
		respondError(c, logger, err)
		return
	}
	if err := h.tracker.Update(ctx, task, fabric.TaskQueued, "queued by analyze API"); err != nil {
		logger.Warn("Task tracking unavailable", "error", err, "task_id", task.ID)
	}

	h.audit(ctx, c, "api", "analysis_requested", "project", project.ID, map[string]any{
		"task_id":      task.ID,
		"files":        len(task.Files),
		"detect_drift": task.DetectDrift,
	})
	logger.Info("Snapshot analysis enqueued",
		"project_id", project.ID, "task_id", task.ID, "files", len(task.Files))
	c.JSON(http.StatusAccepted, AnalyzeResponse{TaskID: task.ID, Status: statusPending})
}

// HandleTaskStatus handles GET /v1/analyses/:task_id/status.
//
// Response:
//
//	200 OK: TaskStatusResponse
//	404 Not Found: unknown or expired task ID
func (h *Handlers) HandleTaskStatus(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleTaskStatus")

	taskID := c.Param("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Missing task_id path parameter",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	status, err := h.tracker.Get(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, TaskStatusResponse{
		TaskID:    status.TaskID,
		Kind:      string(status.Kind),
		Status:    apiTaskState(status.State),
		Attempt:   status.Attempt,
		Detail:    status.Detail,
		UpdatedAt: status.UpdatedAt,
	})
}

// HandleReanalyzePull handles POST /v1/pr/:pr_id/reanalyze.
//
// Description:
//
//	Re-runs the review pipeline for an open pull request. When a
//	source-host client is configured the head metadata is refreshed
//	first, so the task analyzes the commit the host currently reports;
//	a refresh failure falls back to the stored head rather than
//	blocking the request.
//
// Response:
//
//	202 Accepted: AnalyzeResponse {task_id, status PENDING}
//	404 Not Found: unknown pull request
//	409 Conflict: pull request already closed
//	503 Service Unavailable: task queue unreachable
func (h *Handlers) HandleReanalyzePull(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleReanalyzePull")
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
	if !pr.Open() {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "Pull request is closed",
			Code:  "PR_CLOSED",
		})
		return
	}
	project, err := h.store.GetProject(ctx, pr.ProjectID)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	pr = h.refreshHead(ctx, logger, project, pr)

	task := fabric.NewTask(fabric.KindPRReview, project.ID)
	task.PullRequestID = pr.ID
	task.CommitSHA = pr.CommitSHA
	task.DetectDrift = project.GoldenSchema != ""
	if err := h.queue.Enqueue(ctx, task); err != nil {
		respondError(c, logger, err)
		return
	}
	if err := h.tracker.Update(ctx, task, fabric.TaskQueued, "queued by reanalyze API"); err != nil {
		logger.Warn("Task tracking unavailable", "error", err, "task_id", task.ID)
	}

	h.audit(ctx, c, "api", "pr_reanalyze_requested", "pull_request", pr.ID, map[string]any{
		"task_id":    task.ID,
		"commit_sha": pr.CommitSHA,
	})
	logger.Info("Re-analysis enqueued", "pull_request_id", pr.ID, "task_id", task.ID)
	c.JSON(http.StatusAccepted, AnalyzeResponse{TaskID: task.ID, Status: statusPending})
}

// refreshHead syncs the pull request with the head the source host
// currently reports. Returns the freshest row available; upstream
// failures degrade to the stored one.
func (h *Handlers) refreshHead(ctx context.Context, logger *slog.Logger, project *store.Project, pr *store.PullRequest) *store.PullRequest {
	if h.source == nil {
		return pr
	}
	pull, err := h.source.GetPull(ctx, project.RepoFullName, pr.Number)
	if err != nil {
		logger.Warn("Head refresh failed, using stored commit", "error", err)
		return pr
	}
	if pull.Head.SHA == "" || pull.Head.SHA == pr.CommitSHA {
		return pr
	}
	synced, _, err := h.store.SyncPullRequest(ctx, &store.PullRequest{
		ProjectID:    project.ID,
		Number:       pr.Number,
		Title:        pull.Title,
		Description:  pull.Body,
		BranchName:   pull.Head.Ref,
		CommitSHA:    pull.Head.SHA,
		FilesChanged: pull.ChangedFiles,
		LinesAdded:   pull.Additions,
		LinesDeleted: pull.Deletions,
	})
	if err != nil {
		logger.Warn("Head sync failed, using stored commit", "error", err)
		return pr
	}
	if h.bundles != nil && pr.CommitSHA != "" {
		h.bundles.Invalidate(ctx, pr.CommitSHA)
	}
	return synced
}
