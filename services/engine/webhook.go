// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stratalab/strata/services/engine/config"
	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/store"
)

// maxWebhookBytes caps inbound delivery bodies. Source hosts keep
// pull-request event payloads well under this.
const maxWebhookBytes = 1 << 20

// signatureHeader carries the HMAC-SHA256 of the raw body, in the
// "sha256=<hex>" form used by GitHub-compatible hosts.
const signatureHeader = "X-Hub-Signature-256"

// Pull-request actions the intake handler acts on. Anything else is
// acknowledged and dropped.
const (
	actionOpened      = "opened"
	actionSynchronize = "synchronize"
	actionReopened    = "reopened"
	actionClosed      = "closed"
)

// HandleWebhook handles POST /v1/webhooks/:provider.
//
// Description:
//
//	Ingests a pull-request lifecycle event from the source host. The
//	project is resolved from the repository name, the delivery is
//	authenticated with a constant-time HMAC-SHA256 check against the
//	project's webhook secret (falling back to the service-wide
//	secret), and duplicate deliveries are absorbed via the delivery-ID
//	header. Opened, synchronize, and reopened actions upsert the pull
//	request row and enqueue a review task; closed actions settle the
//	row as approved or rejected. Other actions are acknowledged
//	without side effects.
//
// Headers:
//
//	X-Hub-Signature-256: required, "sha256=<hex hmac of body>"
//	X-Delivery-ID (or X-GitHub-Delivery): optional delivery identity
//
// Response:
//
//	200 OK: WebhookResponse
//	400 Bad Request: malformed payload
//	401 Unauthorized: signature mismatch (audited)
//	404 Not Found: unknown provider or unregistered repository
//	503 Service Unavailable: task queue unreachable
func (h *Handlers) HandleWebhook(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleWebhook")
	ctx := c.Request.Context()

	if provider := c.Param("provider"); provider != "github" {
		logger.Warn("Unsupported webhook provider", "provider", provider)
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Unsupported webhook provider",
			Code:  "UNSUPPORTED_PROVIDER",
		})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes)
	body, err := c.GetRawData()
	if err != nil {
		logger.Warn("Unreadable webhook body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Unreadable or oversized request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		logger.Warn("Malformed webhook payload", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if event.Repository.FullName == "" || event.PullRequest.Number <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Payload is missing the repository or pull request",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	logger = logger.With("repo", event.Repository.FullName,
		"pr_number", event.PullRequest.Number, "action", event.Action)

	project, err := h.store.GetProjectByRepo(ctx, event.Repository.FullName)
	if err != nil {
		if store.IsNotFound(err) {
			logger.Warn("Webhook for unregistered repository")
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "Unknown project",
				Code:  "UNKNOWN_PROJECT",
			})
			return
		}
		respondError(c, logger, err)
		return
	}

	if !h.verifySignature(project, body, c.GetHeader(signatureHeader)) {
		h.auditWebhookRejection(ctx, c, project, &event)
		logger.Warn("Webhook signature mismatch", "project_id", project.ID)
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error: "Webhook signature verification failed",
			Code:  "SIGNATURE_INVALID",
		})
		return
	}

	switch event.Action {
	case actionOpened, actionSynchronize, actionReopened, actionClosed:
	default:
		c.JSON(http.StatusOK, WebhookResponse{Message: "Event ignored"})
		return
	}

	deliveryID := c.GetHeader("X-Delivery-ID")
	if deliveryID == "" {
		deliveryID = c.GetHeader("X-GitHub-Delivery")
	}
	if deliveryID != "" {
		first, err := h.deduper.FirstDelivery(ctx, deliveryID)
		if err != nil {
			// Fail open: a cache outage must not drop deliveries.
			logger.Warn("Delivery dedup unavailable", "error", err)
		} else if !first {
			logger.Info("Duplicate delivery absorbed", "delivery_id", deliveryID)
			c.JSON(http.StatusOK, WebhookResponse{Message: "Webhook already processed"})
			return
		}
	}

	prior, err := h.store.GetPullRequestByNumber(ctx, project.ID, event.PullRequest.Number)
	if err != nil && !store.IsNotFound(err) {
		respondError(c, logger, err)
		return
	}

	pr, created, err := h.store.SyncPullRequest(ctx, &store.PullRequest{
		ProjectID:    project.ID,
		Number:       event.PullRequest.Number,
		Title:        event.PullRequest.Title,
		Description:  event.PullRequest.Body,
		BranchName:   event.PullRequest.Head.Ref,
		CommitSHA:    event.PullRequest.Head.SHA,
		FilesChanged: event.PullRequest.ChangedFiles,
		LinesAdded:   event.PullRequest.Additions,
		LinesDeleted: event.PullRequest.Deletions,
	})
	if err != nil {
		respondError(c, logger, err)
		return
	}

	if event.Action == actionClosed {
		h.settleClosedPull(ctx, c, logger, pr, event.PullRequest.Merged)
		return
	}

	// A new head commit invalidates the graph-context cache built for
	// the one it replaced.
	if h.bundles != nil && prior != nil && prior.CommitSHA != "" && prior.CommitSHA != pr.CommitSHA {
		h.bundles.Invalidate(ctx, prior.CommitSHA)
	}

	task := fabric.NewTask(fabric.KindPRReview, project.ID)
	task.PullRequestID = pr.ID
	task.CommitSHA = pr.CommitSHA
	task.DetectDrift = project.GoldenSchema != ""
	if err := h.queue.Enqueue(ctx, task); err != nil {
		respondError(c, logger, err)
		return
	}
	if err := h.tracker.Update(ctx, task, fabric.TaskQueued, "queued by webhook"); err != nil {
		logger.Warn("Task tracking unavailable", "error", err, "task_id", task.ID)
	}

	h.auditPullSynced(ctx, c, pr, &event, task.ID, created)
	logger.Info("Review task enqueued",
		"pull_request_id", pr.ID, "task_id", task.ID, "created", created)
	c.JSON(http.StatusOK, WebhookResponse{Message: "Analysis queued", TaskID: task.ID})
}

// settleClosedPull moves a pull request into its terminal state when
// the source host reports it closed: approved when merged, rejected
// otherwise.
func (h *Handlers) settleClosedPull(ctx context.Context, c *gin.Context, logger *slog.Logger, pr *store.PullRequest, merged bool) {
	terminal := store.StatusRejected
	if merged {
		terminal = store.StatusApproved
	}
	if err := h.store.TransitionStatus(ctx, pr.ID, terminal); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Already settled; replays of close events are harmless.
			logger.Info("Pull request already terminal", "pull_request_id", pr.ID)
			c.JSON(http.StatusOK, WebhookResponse{Message: "Pull request already closed"})
			return
		}
		respondError(c, logger, err)
		return
	}
	h.audit(ctx, c, "webhook", "pr_closed", "pull_request", pr.ID, map[string]any{
		"merged": merged,
		"status": string(terminal),
	})
	logger.Info("Pull request settled", "pull_request_id", pr.ID, "status", terminal)
	c.JSON(http.StatusOK, WebhookResponse{Message: "Pull request closed"})
}

// verifySignature checks the delivery signature against the project's
// secret, falling back to the service-wide one. Deliveries fail closed
// when no secret is configured at either level.
func (h *Handlers) verifySignature(project *store.Project, body []byte, header string) bool {
	if header == "" {
		return false
	}
	if project.WebhookSecret != "" {
		return signatureMatches(body, header, []byte(project.WebhookSecret))
	}
	if h.webhookKey == nil {
		return false
	}
	ok := false
	if err := config.OpenSecret(h.webhookKey, func(secret []byte) error {
		ok = signatureMatches(body, header, secret)
		return nil
	}); err != nil {
		h.logger.Error("Fallback webhook secret unavailable", "error", err)
		return false
	}
	return ok
}

// signatureMatches recomputes the body HMAC and compares it to the
// header in constant time.
func signatureMatches(payload []byte, header string, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

// auditWebhookRejection records a failed signature check. Rejections
// are the one intake event audited before authentication, so the trail
// shows who knocked.
func (h *Handlers) auditWebhookRejection(ctx context.Context, c *gin.Context, project *store.Project, event *webhookEvent) {
	h.audit(ctx, c, "webhook", "webhook_rejected", "project", project.ID, map[string]any{
		"repo":      event.Repository.FullName,
		"pr_number": event.PullRequest.Number,
		"action":    event.Action,
	})
}

// auditPullSynced records a successful intake and the task it spawned.
func (h *Handlers) auditPullSynced(ctx context.Context, c *gin.Context, pr *store.PullRequest, event *webhookEvent, taskID string, created bool) {
	h.audit(ctx, c, "webhook", "pr_synced", "pull_request", pr.ID, map[string]any{
		"action":     event.Action,
		"commit_sha": pr.CommitSHA,
		"task_id":    taskID,
		"created":    created,
	})
}

// audit appends one trail entry attributed to the calling client.
// Trail failures are logged, never surfaced: the triggering operation
// already succeeded.
func (h *Handlers) audit(ctx context.Context, c *gin.Context, actor, action, entityType string, entityID int64, changes map[string]any) {
	entry := &store.AuditLog{
		UserID:     actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   strconv.FormatInt(entityID, 10),
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		Timestamp:  time.Now().UTC(),
	}
	if changes != nil {
		if raw, err := json.Marshal(changes); err == nil {
			entry.Changes = string(raw)
		}
	}
	if err := h.store.AppendAuditLog(ctx, entry); err != nil {
		h.logger.Warn("Audit append failed", "action", action, "error", err)
	}
}
