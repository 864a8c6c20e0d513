// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/store"
)

// signWebhook produces the X-Hub-Signature-256 value for a body.
func signWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// prEvent builds a pull-request event payload.
func prEvent(t *testing.T, action, repo string, number int, sha string, merged bool) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"action": action,
		"pull_request": map[string]any{
			"number":        number,
			"title":         "Add retry budget",
			"body":          "Bounds the retry loop.",
			"state":         "open",
			"merged":        merged,
			"changed_files": 2,
			"additions":     40,
			"deletions":     8,
			"head":          map[string]any{"ref": "feature/retries", "sha": sha},
		},
		"repository": map[string]any{"full_name": repo},
	})
	require.NoError(t, err)
	return raw
}

// postWebhook signs and delivers an event with optional extra headers.
func (a *testAPI) postWebhook(t *testing.T, secret string, body []byte, extra map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{"Content-Type": "application/json"}
	if secret != "" {
		headers[signatureHeader] = signWebhook(secret, body)
	}
	for k, v := range extra {
		headers[k] = v
	}
	return a.doRaw(t, http.MethodPost, "/v1/webhooks/github", body, headers)
}

func (a *testAPI) queueLen(t *testing.T) int64 {
	t.Helper()
	n, err := fabric.NewQueue(a.fabric).Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestWebhookOpenedEnqueuesReview(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	body := prEvent(t, "opened", "acme/payments", 17, "abc123", false)
	w := a.postWebhook(t, "hook-secret", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[WebhookResponse](t, w)
	assert.Equal(t, "Analysis queued", resp.Message)
	assert.NotEmpty(t, resp.TaskID)

	pr, err := a.store.GetPullRequestByNumber(ctx, a.project.ID, 17)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, pr.Status)
	assert.Equal(t, "abc123", pr.CommitSHA)
	assert.Equal(t, "feature/retries", pr.BranchName)
	assert.Equal(t, int64(1), a.queueLen(t))

	// The enqueued task targets the delivered head commit.
	task, err := fabric.NewQueue(a.fabric).Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, fabric.KindPRReview, task.Kind)
	assert.Equal(t, pr.ID, task.PullRequestID)
	assert.Equal(t, "abc123", task.CommitSHA)

	// The intake was audited.
	entries, err := a.store.ListAuditLogs(ctx, "pull_request", strconv.FormatInt(pr.ID, 10), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "pr_synced", entries[0].Action)
	assert.Equal(t, "webhook", entries[0].UserID)

	// The task is pollable through the status API.
	w = a.do(t, http.MethodGet, "/v1/analyses/"+resp.TaskID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", decode[TaskStatusResponse](t, w).Status)
}

func TestWebhookSignatureRejected(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	body := prEvent(t, "opened", "acme/payments", 3, "abc123", false)

	// Wrong secret.
	w := a.postWebhook(t, "wrong-secret", body, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "SIGNATURE_INVALID", decode[ErrorResponse](t, w).Code)

	// Missing header entirely.
	w = a.postWebhook(t, "", body, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, int64(0), a.queueLen(t))
	_, err := a.store.GetPullRequestByNumber(ctx, a.project.ID, 3)
	assert.True(t, store.IsNotFound(err))

	// Rejections land on the audit trail.
	entries, err := a.store.ListAuditLogs(ctx, "project", strconv.FormatInt(a.project.ID, 10), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "webhook_rejected", entries[0].Action)
	assert.NotEmpty(t, entries[0].IPAddress)
}

func TestWebhookFallbackSecret(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	// A project registered without its own secret authenticates
	// against the service-wide one.
	bare := &store.Project{Name: "docs", RepoFullName: "acme/docs"}
	require.NoError(t, a.store.CreateProject(ctx, bare))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers, err := NewHandlers(HandlersConfig{
		Store:      a.store,
		Graph:      a.graph,
		Fabric:     a.fabric,
		WebhookKey: memguard.NewEnclave([]byte("global-secret")),
		Logger:     logger,
	})
	require.NoError(t, err)
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), handlers, nil)

	body := prEvent(t, "opened", "acme/docs", 1, "fff000", false)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, signWebhook("global-secret", body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The per-project secret is not consulted for bare projects, so a
	// signature under any other key is rejected.
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signWebhook("hook-secret", body))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookUnknownRepo(t *testing.T) {
	a := newTestAPI(t)

	body := prEvent(t, "opened", "acme/unregistered", 1, "abc", false)
	w := a.postWebhook(t, "hook-secret", body, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_PROJECT", decode[ErrorResponse](t, w).Code)
}

func TestWebhookUnsupportedProvider(t *testing.T) {
	a := newTestAPI(t)

	body := prEvent(t, "opened", "acme/payments", 1, "abc", false)
	w := a.doRaw(t, http.MethodPost, "/v1/webhooks/gitlab", body, map[string]string{
		signatureHeader: signWebhook("hook-secret", body),
	})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNSUPPORTED_PROVIDER", decode[ErrorResponse](t, w).Code)
}

func TestWebhookMalformedPayload(t *testing.T) {
	a := newTestAPI(t)

	w := a.postWebhook(t, "hook-secret", []byte("{not json"), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Valid JSON but no repository slug.
	w = a.postWebhook(t, "hook-secret", []byte(`{"action":"opened"}`), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	a := newTestAPI(t)

	body := prEvent(t, "opened", "acme/payments", 9, "dedup-sha", false)
	headers := map[string]string{"X-Delivery-ID": "delivery-42"}

	w := a.postWebhook(t, "hook-secret", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Analysis queued", decode[WebhookResponse](t, w).Message)

	w = a.postWebhook(t, "hook-secret", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Webhook already processed", decode[WebhookResponse](t, w).Message)

	// Exactly one task regardless of replays.
	assert.Equal(t, int64(1), a.queueLen(t))

	// The GitHub-style delivery header is honored as a fallback.
	w = a.postWebhook(t, "hook-secret", body, map[string]string{"X-GitHub-Delivery": "delivery-42"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Webhook already processed", decode[WebhookResponse](t, w).Message)
}

func TestWebhookIgnoredAction(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	body := prEvent(t, "labeled", "acme/payments", 5, "abc", false)
	w := a.postWebhook(t, "hook-secret", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Event ignored", decode[WebhookResponse](t, w).Message)

	_, err := a.store.GetPullRequestByNumber(ctx, a.project.ID, 5)
	assert.True(t, store.IsNotFound(err))
	assert.Equal(t, int64(0), a.queueLen(t))
}

func TestWebhookClosedSettles(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	opened := prEvent(t, "opened", "acme/payments", 11, "sha-1", false)
	w := a.postWebhook(t, "hook-secret", opened, nil)
	require.Equal(t, http.StatusOK, w.Code)

	closed := prEvent(t, "closed", "acme/payments", 11, "sha-1", true)
	w = a.postWebhook(t, "hook-secret", closed, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Pull request closed", decode[WebhookResponse](t, w).Message)

	pr, err := a.store.GetPullRequestByNumber(ctx, a.project.ID, 11)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, pr.Status)

	// A conflicting replay (closed without merge) cannot flip the
	// terminal state.
	reclosed := prEvent(t, "closed", "acme/payments", 11, "sha-1", false)
	w = a.postWebhook(t, "hook-secret", reclosed, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Pull request already closed", decode[WebhookResponse](t, w).Message)

	pr, err = a.store.GetPullRequestByNumber(ctx, a.project.ID, 11)
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, pr.Status)
}

func TestWebhookSynchronizeInvalidatesContext(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	opened := prEvent(t, "opened", "acme/payments", 2, "sha-old", false)
	w := a.postWebhook(t, "hook-secret", opened, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Pretend a context bundle was cached for the old head.
	require.NoError(t, a.memo.Set(ctx, "sha-old", []byte(`{"project_id":"p"}`)))

	synced := prEvent(t, "synchronize", "acme/payments", 2, "sha-new", false)
	w = a.postWebhook(t, "hook-secret", synced, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	pr, err := a.store.GetPullRequestByNumber(ctx, a.project.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "sha-new", pr.CommitSHA)

	_, hit, err := a.memo.Get(ctx, "sha-old")
	require.NoError(t, err)
	assert.False(t, hit, "stale context bundle should be invalidated")

	assert.Equal(t, int64(2), a.queueLen(t))
}
