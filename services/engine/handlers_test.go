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
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalab/strata/services/engine/analytics"
	"github.com/stratalab/strata/services/engine/ast"
	"github.com/stratalab/strata/services/engine/compliance"
	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/graph"
	"github.com/stratalab/strata/services/engine/review"
	"github.com/stratalab/strata/services/engine/store"
)

const testSchemaYAML = `version: "1"
layers:
  - name: api
    patterns: ["api*"]
    forbidden_dependencies: [db]
  - name: db
    patterns: ["db*"]
thresholds:
  critical: 0
  high: 2
  medium: 5
  low: 10
`

type testAPI struct {
	store    *store.Store
	graph    *graph.Store
	fabric   *fabric.Client
	memo     *fabric.Memoizer
	handlers *Handlers
	router   *gin.Engine
	project  *store.Project
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	st, err := store.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	g, err := graph.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	mr := miniredis.RunT(t)
	fc := fabric.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = fc.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	memo := fabric.NewMemoizer(fc, time.Hour)
	handlers, err := NewHandlers(HandlersConfig{
		Store:   st,
		Graph:   g,
		Fabric:  fc,
		Bundles: review.NewContextBuilder(g, memo, logger),
		Logger:  logger,
	})
	require.NoError(t, err)

	router := gin.New()
	router.GET("/health", handlers.HandleHealth)
	router.GET("/ready", handlers.HandleReady)
	RegisterRoutes(router.Group("/v1"), handlers, nil)

	project := &store.Project{
		Name:          "payments",
		RepoFullName:  "acme/payments",
		WebhookSecret: "hook-secret",
	}
	require.NoError(t, st.CreateProject(ctx, project))

	return &testAPI{
		store:    st,
		graph:    g,
		fabric:   fc,
		memo:     memo,
		handlers: handlers,
		router:   router,
		project:  project,
	}
}

// do issues a JSON request against the in-process router.
func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// doRaw issues a request with a raw body.
func (a *testAPI) doRaw(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// decode unmarshals a recorded JSON response.
func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// seedPF is a minimal parsed file whose module imports exactly one
// other module.
func seedPF(projectID, module, imports string) *ast.ParsedFile {
	path := module + ".py"
	fileID := ast.FileID(projectID, path)
	pf := &ast.ParsedFile{
		ProjectID: projectID,
		Path:      path,
		Language:  "python",
		Hash:      "h-" + module,
		Module:    module,
		File:      ast.FileNode{ID: fileID, Path: path, Language: "python", LinesOfCode: 5},
		Functions: []ast.Function{
			{ID: ast.FunctionID(fileID, "handle"), Name: "handle", StartLine: 1, EndLine: 4, Complexity: 3},
		},
	}
	if imports != "" {
		pf.Imports = []ast.Import{
			{ID: ast.ImportID(fileID, imports), Name: imports, Module: imports, ImportType: "module", Line: 1},
		}
	}
	return pf
}

func TestHealthAndReady(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, ServiceVersion, health.Version)

	w = a.do(t, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ready := decode[ReadyResponse](t, w)
	assert.True(t, ready.Ready)
	assert.Equal(t, "ok", ready.Components["store"])
	assert.Equal(t, "ok", ready.Components["fabric"])
}

func TestCreateProject(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/v1/projects", CreateProjectRequest{
		Name:          "billing",
		RepoFullName:  "acme/billing",
		WebhookSecret: "super-secret-value",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[store.Project](t, w)
	assert.Positive(t, created.ID)
	assert.Equal(t, "acme/billing", created.RepoFullName)
	assert.Equal(t, "main", created.DefaultBranch)
	// The secret must never be echoed back.
	assert.NotContains(t, w.Body.String(), "super-secret-value")

	// Duplicate repository slug.
	w = a.do(t, http.MethodPost, "/v1/projects", CreateProjectRequest{
		Name:         "billing-again",
		RepoFullName: "acme/billing",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", decode[ErrorResponse](t, w).Code)

	// Missing required fields.
	w = a.do(t, http.MethodPost, "/v1/projects", map[string]string{"name": "x"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/v1/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ProjectsResponse](t, w)
	assert.Equal(t, 2, list.Count)

	w = a.do(t, http.MethodGet, "/v1/projects/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/v1/projects/9999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGoldenSchemaRoundTrip(t *testing.T) {
	a := newTestAPI(t)

	// Nothing stored yet.
	w := a.do(t, http.MethodGet, "/v1/projects/1/schema", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SCHEMA_NOT_SET", decode[ErrorResponse](t, w).Code)

	w = a.doRaw(t, http.MethodPut, "/v1/projects/1/schema", []byte(testSchemaYAML), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored := decode[SchemaResponse](t, w)
	assert.Equal(t, 2, stored.Layers)

	w = a.do(t, http.MethodGet, "/v1/projects/1/schema", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "yaml")
	assert.Contains(t, w.Body.String(), "api")
	assert.Contains(t, w.Body.String(), "forbidden_dependencies")

	// Duplicate layer names fail validation.
	bad := strings.ReplaceAll(testSchemaYAML, "name: db", "name: api")
	w = a.doRaw(t, http.MethodPut, "/v1/projects/1/schema", []byte(bad), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_SCHEMA", decode[ErrorResponse](t, w).Code)

	// Unknown project.
	w = a.doRaw(t, http.MethodPut, "/v1/projects/9999/schema", []byte(testSchemaYAML), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalyzeEnqueuesTask(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	w := a.do(t, http.MethodPost, "/v1/projects/1/analyze", AnalyzeRequest{
		Files: []AnalyzeFile{
			{Filename: "svc/api.py", Content: "import os\n\ndef handle():\n    return os.name\n"},
		},
		Options: AnalyzeOptions{DetectCycles: true},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[AnalyzeResponse](t, w)
	assert.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, "PENDING", accepted.Status)

	n, err := fabric.NewQueue(a.fabric).Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	w = a.do(t, http.MethodGet, "/v1/analyses/"+accepted.TaskID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[TaskStatusResponse](t, w)
	assert.Equal(t, accepted.TaskID, status.TaskID)
	assert.Equal(t, "PENDING", status.Status)
	assert.Equal(t, string(fabric.KindProjectAnalysis), status.Kind)

	// No files.
	w = a.do(t, http.MethodPost, "/v1/projects/1/analyze", map[string]any{"files": []any{}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown project.
	w = a.do(t, http.MethodPost, "/v1/projects/9999/analyze", AnalyzeRequest{
		Files: []AnalyzeFile{{Filename: "a.py", Content: "x = 1\n"}},
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	// Oversized file.
	w = a.do(t, http.MethodPost, "/v1/projects/1/analyze", AnalyzeRequest{
		Files: []AnalyzeFile{{Filename: "big.py", Content: strings.Repeat("#", int(ast.DefaultMaxFileSize)+1)}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "FILE_TOO_LARGE", decode[ErrorResponse](t, w).Code)

	// Too many files.
	many := make([]AnalyzeFile, maxInlineFiles+1)
	for i := range many {
		many[i] = AnalyzeFile{Filename: "f.py", Content: "x = 1\n"}
	}
	w = a.do(t, http.MethodPost, "/v1/projects/1/analyze", AnalyzeRequest{Files: many})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "TOO_MANY_FILES", decode[ErrorResponse](t, w).Code)
}

func TestTaskStatusUnknown(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/v1/analyses/no-such-task/status", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "TASK_NOT_FOUND", decode[ErrorResponse](t, w).Code)
}

func TestGetReview(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	pr, _, err := a.store.SyncPullRequest(ctx, &store.PullRequest{
		ProjectID: a.project.ID,
		Number:    7,
		Title:     "Tighten retry handling",
		CommitSHA: "abc123",
	})
	require.NoError(t, err)

	// Not reviewed yet.
	w := a.do(t, http.MethodGet, "/v1/pr/1/review", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "REVIEW_NOT_FOUND", decode[ErrorResponse](t, w).Code)

	issues := []review.Issue{{
		Type:       review.IssueBug,
		Severity:   review.SeverityHigh,
		Confidence: 80,
		File:       "api/charge.py",
		Line:       12,
		Title:      "Unbounded retry loop",
	}}
	raw, err := json.Marshal(issues)
	require.NoError(t, err)
	require.NoError(t, a.store.SaveReviewResult(ctx, &store.ReviewResult{
		PullRequestID:   pr.ID,
		AISuggestions:   string(raw),
		ConfidenceScore: 0.8,
		TotalIssues:     1,
		CriticalIssues:  0,
		Summary:         "One high-severity finding.",
	}))

	w = a.do(t, http.MethodGet, "/v1/pr/1/review", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	detail := decode[ReviewDetail](t, w)
	require.NotNil(t, detail.PullRequest)
	assert.Equal(t, pr.ID, detail.PullRequest.ID)
	assert.Equal(t, "One high-severity finding.", detail.Summary)
	require.Len(t, detail.Issues, 1)
	assert.Equal(t, "Unbounded retry loop", detail.Issues[0].Title)
	assert.InDelta(t, 0.8, detail.ConfidenceScore, 1e-9)

	// Unknown pull request.
	w = a.do(t, http.MethodGet, "/v1/pr/9999/review", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPulls(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	for i, sha := range []string{"sha-a", "sha-b", "sha-c"} {
		_, _, err := a.store.SyncPullRequest(ctx, &store.PullRequest{
			ProjectID: a.project.ID,
			Number:    i + 1,
			Title:     "change",
			CommitSHA: sha,
		})
		require.NoError(t, err)
	}
	// Settle #3.
	pr3, err := a.store.GetPullRequestByNumber(ctx, a.project.ID, 3)
	require.NoError(t, err)
	require.NoError(t, a.store.TransitionStatus(ctx, pr3.ID, store.StatusApproved))

	w := a.do(t, http.MethodGet, "/v1/projects/1/pulls", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[PullsResponse](t, w).Count)

	w = a.do(t, http.MethodGet, "/v1/projects/1/pulls?state=closed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[PullsResponse](t, w).Count)

	w = a.do(t, http.MethodGet, "/v1/projects/1/pulls?state=all&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[PullsResponse](t, w).Count)

	w = a.do(t, http.MethodGet, "/v1/projects/1/pulls?state=bogus", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/v1/projects/9999/pulls", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGraphEndpoints(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	gid := graph.ProjectGraphID(a.project.ID)
	require.NoError(t, a.graph.UpsertParsedFile(ctx, seedPF(gid, "alpha", "beta")))
	require.NoError(t, a.graph.UpsertParsedFile(ctx, seedPF(gid, "beta", "alpha")))

	w := a.do(t, http.MethodGet, "/v1/projects/1/graph", nil)
	require.Equal(t, http.StatusOK, w.Code)
	export := decode[graph.DependencyGraph](t, w)
	assert.NotEmpty(t, export.Nodes)
	assert.NotEmpty(t, export.Edges)
	assert.Equal(t, 2, export.Metadata.Files)

	w = a.do(t, http.MethodGet, "/v1/projects/1/graph/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	metrics := decode[GraphMetricsResponse](t, w)
	assert.Equal(t, 2, metrics.Nodes[string(ast.LabelFile)])
	require.NotNil(t, metrics.Functions)
	assert.Equal(t, 2, metrics.Functions.Count)
	assert.InDelta(t, 3.0, metrics.Functions.AvgComplexity, 1e-9)

	w = a.do(t, http.MethodGet, "/v1/projects/1/graph/cycles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, decode[analytics.CycleReport](t, w).Total, 1)

	w = a.do(t, http.MethodGet, "/v1/projects/1/graph/coupling", nil)
	require.Equal(t, http.StatusOK, w.Code)
	coupling := decode[CouplingResponse](t, w)
	require.NotNil(t, coupling.Coupling)
	assert.NotEmpty(t, coupling.Coupling.Modules)

	w = a.do(t, http.MethodGet, "/v1/projects/1/graph/cycles?max_length=abc", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodGet, "/v1/projects/9999/graph", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDriftEndpoint(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	// No schema stored.
	w := a.do(t, http.MethodGet, "/v1/projects/1/drift", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SCHEMA_NOT_SET", decode[ErrorResponse](t, w).Code)

	gid := graph.ProjectGraphID(a.project.ID)
	require.NoError(t, a.graph.UpsertParsedFile(ctx, seedPF(gid, "api", "db")))
	require.NoError(t, a.graph.UpsertParsedFile(ctx, seedPF(gid, "db", "")))

	w = a.doRaw(t, http.MethodPut, "/v1/projects/1/schema", []byte(testSchemaYAML), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/v1/projects/1/drift", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	drift := decode[DriftResponse](t, w)
	require.NotNil(t, drift.Report)
	require.NotNil(t, drift.Violations)
	assert.Positive(t, drift.Report.Score)
	assert.Positive(t, drift.Violations.Counts.Total())
}

func TestReanalyze(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	pr, _, err := a.store.SyncPullRequest(ctx, &store.PullRequest{
		ProjectID: a.project.ID,
		Number:    4,
		Title:     "refactor",
		CommitSHA: "sha-x",
	})
	require.NoError(t, err)

	w := a.do(t, http.MethodPost, "/v1/pr/1/reanalyze", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[AnalyzeResponse](t, w)
	assert.NotEmpty(t, accepted.TaskID)

	n, err := fabric.NewQueue(a.fabric).Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Closed pull requests cannot be re-analyzed.
	require.NoError(t, a.store.TransitionStatus(ctx, pr.ID, store.StatusApproved))
	w = a.do(t, http.MethodPost, "/v1/pr/1/reanalyze", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "PR_CLOSED", decode[ErrorResponse](t, w).Code)

	w = a.do(t, http.MethodPost, "/v1/pr/9999/reanalyze", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestComplianceEndpoints(t *testing.T) {
	a := newTestAPI(t)

	audit := map[string]any{
		"scanner": "gosec",
		"findings": []map[string]any{
			{"severity": "high", "title": "SQL string concatenation", "file": "db/query.py", "line": 42},
			{"severity": "low", "title": "TLS min version unset"},
		},
	}
	rawAudit, err := json.Marshal(audit)
	require.NoError(t, err)

	w := a.do(t, http.MethodPost, "/v1/security-compliance/process-audit", map[string]any{
		"project_id": a.project.ID,
		"commit_sha": "abc123",
		"audit_json": json.RawMessage(rawAudit),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[compliance.Report](t, w)
	assert.Equal(t, a.project.ID, report.ProjectID)
	assert.Equal(t, 2, report.VulnerabilityCount)
	assert.Equal(t, 1, report.SeverityBreakdown.High)
	assert.NotEmpty(t, report.RiskLevel)

	w = a.do(t, http.MethodGet, "/v1/security-audit/quality-grade/1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	grade := decode[compliance.GradeReport](t, w)
	assert.NotEmpty(t, grade.Grade)
	assert.Equal(t, "abc123", grade.CommitSHA)

	w = a.do(t, http.MethodGet, "/v1/security-audit/history/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[ScanHistoryResponse](t, w)
	assert.Equal(t, 1, history.Count)

	// Malformed audit payload: findings entries need a severity.
	w = a.do(t, http.MethodPost, "/v1/security-compliance/process-audit", map[string]any{
		"project_id": a.project.ID,
		"audit_json": json.RawMessage(`{"findings":[{"title":"no severity"}]}`),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MALFORMED_AUDIT", decode[ErrorResponse](t, w).Code)

	// Unknown project.
	w = a.do(t, http.MethodPost, "/v1/security-compliance/process-audit", map[string]any{
		"project_id": 9999,
		"audit_json": json.RawMessage(rawAudit),
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodGet, "/v1/security-audit/quality-grade/9999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	a := newTestAPI(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	limited := gin.New()
	RegisterRoutes(limited.Group("/v1"), a.handlers,
		RateLimit(fabric.NewRateLimiter(a.fabric, 2, time.Minute), logger))

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/projects", strings.NewReader(
			`{"name":"n","repo_full_name":"acme/rate-limited"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		limited.ServeHTTP(w, req)
		return w
	}

	first := post()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))

	second := post() // duplicate repo, but still consumes budget
	require.Equal(t, http.StatusConflict, second.Code)

	third := post()
	require.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "RATE_LIMITED", decode[ErrorResponse](t, third).Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))
}

func TestNewHandlersRequiresDependencies(t *testing.T) {
	a := newTestAPI(t)

	_, err := NewHandlers(HandlersConfig{Graph: a.graph, Fabric: a.fabric})
	require.Error(t, err)
	_, err = NewHandlers(HandlersConfig{Store: a.store, Fabric: a.fabric})
	require.Error(t, err)
	_, err = NewHandlers(HandlersConfig{Store: a.store, Graph: a.graph})
	require.Error(t, err)
}
