// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"time"

	"github.com/stratalab/strata/services/engine/analytics"
	"github.com/stratalab/strata/services/engine/graph"
	"github.com/stratalab/strata/services/engine/review"
	"github.com/stratalab/strata/services/engine/store"
)

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse reports process liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse reports per-component readiness.
type ReadyResponse struct {
	Ready      bool              `json:"ready"`
	Components map[string]string `json:"components,omitempty"`
}

// WebhookResponse acknowledges an inbound delivery.
type WebhookResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// webhookEvent is the subset of a source-host pull-request event the
// intake handler consumes. Unknown fields are ignored.
type webhookEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number       int    `json:"number"`
		Title        string `json:"title"`
		Body         string `json:"body"`
		State        string `json:"state"`
		Merged       bool   `json:"merged"`
		ChangedFiles int    `json:"changed_files"`
		Additions    int    `json:"additions"`
		Deletions    int    `json:"deletions"`
		Head         struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// CreateProjectRequest registers a repository for analysis.
//
// WebhookSecret is optional; projects without one fall back to the
// service-wide secret for signature checks. DefaultBranch defaults to
// "main".
type CreateProjectRequest struct {
	Name          string `json:"name" binding:"required"`
	RepoFullName  string `json:"repo_full_name" binding:"required"`
	WebhookSecret string `json:"webhook_secret"`
	DefaultBranch string `json:"default_branch"`
}

// ProjectsResponse lists registered projects.
type ProjectsResponse struct {
	Projects []*store.Project `json:"projects"`
	Count    int              `json:"count"`
}

// SchemaResponse acknowledges a stored golden schema.
type SchemaResponse struct {
	Message string `json:"message"`
	Layers  int    `json:"layers"`
}

// AnalyzeFile is one inline source file submitted for analysis.
// Language is advisory; detection falls back to content and filename.
type AnalyzeFile struct {
	Filename string `json:"filename" binding:"required"`
	Content  string `json:"content" binding:"required"`
	Language string `json:"language"`
}

// AnalyzeOptions tunes a snapshot analysis. Dependency extraction and
// cycle indexing always run as part of graph projection; LayerAnalysis
// additionally evaluates the project's golden schema.
type AnalyzeOptions struct {
	IncludeDependencies bool `json:"include_dependencies"`
	DetectCycles        bool `json:"detect_cycles"`
	LayerAnalysis       bool `json:"layer_analysis"`
}

// AnalyzeRequest submits inline files for asynchronous analysis.
type AnalyzeRequest struct {
	Files   []AnalyzeFile  `json:"files" binding:"required,min=1,dive"`
	Options AnalyzeOptions `json:"options"`
}

// AnalyzeResponse acknowledges an enqueued analysis task.
type AnalyzeResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskStatusResponse reports the tracked state of a queued task.
type TaskStatusResponse struct {
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReviewDetail joins a pull request with its persisted review verdict.
type ReviewDetail struct {
	PullRequest     *store.PullRequest `json:"pull_request"`
	Summary         string             `json:"summary"`
	Issues          []review.Issue     `json:"issues"`
	TotalIssues     int                `json:"total_issues"`
	CriticalIssues  int                `json:"critical_issues"`
	ConfidenceScore float64            `json:"confidence_score"`
	CreatedAt       time.Time          `json:"created_at"`
}

// PullsResponse lists a project's pull requests.
type PullsResponse struct {
	Pulls []*store.PullRequest `json:"pulls"`
	Count int                  `json:"count"`
}

// GraphMetricsResponse aggregates a project's graph composition.
type GraphMetricsResponse struct {
	ProjectID int64                `json:"project_id"`
	Nodes     map[string]int       `json:"nodes"`
	Functions *graph.FunctionStats `json:"functions"`
}

// CouplingResponse pairs module coupling metrics with the longest
// dependency chains in the project graph.
type CouplingResponse struct {
	Coupling     *analytics.CouplingReport  `json:"coupling"`
	LongestPaths []analytics.DependencyPath `json:"longest_paths"`
}

// DriftResponse reports drift scoring together with the violations
// that produced it.
type DriftResponse struct {
	Report     *analytics.DriftReport     `json:"report"`
	Violations *analytics.ViolationReport `json:"violations"`
}

// ScanHistoryResponse lists a project's security-scan audits, newest
// first.
type ScanHistoryResponse struct {
	Audits []*store.ScanAudit `json:"audits"`
	Count  int                `json:"count"`
}
