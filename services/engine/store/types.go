// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"time"
)

// PRStatus is the workflow state of a pull request.
//
// Statuses advance monotonically (pending -> analyzing -> reviewed ->
// approved/rejected) with two sanctioned resets: analyzing -> pending
// when a run is abandoned, and reviewed -> pending when a new commit
// arrives on the same pull request.
type PRStatus string

// Pull request workflow states.
const (
	StatusPending   PRStatus = "pending"
	StatusAnalyzing PRStatus = "analyzing"
	StatusReviewed  PRStatus = "reviewed"
	StatusApproved  PRStatus = "approved"
	StatusRejected  PRStatus = "rejected"
)

// statusRank orders statuses for the monotonic-advance rule. Approved
// and rejected share a rank: once terminal, a PR cannot move between
// them.
func statusRank(s PRStatus) int {
	switch s {
	case StatusPending:
		return 0
	case StatusAnalyzing:
		return 1
	case StatusReviewed:
		return 2
	case StatusApproved, StatusRejected:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s PRStatus) Valid() bool {
	return statusRank(s) >= 0
}

// ValidTransition reports whether a pull request may move from one
// status to another. Same-status writes are permitted as idempotent
// no-ops.
func ValidTransition(from, to PRStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	// Sanctioned resets back to pending.
	if to == StatusPending && (from == StatusAnalyzing || from == StatusReviewed) {
		return true
	}
	return statusRank(to) > statusRank(from)
}

// Project is one registered repository under analysis.
type Project struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	RepoFullName  string    `json:"repo_full_name"`
	WebhookSecret string    `json:"-"`
	GoldenSchema  string    `json:"golden_schema,omitempty"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

// PullRequest is the authoritative workflow record for one external
// pull request. (ProjectID, Number) is unique; RiskScore is normalized
// to [0,1] when present.
type PullRequest struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	Number       int        `json:"external_pr_number"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       PRStatus   `json:"status"`
	RiskScore    *float64   `json:"risk_score,omitempty"`
	BranchName   string     `json:"branch_name"`
	CommitSHA    string     `json:"commit_sha"`
	FilesChanged int        `json:"files_changed"`
	LinesAdded   int        `json:"lines_added"`
	LinesDeleted int        `json:"lines_deleted"`
	CreatedAt    time.Time  `json:"created_at"`
	AnalyzedAt   *time.Time `json:"analyzed_at,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
}

// Open reports whether the pull request is still in flight from the
// review pipeline's point of view.
func (pr *PullRequest) Open() bool {
	return pr.Status == StatusPending || pr.Status == StatusAnalyzing || pr.Status == StatusReviewed
}

// ReviewResult is the persisted outcome of one AI review, one-to-one
// with its pull request; a newer review replaces the previous one.
type ReviewResult struct {
	ID              int64     `json:"id"`
	PullRequestID   int64     `json:"pull_request_id"`
	AISuggestions   string    `json:"ai_suggestions"`
	ConfidenceScore float64   `json:"confidence_score"`
	TotalIssues     int       `json:"total_issues"`
	CriticalIssues  int       `json:"critical_issues"`
	Summary         string    `json:"summary"`
	CreatedAt       time.Time `json:"created_at"`
}

// AuditLog is one append-only audit trail entry. Entries are never
// mutated after insert.
type AuditLog struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Changes    string    `json:"changes,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ScanAudit is one immutable security-scan result with its derived
// compliance summary.
type ScanAudit struct {
	ID                 int64     `json:"id"`
	ProjectID          int64     `json:"project_id"`
	CommitSHA          string    `json:"commit_sha,omitempty"`
	DeveloperID        string    `json:"developer_id,omitempty"`
	Payload            string    `json:"-"`
	VulnerabilityCount int       `json:"vulnerability_count"`
	Critical           int       `json:"critical"`
	High               int       `json:"high"`
	Medium             int       `json:"medium"`
	Low                int       `json:"low"`
	ComplianceScore    float64   `json:"compliance_score"`
	RiskLevel          string    `json:"risk_level"`
	CreatedAt          time.Time `json:"created_at"`
}

// PRState filters ListPullRequests.
type PRState string

// List filters: open covers pending/analyzing/reviewed, closed covers
// approved/rejected, all disables the filter.
const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
	PRStateAll    PRState = "all"
)
