// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compliance

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/store"
)

const (
	gradeCachePrefix = "compliance:grade:"
	gradeCacheTTL    = time.Hour
)

// Service processes incoming scan audits and serves quality grades.
//
// # Description
//
// ProcessAudit is the write path: validate, score, persist the scan as
// an immutable row, and drop the cached grade so the next read
// recomputes. QualityGrade is the read path: serve from the Redis
// cache when fresh, otherwise derive from the latest stored scan.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	store  *store.Store
	grades *fabric.Memoizer
	logger *slog.Logger
}

// NewService wires the compliance service. cache may be nil, which
// disables grade caching; every grade read then hits the store.
func NewService(st *store.Store, cache *fabric.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: st, logger: logger}
	if cache != nil {
		s.grades = fabric.NewKeyedMemoizer(cache, gradeCachePrefix, gradeCacheTTL)
	}
	return s
}

// ProcessRequest is one scanner submission.
type ProcessRequest struct {
	ProjectID   int64           `json:"project_id"`
	CommitSHA   string          `json:"commit_sha,omitempty"`
	DeveloperID string          `json:"developer_id,omitempty"`
	Audit       json.RawMessage `json:"audit_json"`
}

// Report is the derived view of one processed audit returned to the
// submitter.
type Report struct {
	ProjectID          int64     `json:"project_id"`
	CommitSHA          string    `json:"commit_sha,omitempty"`
	Scanner            string    `json:"scanner,omitempty"`
	ComplianceScore    float64   `json:"compliance_score"`
	VulnerabilityCount int       `json:"vulnerability_count"`
	RiskLevel          string    `json:"risk_level"`
	SeverityBreakdown  Breakdown `json:"severity_breakdown"`
	CreatedAt          time.Time `json:"created_at"`
}

// GradeReport is a project's rolled-up quality grade, derived from its
// most recent scan.
type GradeReport struct {
	ProjectID          int64     `json:"project_id"`
	Grade              string    `json:"grade"`
	ComplianceScore    float64   `json:"compliance_score"`
	RiskLevel          string    `json:"risk_level"`
	VulnerabilityCount int       `json:"vulnerability_count"`
	SeverityBreakdown  Breakdown `json:"severity_breakdown"`
	CommitSHA          string    `json:"commit_sha,omitempty"`
	ScannedAt          time.Time `json:"scanned_at"`
}

// ProcessAudit validates and stores one scan result.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - req: The submission; ProjectID must name an existing project and
//     Audit must satisfy the audit contract.
//
// # Outputs
//
//   - *Report: Score, risk level, and severity breakdown.
//   - error: store.ErrNotFound for unknown projects, ErrMalformedAudit
//     for contract violations, store errors otherwise.
func (s *Service) ProcessAudit(ctx context.Context, req *ProcessRequest) (*Report, error) {
	if _, err := s.store.GetProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	audit, err := ParseAudit(req.Audit)
	if err != nil {
		return nil, err
	}

	b := audit.BreakdownOf()
	score := Score(b)
	risk := RiskFor(b, score)

	sa := &store.ScanAudit{
		ProjectID:          req.ProjectID,
		CommitSHA:          req.CommitSHA,
		DeveloperID:        req.DeveloperID,
		Payload:            string(req.Audit),
		VulnerabilityCount: b.Total(),
		Critical:           b.Critical,
		High:               b.High,
		Medium:             b.Medium,
		Low:                b.Low,
		ComplianceScore:    score,
		RiskLevel:          risk,
	}
	if err := s.store.InsertScanAudit(ctx, sa); err != nil {
		return nil, err
	}

	s.appendTrail(ctx, req, sa)
	s.dropCachedGrade(ctx, req.ProjectID)

	s.logger.Info("scan audit processed",
		"project_id", req.ProjectID,
		"scanner", audit.Scanner,
		"vulnerabilities", sa.VulnerabilityCount,
		"score", score,
		"risk_level", risk)

	return &Report{
		ProjectID:          req.ProjectID,
		CommitSHA:          req.CommitSHA,
		Scanner:            audit.Scanner,
		ComplianceScore:    score,
		VulnerabilityCount: sa.VulnerabilityCount,
		RiskLevel:          risk,
		SeverityBreakdown:  b,
		CreatedAt:          sa.CreatedAt,
	}, nil
}

// QualityGrade returns the project's letter grade from its latest
// scan.
//
// # Outputs
//
//   - *GradeReport: The grade and the scan it derives from.
//   - error: store.ErrNotFound when the project has no recorded scans.
func (s *Service) QualityGrade(ctx context.Context, projectID int64) (*GradeReport, error) {
	key := strconv.FormatInt(projectID, 10)

	if s.grades != nil {
		if raw, ok, err := s.grades.Get(ctx, key); err != nil {
			s.logger.Warn("grade cache read failed", "project_id", projectID, "error", err)
		} else if ok {
			var cached GradeReport
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
			s.logger.Warn("grade cache entry corrupt, recomputing", "project_id", projectID)
		}
	}

	latest, err := s.store.LatestScanAudit(ctx, projectID)
	if err != nil {
		return nil, err
	}

	b := Breakdown{Critical: latest.Critical, High: latest.High, Medium: latest.Medium, Low: latest.Low}
	report := &GradeReport{
		ProjectID:          projectID,
		Grade:              GradeFor(b, latest.ComplianceScore),
		ComplianceScore:    latest.ComplianceScore,
		RiskLevel:          latest.RiskLevel,
		VulnerabilityCount: latest.VulnerabilityCount,
		SeverityBreakdown:  b,
		CommitSHA:          latest.CommitSHA,
		ScannedAt:          latest.CreatedAt,
	}

	if s.grades != nil {
		if raw, err := json.Marshal(report); err == nil {
			if err := s.grades.Set(ctx, key, raw); err != nil {
				s.logger.Warn("grade cache write failed", "project_id", projectID, "error", err)
			}
		}
	}
	return report, nil
}

// History returns the project's scan history, newest first.
func (s *Service) History(ctx context.Context, projectID int64, limit int) ([]*store.ScanAudit, error) {
	return s.store.ListScanAudits(ctx, projectID, limit)
}

// appendTrail records the processed scan in the audit trail. The scan
// row is already durable at this point, so trail failures are logged
// rather than surfaced.
func (s *Service) appendTrail(ctx context.Context, req *ProcessRequest, sa *store.ScanAudit) {
	changes, _ := json.Marshal(map[string]any{
		"scan_audit_id":       sa.ID,
		"compliance_score":    sa.ComplianceScore,
		"risk_level":          sa.RiskLevel,
		"vulnerability_count": sa.VulnerabilityCount,
	})
	entry := &store.AuditLog{
		UserID:     req.DeveloperID,
		Action:     "security_audit_processed",
		EntityType: "project",
		EntityID:   strconv.FormatInt(req.ProjectID, 10),
		Changes:    string(changes),
	}
	if err := s.store.AppendAuditLog(ctx, entry); err != nil {
		s.logger.Error("audit trail write failed", "project_id", req.ProjectID, "error", err)
	}
}

func (s *Service) dropCachedGrade(ctx context.Context, projectID int64) {
	if s.grades == nil {
		return
	}
	key := strconv.FormatInt(projectID, 10)
	if err := s.grades.Invalidate(ctx, key); err != nil {
		s.logger.Warn("grade cache invalidation failed", "project_id", projectID, "error", err)
	}
}
