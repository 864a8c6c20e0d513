// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
)

// AppendAuditLog writes one immutable audit trail entry. There is no
// update or delete path for audit rows.
func (s *Store) AppendAuditLog(ctx context.Context, e *AuditLog) error {
	if e.Action == "" || e.EntityType == "" || e.EntityID == "" {
		return errors.New("store: audit log requires action, entity_type and entity_id")
	}
	e.Timestamp = now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, entity_type, entity_id, changes, ip_address, user_agent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Action, e.EntityType, e.EntityID, e.Changes, e.IPAddress, e.UserAgent, e.Timestamp)
	if err != nil {
		return classify(err)
	}
	e.ID, err = res.LastInsertId()
	return classify(err)
}

// ListAuditLogs returns the trail for one entity, newest first.
func (s *Store) ListAuditLogs(ctx context.Context, entityType, entityID string, limit int) ([]*AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, entity_type, entity_id, changes, ip_address, user_agent, timestamp
		FROM audit_logs
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY id DESC LIMIT ?`, entityType, entityID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*AuditLog
	for rows.Next() {
		var e AuditLog
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.EntityType, &e.EntityID,
			&e.Changes, &e.IPAddress, &e.UserAgent, &e.Timestamp); err != nil {
			return nil, classify(err)
		}
		out = append(out, &e)
	}
	return out, classify(rows.Err())
}

// InsertScanAudit stores one security-scan result. Scan audits are
// append-only; corrections arrive as new scans.
func (s *Store) InsertScanAudit(ctx context.Context, sa *ScanAudit) error {
	if sa.Payload == "" {
		return errors.New("store: scan audit requires a payload")
	}
	sa.CreatedAt = now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_audits
			(project_id, commit_sha, developer_id, payload, vulnerability_count,
			 critical, high, medium, low, compliance_score, risk_level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sa.ProjectID, sa.CommitSHA, sa.DeveloperID, sa.Payload, sa.VulnerabilityCount,
		sa.Critical, sa.High, sa.Medium, sa.Low, sa.ComplianceScore, sa.RiskLevel, sa.CreatedAt)
	if err != nil {
		return classify(err)
	}
	sa.ID, err = res.LastInsertId()
	return classify(err)
}

const scanAuditColumns = `id, project_id, commit_sha, developer_id, payload, vulnerability_count,
	critical, high, medium, low, compliance_score, risk_level, created_at`

// LatestScanAudit returns the most recent scan for a project; quality
// grades derive from this row.
func (s *Store) LatestScanAudit(ctx context.Context, projectID int64) (*ScanAudit, error) {
	return scanScanAudit(s.db.QueryRowContext(ctx, `
		SELECT `+scanAuditColumns+` FROM scan_audits
		WHERE project_id = ? ORDER BY id DESC LIMIT 1`, projectID))
}

// ListScanAudits returns a project's scan history, newest first.
func (s *Store) ListScanAudits(ctx context.Context, projectID int64, limit int) ([]*ScanAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scanAuditColumns+` FROM scan_audits
		WHERE project_id = ? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*ScanAudit
	for rows.Next() {
		sa, err := scanScanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	return out, classify(rows.Err())
}

func scanScanAudit(row rowScanner) (*ScanAudit, error) {
	var sa ScanAudit
	err := row.Scan(&sa.ID, &sa.ProjectID, &sa.CommitSHA, &sa.DeveloperID, &sa.Payload,
		&sa.VulnerabilityCount, &sa.Critical, &sa.High, &sa.Medium, &sa.Low,
		&sa.ComplianceScore, &sa.RiskLevel, &sa.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &sa, nil
}
