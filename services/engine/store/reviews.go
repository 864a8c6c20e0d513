// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
)

// SaveReviewResult stores the outcome of a review run. Each pull
// request keeps exactly one result; re-reviewing the same PR replaces
// the previous row (latest write wins).
func (s *Store) SaveReviewResult(ctx context.Context, rr *ReviewResult) error {
	if rr.AISuggestions == "" {
		rr.AISuggestions = "[]"
	}
	if rr.ConfidenceScore < 0 {
		rr.ConfidenceScore = 0
	}
	if rr.ConfidenceScore > 1 {
		rr.ConfidenceScore = 1
	}
	rr.CreatedAt = now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO review_results
			(pull_request_id, ai_suggestions, confidence_score, total_issues, critical_issues, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pull_request_id) DO UPDATE SET
			ai_suggestions = excluded.ai_suggestions,
			confidence_score = excluded.confidence_score,
			total_issues = excluded.total_issues,
			critical_issues = excluded.critical_issues,
			summary = excluded.summary,
			created_at = excluded.created_at`,
		rr.PullRequestID, rr.AISuggestions, rr.ConfidenceScore,
		rr.TotalIssues, rr.CriticalIssues, rr.Summary, rr.CreatedAt)
	if err != nil {
		return classify(err)
	}
	id, err := res.LastInsertId()
	if err == nil && id > 0 {
		rr.ID = id
	}
	return nil
}

// GetReviewResult fetches the stored review for a pull request.
func (s *Store) GetReviewResult(ctx context.Context, pullRequestID int64) (*ReviewResult, error) {
	var rr ReviewResult
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pull_request_id, ai_suggestions, confidence_score, total_issues, critical_issues, summary, created_at
		FROM review_results WHERE pull_request_id = ?`, pullRequestID).
		Scan(&rr.ID, &rr.PullRequestID, &rr.AISuggestions, &rr.ConfidenceScore,
			&rr.TotalIssues, &rr.CriticalIssues, &rr.Summary, &rr.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &rr, nil
}
