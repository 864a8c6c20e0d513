// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const prColumns = `id, project_id, external_pr_number, title, description, status, risk_score,
	branch_name, commit_sha, files_changed, lines_added, lines_deleted,
	created_at, analyzed_at, reviewed_at`

// # Description
//
// SyncPullRequest reconciles an incoming pull request event with the
// stored record, keyed by (ProjectID, Number). A previously unseen PR
// is inserted in status pending. A known PR has its metadata updated;
// if the head commit changed while the PR sat in reviewed, the status
// resets to pending so the new revision gets re-reviewed. A changed
// commit never interrupts an in-flight analyzing run — the worker
// detects the stale SHA itself.
//
// # Inputs
//   - ctx: cancels the enclosing transaction.
//   - in: event fields; ID/Status/CreatedAt are ignored on input.
//
// # Outputs
//   - *PullRequest: the stored row after reconciliation.
//   - bool: true when the row was newly created.
//   - error: ErrConflict or ErrUnavailable via classify.
func (s *Store) SyncPullRequest(ctx context.Context, in *PullRequest) (*PullRequest, bool, error) {
	var out *PullRequest
	var created bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanPR(tx.QueryRowContext(ctx, `
			SELECT `+prColumns+` FROM pull_requests
			WHERE project_id = ? AND external_pr_number = ?`,
			in.ProjectID, in.Number))
		switch {
		case err == nil:
			out, err = updateFromEvent(ctx, tx, existing, in)
			return err
		case IsNotFound(err):
			out, err = insertFromEvent(ctx, tx, in)
			created = true
			return err
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func insertFromEvent(ctx context.Context, tx *sql.Tx, in *PullRequest) (*PullRequest, error) {
	createdAt := now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO pull_requests
			(project_id, external_pr_number, title, description, status,
			 branch_name, commit_sha, files_changed, lines_added, lines_deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ProjectID, in.Number, in.Title, in.Description, StatusPending,
		in.BranchName, in.CommitSHA, in.FilesChanged, in.LinesAdded, in.LinesDeleted, createdAt)
	if err != nil {
		return nil, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, classify(err)
	}
	pr := *in
	pr.ID = id
	pr.Status = StatusPending
	pr.RiskScore = nil
	pr.CreatedAt = createdAt
	pr.AnalyzedAt = nil
	pr.ReviewedAt = nil
	return &pr, nil
}

func updateFromEvent(ctx context.Context, tx *sql.Tx, existing, in *PullRequest) (*PullRequest, error) {
	status := existing.Status
	if in.CommitSHA != "" && in.CommitSHA != existing.CommitSHA && existing.Status == StatusReviewed {
		status = StatusPending
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE pull_requests SET
			title = ?, description = ?, status = ?,
			branch_name = ?, commit_sha = ?,
			files_changed = ?, lines_added = ?, lines_deleted = ?
		WHERE id = ?`,
		in.Title, in.Description, status,
		in.BranchName, in.CommitSHA,
		in.FilesChanged, in.LinesAdded, in.LinesDeleted, existing.ID)
	if err != nil {
		return nil, classify(err)
	}
	out := *existing
	out.Title = in.Title
	out.Description = in.Description
	out.Status = status
	out.BranchName = in.BranchName
	out.CommitSHA = in.CommitSHA
	out.FilesChanged = in.FilesChanged
	out.LinesAdded = in.LinesAdded
	out.LinesDeleted = in.LinesDeleted
	return &out, nil
}

// GetPullRequest fetches a pull request by primary key.
func (s *Store) GetPullRequest(ctx context.Context, id int64) (*PullRequest, error) {
	return scanPR(s.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE id = ?`, id))
}

// GetPullRequestByNumber fetches a pull request by its external number
// within a project.
func (s *Store) GetPullRequestByNumber(ctx context.Context, projectID int64, number int) (*PullRequest, error) {
	return scanPR(s.db.QueryRowContext(ctx, `
		SELECT `+prColumns+` FROM pull_requests
		WHERE project_id = ? AND external_pr_number = ?`, projectID, number))
}

// ListPullRequests returns a project's pull requests, newest first,
// optionally filtered by open/closed state.
func (s *Store) ListPullRequests(ctx context.Context, projectID int64, state PRState, limit int) ([]*PullRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + prColumns + ` FROM pull_requests WHERE project_id = ?`
	args := []any{projectID}
	switch state {
	case PRStateOpen:
		q += ` AND status IN ('pending','analyzing','reviewed')`
	case PRStateClosed:
		q += ` AND status IN ('approved','rejected')`
	case PRStateAll, "":
	default:
		return nil, fmt.Errorf("store: unknown state filter %q", state)
	}
	q += ` ORDER BY external_pr_number DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*PullRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, classify(rows.Err())
}

// # Description
//
// TransitionStatus moves a pull request to a new workflow status,
// enforcing the state machine: forward moves only, plus the sanctioned
// analyzing->pending and reviewed->pending resets. Writing the current
// status back is an idempotent no-op.
//
// # Outputs
//   - error: ErrInvalidTransition when the move is forbidden,
//     ErrNotFound when the PR does not exist.
func (s *Store) TransitionStatus(ctx context.Context, prID int64, to PRStatus) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var from PRStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM pull_requests WHERE id = ?`, prID).Scan(&from)
		if err != nil {
			return classify(err)
		}
		if !ValidTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if from == to {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pull_requests SET status = ? WHERE id = ?`, to, prID)
		return classify(err)
	})
}

// MarkAnalyzed stamps the completion of the analysis+review pipeline:
// status reviewed, normalized risk score, and both timestamps. The
// transition is validated like TransitionStatus.
func (s *Store) MarkAnalyzed(ctx context.Context, prID int64, riskScore float64) error {
	if riskScore < 0 {
		riskScore = 0
	}
	if riskScore > 1 {
		riskScore = 1
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var from PRStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM pull_requests WHERE id = ?`, prID).Scan(&from)
		if err != nil {
			return classify(err)
		}
		if !ValidTransition(from, StatusReviewed) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StatusReviewed)
		}
		ts := now()
		_, err = tx.ExecContext(ctx, `
			UPDATE pull_requests
			SET status = ?, risk_score = ?, analyzed_at = ?, reviewed_at = ?
			WHERE id = ?`,
			StatusReviewed, riskScore, ts, ts, prID)
		return classify(err)
	})
}

// CurrentCommit returns the head SHA stored for the pull request.
// Workers compare it with their task's SHA to drop stale runs.
func (s *Store) CurrentCommit(ctx context.Context, prID int64) (string, error) {
	var sha string
	err := s.db.QueryRowContext(ctx,
		`SELECT commit_sha FROM pull_requests WHERE id = ?`, prID).Scan(&sha)
	if err != nil {
		return "", classify(err)
	}
	return sha, nil
}

func scanPR(row rowScanner) (*PullRequest, error) {
	var (
		pr         PullRequest
		risk       sql.NullFloat64
		analyzedAt sql.NullTime
		reviewedAt sql.NullTime
	)
	err := row.Scan(&pr.ID, &pr.ProjectID, &pr.Number, &pr.Title, &pr.Description,
		&pr.Status, &risk, &pr.BranchName, &pr.CommitSHA,
		&pr.FilesChanged, &pr.LinesAdded, &pr.LinesDeleted,
		&pr.CreatedAt, &analyzedAt, &reviewedAt)
	if err != nil {
		return nil, classify(err)
	}
	pr.RiskScore = floatPtr(risk)
	pr.AnalyzedAt = timePtr(analyzedAt)
	pr.ReviewedAt = timePtr(reviewedAt)
	return &pr, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
