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
	"strings"
)

// CreateProject inserts a new project and fills in its ID and
// CreatedAt. RepoFullName must be unique; a duplicate returns
// ErrConflict.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if strings.TrimSpace(p.RepoFullName) == "" {
		return errors.New("store: project repo_full_name is required")
	}
	if p.Name == "" {
		p.Name = p.RepoFullName
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	p.CreatedAt = now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, repo_full_name, webhook_secret, golden_schema, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, p.RepoFullName, p.WebhookSecret, p.GoldenSchema, p.DefaultBranch, p.CreatedAt)
	if err != nil {
		return classify(err)
	}
	p.ID, err = res.LastInsertId()
	return classify(err)
}

// GetProject fetches a project by primary key.
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_full_name, webhook_secret, golden_schema, default_branch, created_at
		FROM projects WHERE id = ?`, id))
}

// GetProjectByRepo fetches a project by its owner/name slug, the key
// webhooks identify repositories with.
func (s *Store) GetProjectByRepo(ctx context.Context, repoFullName string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_full_name, webhook_secret, golden_schema, default_branch, created_at
		FROM projects WHERE repo_full_name = ?`, repoFullName))
}

// ListProjects returns all registered projects ordered by creation.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, repo_full_name, webhook_secret, golden_schema, default_branch, created_at
		FROM projects ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := s.scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

// SetGoldenSchema replaces the project's stored architectural layer
// schema (JSON). An empty string clears it.
func (s *Store) SetGoldenSchema(ctx context.Context, projectID int64, schemaJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET golden_schema = ? WHERE id = ?`, schemaJSON, projectID)
	if err != nil {
		return classify(err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanProject(row rowScanner) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.RepoFullName, &p.WebhookSecret, &p.GoldenSchema, &p.DefaultBranch, &p.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

// requireRow converts a zero-rows-affected UPDATE into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
