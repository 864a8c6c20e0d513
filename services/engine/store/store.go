// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists the relational workflow state of the engine:
// projects, pull requests and their review lifecycle, immutable audit
// trails, and security scan results. It is the durable counterpart to
// the property graph in services/engine/graph.
//
// The backing database is SQLite (modernc.org/sqlite, pure Go). All
// methods are safe for concurrent use; SQLite serializes writers and
// WAL mode keeps readers unblocked.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by Store operations. Callers dispatch with
// errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates a uniqueness or foreign-key constraint
	// rejected the write.
	ErrConflict = errors.New("store: constraint violation")

	// ErrInvalidTransition indicates a pull request status change that
	// the workflow state machine forbids.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	// ErrUnavailable indicates the database could not serve the request;
	// the operation may be retried.
	ErrUnavailable = errors.New("store: unavailable")
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT NOT NULL,
	repo_full_name  TEXT NOT NULL UNIQUE,
	webhook_secret  TEXT NOT NULL DEFAULT '',
	golden_schema   TEXT NOT NULL DEFAULT '',
	default_branch  TEXT NOT NULL DEFAULT 'main',
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pull_requests (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id         INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	external_pr_number INTEGER NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending','analyzing','reviewed','approved','rejected')),
	risk_score         REAL
		CHECK (risk_score IS NULL OR (risk_score >= 0.0 AND risk_score <= 1.0)),
	branch_name        TEXT NOT NULL DEFAULT '',
	commit_sha         TEXT NOT NULL DEFAULT '',
	files_changed      INTEGER NOT NULL DEFAULT 0,
	lines_added        INTEGER NOT NULL DEFAULT 0,
	lines_deleted      INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL,
	analyzed_at        TIMESTAMP,
	reviewed_at        TIMESTAMP,
	UNIQUE (project_id, external_pr_number)
);

CREATE INDEX IF NOT EXISTS idx_pull_requests_project
	ON pull_requests (project_id, status);

CREATE TABLE IF NOT EXISTS review_results (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	pull_request_id  INTEGER NOT NULL UNIQUE REFERENCES pull_requests(id) ON DELETE CASCADE,
	ai_suggestions   TEXT NOT NULL DEFAULT '[]',
	confidence_score REAL NOT NULL DEFAULT 0
		CHECK (confidence_score >= 0.0 AND confidence_score <= 1.0),
	total_issues     INTEGER NOT NULL DEFAULT 0,
	critical_issues  INTEGER NOT NULL DEFAULT 0,
	summary          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	changes     TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT '',
	timestamp   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_entity
	ON audit_logs (entity_type, entity_id, timestamp);

CREATE TABLE IF NOT EXISTS scan_audits (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id          INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	commit_sha          TEXT NOT NULL DEFAULT '',
	developer_id        TEXT NOT NULL DEFAULT '',
	payload             TEXT NOT NULL,
	vulnerability_count INTEGER NOT NULL DEFAULT 0,
	critical            INTEGER NOT NULL DEFAULT 0,
	high                INTEGER NOT NULL DEFAULT 0,
	medium              INTEGER NOT NULL DEFAULT 0,
	low                 INTEGER NOT NULL DEFAULT 0,
	compliance_score    REAL NOT NULL DEFAULT 0,
	risk_level          TEXT NOT NULL DEFAULT 'LOW',
	created_at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scan_audits_project
	ON scan_audits (project_id, created_at);
`

// Store wraps the relational database. Construct with Open or
// OpenInMemory.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// # Description
//
// Open creates (or reopens) the SQLite database at path, ensures the
// schema exists, and returns a ready Store. The parent directory is
// created if missing. WAL journaling and foreign keys are enabled.
//
// # Inputs
//   - path: filesystem location of the database file.
//   - logger: destination for store diagnostics; must not be nil.
//
// # Outputs
//   - *Store: ready for use; callers own Close.
//   - error: ErrUnavailable wrapping the cause when the file or schema
//     cannot be initialized.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %v", ErrUnavailable, err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	return open(dsn, logger)
}

// OpenInMemory returns a Store backed by a private in-memory database.
// Intended for tests; contents vanish on Close.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	return open("file::memory:?_pragma=foreign_keys(ON)", logger)
}

func open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite: %v", ErrUnavailable, err)
	}
	// SQLite permits one writer; a single pooled connection avoids
	// SQLITE_BUSY churn and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: applying schema: %v", ErrUnavailable, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil return and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// classify folds driver errors into the package sentinels so callers
// never match on SQLite error strings themselves.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "unique") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// now returns the canonical timestamp written to every row: UTC,
// truncated to microseconds so round-trips through TEXT storage
// compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
