// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fabric

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind selects the worker path for a task.
type Kind string

// Task kinds carried on the analysis queue.
const (
	// KindPRReview runs the full pipeline for one pull request: fetch
	// changed files, update the graph, build context, review via LLM,
	// persist, and report status upstream.
	KindPRReview Kind = "pr_review"

	// KindProjectAnalysis ingests a snapshot of inline-supplied files
	// into the project graph and runs drift detection, without a pull
	// request or LLM involvement.
	KindProjectAnalysis Kind = "project_analysis"
)

// FilePayload is one inline source file carried by a
// project_analysis task.
type FilePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Task is the unit of work on the analysis queue. Tasks are JSON on
// the wire and must stay self-contained: a worker on any process must
// be able to run one with no other coordination state.
type Task struct {
	ID            string        `json:"id"`
	Kind          Kind          `json:"kind"`
	ProjectID     int64         `json:"project_id"`
	PullRequestID int64         `json:"pull_request_id,omitempty"`
	CommitSHA     string        `json:"commit_sha,omitempty"`
	Attempt       int           `json:"attempt"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	Files         []FilePayload `json:"files,omitempty"`
	DetectDrift   bool          `json:"detect_drift,omitempty"`
}

// NewTask builds a task with a fresh ID for the given project.
func NewTask(kind Kind, projectID int64) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		ProjectID:  projectID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Validate checks the task is runnable for its kind.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrTaskInvalid)
	}
	if t.ProjectID <= 0 {
		return fmt.Errorf("%w: missing project id", ErrTaskInvalid)
	}
	switch t.Kind {
	case KindPRReview:
		if t.PullRequestID <= 0 {
			return fmt.Errorf("%w: pr_review requires a pull request id", ErrTaskInvalid)
		}
	case KindProjectAnalysis:
		if len(t.Files) == 0 {
			return fmt.Errorf("%w: project_analysis requires files", ErrTaskInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrTaskInvalid, t.Kind)
	}
	return nil
}

// LockKey names the distributed lock serializing work on this task's
// subject: one lock per pull request, or per project for snapshot
// analysis.
func (t *Task) LockKey() string {
	if t.Kind == KindPRReview {
		return fmt.Sprintf("pr:%d", t.PullRequestID)
	}
	return fmt.Sprintf("project:%d", t.ProjectID)
}

func (t *Task) marshal() ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrTaskInvalid, err)
	}
	return b, nil
}

func unmarshalTask(raw string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrTaskInvalid, err)
	}
	return &t, nil
}
