// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaskState is the externally visible lifecycle of a queued task.
type TaskState string

// Task lifecycle states reported by the status API.
const (
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// trackerTTL keeps task statuses queryable for a week, long enough for
// any reasonable client polling or postmortem.
const trackerTTL = 7 * 24 * time.Hour

// TaskStatus is the tracked state of one task, serialized to Redis.
type TaskStatus struct {
	TaskID    string    `json:"task_id"`
	Kind      Kind      `json:"kind"`
	State     TaskState `json:"state"`
	Attempt   int       `json:"attempt"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker records task lifecycle transitions so API clients can poll
// the status of work they enqueued.
type Tracker struct {
	client *Client
}

// NewTracker returns a tracker on the shared client.
func NewTracker(c *Client) *Tracker {
	return &Tracker{client: c}
}

func trackKey(taskID string) string {
	return "analysis:task:" + taskID
}

// Update writes the task's current state. Failures are logged by the
// caller and never abort the task itself; status is advisory.
func (t *Tracker) Update(ctx context.Context, task *Task, state TaskState, detail string) error {
	st := TaskStatus{
		TaskID:    task.ID,
		Kind:      task.Kind,
		State:     state,
		Attempt:   task.Attempt,
		Detail:    detail,
		UpdatedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: marshal status: %v", ErrTaskInvalid, err)
	}
	if err := t.client.rdb.Set(ctx, trackKey(task.ID), b, trackerTTL).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

// Get returns the tracked status, or ErrTaskNotFound for unknown or
// expired IDs.
func (t *Tracker) Get(ctx context.Context, taskID string) (*TaskStatus, error) {
	b, err := t.client.rdb.Get(ctx, trackKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, wrap(err)
	}
	var st TaskStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("%w: unmarshal status: %v", ErrTaskInvalid, err)
	}
	return &st, nil
}
